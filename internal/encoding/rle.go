package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeMaskRLE run-length encodes a boolean mask as uvarint run lengths.
// Runs alternate starting with false, so a mask that begins with true
// starts with a zero-length run.
func EncodeMaskRLE(mask []bool) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	cur := false
	i := 0
	for i < len(mask) {
		run := 0
		for i < len(mask) && mask[i] == cur {
			run++
			i++
		}
		n := binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		cur = !cur
	}
	return buf.Bytes()
}

// DecodeMaskRLE expands raw into a mask of exactly n cells.
func DecodeMaskRLE(raw []byte, n int) ([]bool, error) {
	out := make([]bool, 0, n)
	cur := false
	for i := 0; i < len(raw); {
		run, k := binary.Uvarint(raw[i:])
		if k <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += k
		if run > uint64(n-len(out)) {
			return nil, fmt.Errorf("run of %d overflows %d cells", run, n)
		}
		for j := uint64(0); j < run; j++ {
			out = append(out, cur)
		}
		cur = !cur
	}
	if len(out) != n {
		return nil, fmt.Errorf("mask has %d cells, want %d", len(out), n)
	}
	return out, nil
}
