// Package terraintest writes small georeferenced tiles for tests that drive
// the pipeline through real files.
package terraintest

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
)

// Tile describes a float32 GeoTIFF. Origin is the top-left corner in
// source units; Values are row-major, row 0 north.
type Tile struct {
	Cols, Rows       int
	OriginX, OriginY float64
	ScaleX, ScaleY   float64
	Values           []float32
	Nodata           *float64
}

// Flat returns a cols x rows tile with every sample set to v.
func Flat(cols, rows int, originX, originY, scale float64, v float32) Tile {
	vals := make([]float32, cols*rows)
	for i := range vals {
		vals[i] = v
	}
	return Tile{Cols: cols, Rows: rows, OriginX: originX, OriginY: originY, ScaleX: scale, ScaleY: scale, Values: vals}
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// WriteGeoTIFF stores tile as an uncompressed little-endian single-strip
// GeoTIFF at dir/name and returns the path.
func WriteGeoTIFF(t testing.TB, dir, name string, tile Tile) string {
	t.Helper()
	if len(tile.Values) != tile.Cols*tile.Rows {
		t.Fatalf("fixture %s: %d values for %dx%d", name, len(tile.Values), tile.Cols, tile.Rows)
	}
	le := binary.LittleEndian
	long := func(tag uint16, v uint32) entry {
		b := make([]byte, 4)
		le.PutUint32(b, v)
		return entry{tag, 4, 1, b}
	}
	short := func(tag uint16, v uint16) entry {
		b := make([]byte, 2)
		le.PutUint16(b, v)
		return entry{tag, 3, 1, b}
	}
	doubles := func(tag uint16, vs ...float64) entry {
		b := make([]byte, 8*len(vs))
		for i, v := range vs {
			le.PutUint64(b[i*8:], math.Float64bits(v))
		}
		return entry{tag, 12, uint32(len(vs)), b}
	}

	var buf bytes.Buffer
	buf.WriteString("II")
	buf.Write([]byte{42, 0, 0, 0, 0, 0})

	stripOff := uint32(buf.Len())
	for _, v := range tile.Values {
		var tmp [4]byte
		le.PutUint32(tmp[:], math.Float32bits(v))
		buf.Write(tmp[:])
	}

	tags := []entry{
		long(256, uint32(tile.Cols)),
		long(257, uint32(tile.Rows)),
		short(258, 32),
		short(259, 1),
		short(262, 1),
		long(273, stripOff),
		short(277, 1),
		long(278, uint32(tile.Rows)),
		long(279, uint32(4*len(tile.Values))),
		short(339, 3),
		doubles(33550, tile.ScaleX, tile.ScaleY, 0),
		doubles(33922, 0, 0, 0, tile.OriginX, tile.OriginY, 0),
	}
	if tile.Nodata != nil {
		s := strconv.FormatFloat(*tile.Nodata, 'g', -1, 64) + "\x00"
		tags = append(tags, entry{42113, 2, uint32(len(s)), []byte(s)})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].tag < tags[j].tag })

	offs := make([]uint32, len(tags))
	for i, e := range tags {
		if len(e.data) > 4 {
			offs[i] = uint32(buf.Len())
			buf.Write(e.data)
		}
	}
	ifd := uint32(buf.Len())
	var cnt [2]byte
	le.PutUint16(cnt[:], uint16(len(tags)))
	buf.Write(cnt[:])
	for i, e := range tags {
		var rec [12]byte
		le.PutUint16(rec[0:], e.tag)
		le.PutUint16(rec[2:], e.typ)
		le.PutUint32(rec[4:], e.count)
		if len(e.data) > 4 {
			le.PutUint32(rec[8:], offs[i])
		} else {
			copy(rec[8:], e.data)
		}
		buf.Write(rec[:])
	}
	buf.Write([]byte{0, 0, 0, 0})
	out := buf.Bytes()
	le.PutUint32(out[4:8], ifd)

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
