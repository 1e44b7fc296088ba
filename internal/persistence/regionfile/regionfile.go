// Package regionfile stores region blocks as headerless little-endian
// float32 arrays, the layout the terrain importer reads directly.
package regionfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"terrainprep/internal/terrain/region"
)

const DefaultExt = "raw"

var (
	extPattern  = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	namePattern = regexp.MustCompile(`^region_-?[0-9]+_-?[0-9]+\.[A-Za-z0-9]+$`)
)

// ValidExt reports whether ext is usable as a block file extension.
func ValidExt(ext string) bool { return extPattern.MatchString(ext) }

// FileName is region_<x>_<y>.<ext>, from engine coordinates.
func FileName(c region.Coord, ext string) string {
	return fmt.Sprintf("region_%d_%d.%s", c.X, c.Y, ext)
}

// Write stores r in dir and returns the file name and the bytes written.
func Write(dir string, r region.Region, ext string) (string, int64, error) {
	if len(r.Block) != r.Size*r.Size {
		return "", 0, fmt.Errorf("region (%d,%d): block has %d samples, want %d", r.X, r.Y, len(r.Block), r.Size*r.Size)
	}
	name := FileName(r.Coord, ext)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, err
	}
	bw := bufio.NewWriterSize(f, 256*1024)
	if err := encode(bw, r.Block); err != nil {
		_ = f.Close()
		return "", 0, err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}
	return name, int64(len(r.Block)) * 4, nil
}

func encode(w io.Writer, block []float32) error {
	var tmp [4]byte
	for _, v := range block {
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
		if _, err := w.Write(tmp[:]); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlock reads a size x size block back.
func ReadBlock(path string, size int) ([]float32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if want := size * size * 4; len(b) != want {
		return nil, fmt.Errorf("%s: %d bytes, want %d", path, len(b), want)
	}
	out := make([]float32, size*size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// List returns the sorted names of block files in dir.
func List(dir, ext string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "region_") || !strings.HasSuffix(name, "."+ext) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CleanStale makes sure dir exists and removes block files left by a
// previous run, whatever their extension. It returns how many files were
// removed.
func CleanStale(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range ents {
		if e.IsDir() || !namePattern.MatchString(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
