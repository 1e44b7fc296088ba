// Package source reads georeferenced elevation rasters from disk.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNoInput = errors.New("input not found")
	ErrNoTiles = errors.New("no matching tiles found")
)

// Raster is one source tile as read from its container, before ingestion.
// Samples are row-major with row 0 at the northern edge.
type Raster struct {
	Path string
	Rows int
	Cols int
	Data []float64

	// Origin is the source-coordinate position of the top-left corner.
	Origin [2]float64
	// PixelScale is the source-units-per-pixel step along x and y (both > 0).
	PixelScale [2]float64

	// Nodata is the container-declared nodata value, if any.
	Nodata    float64
	HasNodata bool
}

func (r *Raster) validate() error {
	if r.Rows <= 0 || r.Cols <= 0 {
		return fmt.Errorf("%s: empty raster %dx%d", r.Path, r.Cols, r.Rows)
	}
	if len(r.Data) != r.Rows*r.Cols {
		return fmt.Errorf("%s: sample count %d != %dx%d", r.Path, len(r.Data), r.Cols, r.Rows)
	}
	if r.PixelScale[0] <= 0 || r.PixelScale[1] <= 0 {
		return fmt.Errorf("%s: bad pixel scale %v", r.Path, r.PixelScale)
	}
	return nil
}

// Read dispatches on the file extension.
func Read(path string) (*Raster, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tif"), strings.HasSuffix(lower, ".tiff"):
		return ReadGeoTIFF(path)
	case strings.HasSuffix(lower, ".hgt"), strings.HasSuffix(lower, ".hgt.zip"):
		return ReadHGT(path)
	}
	return nil, fmt.Errorf("%s: unsupported tile format", path)
}

// Discover expands inputs into a de-duplicated list of tile paths.
// Files are taken as-is; directories are matched against pattern.
func Discover(inputs []string, pattern string) ([]string, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs configured", ErrNoInput)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	// Input order is merge order, so only the files found inside one
	// directory are sorted.
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, in := range inputs {
		fi, err := os.Stat(in)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrNoInput, in)
			}
			return nil, err
		}
		if !fi.IsDir() {
			add(in)
			continue
		}
		ents, err := os.ReadDir(in)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range ents {
			if e.IsDir() {
				continue
			}
			if ok, _ := filepath.Match(pattern, e.Name()); ok {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			add(filepath.Join(in, name))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: pattern %q in %s", ErrNoTiles, pattern, strings.Join(inputs, ", "))
	}
	return out, nil
}
