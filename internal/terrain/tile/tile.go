package tile

import (
	"fmt"
	"math"

	"terrainprep/internal/geo"
	"terrainprep/internal/terrain/source"
)

// DefaultNodataThreshold: samples at or below this are treated as no data.
const DefaultNodataThreshold = -1000.0

// Tile is one ingested source raster. Values and Valid are row-major and
// parallel; Valid[i] == false means "no data here", whatever Values[i] holds.
type Tile struct {
	Path string
	Rows int
	Cols int

	Values []float32
	Valid  []bool

	Origin     [2]float64 // top-left corner, source units
	PixelScale [2]float64 // source units per pixel, x and y
	Bounds     geo.Bounds

	NodataCount int
}

// Ingest normalizes a raster: samples that are NaN, infinite, at or below
// nodataThreshold, or equal to the declared nodata value become invalid.
func Ingest(r *source.Raster, nodataThreshold float64) (*Tile, error) {
	if r == nil {
		return nil, fmt.Errorf("nil raster")
	}
	if r.Rows <= 0 || r.Cols <= 0 || len(r.Data) != r.Rows*r.Cols {
		return nil, fmt.Errorf("%s: bad raster shape %dx%d (%d samples)", r.Path, r.Cols, r.Rows, len(r.Data))
	}
	if r.PixelScale[0] <= 0 || r.PixelScale[1] <= 0 {
		return nil, fmt.Errorf("%s: bad pixel scale %v", r.Path, r.PixelScale)
	}
	t := &Tile{
		Path:       r.Path,
		Rows:       r.Rows,
		Cols:       r.Cols,
		Values:     make([]float32, len(r.Data)),
		Valid:      make([]bool, len(r.Data)),
		Origin:     r.Origin,
		PixelScale: r.PixelScale,
	}
	t.Bounds = geo.Bounds{
		MinX: r.Origin[0],
		MaxX: r.Origin[0] + float64(r.Cols)*r.PixelScale[0],
		MaxY: r.Origin[1],
		MinY: r.Origin[1] - float64(r.Rows)*r.PixelScale[1],
	}
	for i, v := range r.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= nodataThreshold || (r.HasNodata && v == r.Nodata) {
			t.NodataCount++
			continue
		}
		t.Values[i] = float32(v)
		t.Valid[i] = true
	}
	return t, nil
}

func (t *Tile) At(row, col int) (float32, bool) {
	i := row*t.Cols + col
	return t.Values[i], t.Valid[i]
}

// Range returns the min/max of the valid samples; ok is false when the tile
// holds no data at all.
func (t *Tile) Range() (lo, hi float32, ok bool) {
	for i, v := range t.Values {
		if !t.Valid[i] {
			continue
		}
		if !ok {
			lo, hi, ok = v, v, true
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, ok
}
