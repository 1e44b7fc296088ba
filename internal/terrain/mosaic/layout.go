package mosaic

import (
	"fmt"
	"math"

	"terrainprep/internal/geo"
	"terrainprep/internal/terrain/tile"
)

// eps absorbs float noise when converting extents to pixel counts, so an
// exact multiple of the spacing neither gains nor loses a pixel.
const eps = 1e-6

func ceilPx(v float64) int  { return int(math.Ceil(v - eps)) }
func floorPx(v float64) int { return int(math.Floor(v + eps)) }

// Layout fixes the output grid for one run.
type Layout struct {
	Bounds     geo.Bounds // union of tile bounds, source units
	Projection geo.Projection

	VertexSpacing float64 // meters per output pixel
	RegionSize    int     // pixels per region edge

	RawWidth, RawHeight int // pixels needed to cover Bounds
	Width, Height       int // padded to whole regions
	RegionsX, RegionsY  int
}

// Plan computes the global bounds of tiles and the padded output grid.
// refLat of zero selects the bounds' mid-latitude for geographic sources.
func Plan(tiles []*tile.Tile, spacing float64, regionSize int, sys geo.System, refLat float64) (Layout, error) {
	if len(tiles) == 0 {
		return Layout{}, fmt.Errorf("no tiles")
	}
	b := geo.EmptyBounds()
	for _, t := range tiles {
		b = b.Union(t.Bounds)
	}
	return PlanBounds(b, spacing, regionSize, geo.NewProjection(sys, refLat, b))
}

// PlanBounds sizes the grid for known bounds and projection.
func PlanBounds(b geo.Bounds, spacing float64, regionSize int, proj geo.Projection) (Layout, error) {
	if spacing <= 0 {
		return Layout{}, fmt.Errorf("vertex spacing must be > 0 (got %v)", spacing)
	}
	if regionSize <= 0 {
		return Layout{}, fmt.Errorf("region size must be > 0 (got %d)", regionSize)
	}
	if b.Empty() {
		return Layout{}, fmt.Errorf("empty bounds")
	}
	widthM, _ := proj.ToMetric(b.Width(), 0)
	_, heightM := proj.ToMetric(0, b.Height())

	l := Layout{
		Bounds:        b,
		Projection:    proj,
		VertexSpacing: spacing,
		RegionSize:    regionSize,
		RawWidth:      max(ceilPx(widthM/spacing), 0),
		RawHeight:     max(ceilPx(heightM/spacing), 0),
	}
	l.RegionsX = max((l.RawWidth+regionSize-1)/regionSize, 1)
	l.RegionsY = max((l.RawHeight+regionSize-1)/regionSize, 1)
	l.Width = l.RegionsX * regionSize
	l.Height = l.RegionsY * regionSize
	return l, nil
}

// Origin is the source-coordinate position of the grid's top-left corner.
func (l Layout) Origin() (x, y float64) {
	return l.Bounds.MinX, l.Bounds.MaxY
}

// WorldSize is the padded grid extent in meters.
func (l Layout) WorldSize() (w, h float64) {
	return float64(l.Width) * l.VertexSpacing, float64(l.Height) * l.VertexSpacing
}

// Padded reports whether the grid was grown to reach whole regions.
func (l Layout) Padded() bool {
	return l.Width != l.RawWidth || l.Height != l.RawHeight
}
