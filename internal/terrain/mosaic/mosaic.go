package mosaic

import (
	"fmt"
	"math"

	"terrainprep/internal/terrain/tile"
)

// SeaLevel replaces cells no tile reached.
const SeaLevel = 0.0

// Mosaic is the merged elevation surface. Known marks cells that some tile
// has written; it is kept after Finalize so real sea-level samples stay
// distinguishable from filled gaps.
type Mosaic struct {
	Layout

	Values []float32
	Known  []bool

	finalized bool
}

// Placement records how one tile landed on the grid.
type Placement struct {
	Path             string
	OffsetX, OffsetY int // destination top-left, output pixels
	Width, Height    int // resampled shape
	Written          int // cells this tile won
	Skipped          bool
}

type BuildStats struct {
	Placements []Placement
	Skipped    int
	Written    int
}

func New(l Layout) *Mosaic {
	n := l.Width * l.Height
	return &Mosaic{
		Layout: l,
		Values: make([]float32, n),
		Known:  make([]bool, n),
	}
}

// Build merges tiles in order (first writer wins) and finalizes the result.
func Build(tiles []*tile.Tile, l Layout) (*Mosaic, BuildStats) {
	m := New(l)
	var st BuildStats
	for _, t := range tiles {
		p := m.Merge(t)
		st.Placements = append(st.Placements, p)
		if p.Skipped {
			st.Skipped++
		}
		st.Written += p.Written
	}
	m.Finalize()
	return m, st
}

// Merge resamples t to the output spacing with nearest-neighbour lookup and
// writes it into cells no earlier tile has claimed. Invalid source samples
// leave cells unknown. Destination writes are clipped to the grid. A tile
// whose resampled shape collapses to zero is skipped.
func (m *Mosaic) Merge(t *tile.Tile) Placement {
	p := Placement{Path: t.Path}
	if m.finalized {
		p.Skipped = true
		return p
	}
	proj, sp := m.Projection, m.VertexSpacing

	ox, _ := proj.ToMetric(t.Bounds.MinX-m.Bounds.MinX, 0)
	_, oy := proj.ToMetric(0, m.Bounds.MaxY-t.Bounds.MaxY)
	p.OffsetX = floorPx(ox / sp)
	p.OffsetY = floorPx(oy / sp)

	srcX, _ := proj.ToMetric(t.PixelScale[0], 0)
	_, srcY := proj.ToMetric(0, t.PixelScale[1])
	p.Width = max(floorPx(float64(t.Cols)*srcX/sp), 0)
	p.Height = max(floorPx(float64(t.Rows)*srcY/sp), 0)
	if p.Width == 0 || p.Height == 0 {
		p.Skipped = true
		return p
	}

	cols := sourceIndex(p.Width, sp/srcX, t.Cols)
	rows := sourceIndex(p.Height, sp/srcY, t.Rows)

	for dy, sy := range rows {
		my := p.OffsetY + dy
		if my < 0 || my >= m.Height {
			continue
		}
		for dx, sx := range cols {
			mx := p.OffsetX + dx
			if mx < 0 || mx >= m.Width {
				continue
			}
			i := my*m.Width + mx
			if m.Known[i] {
				continue
			}
			v, ok := t.At(sy, sx)
			if !ok {
				continue
			}
			m.Values[i] = v
			m.Known[i] = true
			p.Written++
		}
	}
	return p
}

// sourceIndex maps n destination indices to floor(d*ratio), clamped to [0, limit).
func sourceIndex(n int, ratio float64, limit int) []int {
	idx := make([]int, n)
	for d := range idx {
		s := floorPx(float64(d) * ratio)
		if s < 0 {
			s = 0
		}
		if s >= limit {
			s = limit - 1
		}
		idx[d] = s
	}
	return idx
}

// Finalize fills every unknown cell with sea level. Further merges are ignored.
func (m *Mosaic) Finalize() {
	for i, k := range m.Known {
		if !k {
			m.Values[i] = SeaLevel
		}
	}
	m.finalized = true
}

func (m *Mosaic) Finalized() bool { return m.finalized }

func (m *Mosaic) At(x, y int) (float32, bool) {
	i := y*m.Width + x
	return m.Values[i], m.Known[i]
}

// KnownCount is the number of cells filled from tile data.
func (m *Mosaic) KnownCount() int {
	n := 0
	for _, k := range m.Known {
		if k {
			n++
		}
	}
	return n
}

// Stats returns the global min/max over the whole grid, padding included.
func (m *Mosaic) Stats() (lo, hi float32) {
	if len(m.Values) == 0 {
		return 0, 0
	}
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range m.Values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Block copies region (rx, ry) out of the grid, row-major, row 0 northmost.
func (m *Mosaic) Block(rx, ry int) ([]float32, error) {
	s := m.RegionSize
	if rx < 0 || ry < 0 || rx >= m.RegionsX || ry >= m.RegionsY {
		return nil, fmt.Errorf("region (%d,%d) outside %dx%d grid", rx, ry, m.RegionsX, m.RegionsY)
	}
	out := make([]float32, s*s)
	for y := 0; y < s; y++ {
		src := (ry*s+y)*m.Width + rx*s
		copy(out[y*s:(y+1)*s], m.Values[src:src+s])
	}
	return out, nil
}

// FromValues rebuilds a finalized mosaic from stored samples.
func FromValues(l Layout, values []float32, known []bool) (*Mosaic, error) {
	n := l.Width * l.Height
	if len(values) != n {
		return nil, fmt.Errorf("mosaic has %d samples, layout needs %d", len(values), n)
	}
	if known == nil {
		known = make([]bool, n)
	}
	if len(known) != n {
		return nil, fmt.Errorf("mosaic mask has %d cells, layout needs %d", len(known), n)
	}
	return &Mosaic{Layout: l, Values: values, Known: known, finalized: true}, nil
}
