// Package preview renders quick-look PNGs of a finalized mosaic: a
// down-sampled elevation heatmap and a histogram of land elevations.
package preview

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"terrainprep/internal/terrain/mosaic"
)

const (
	HeatmapFile   = "preview.png"
	HistogramFile = "histogram.png"

	// MaxSide bounds the heatmap grid per axis.
	MaxSide = 512
)

type Options struct {
	Title string
	// LandThreshold selects histogram samples; only values above it count.
	LandThreshold float32
	Bins          int
}

// Files lists what Write produced. Histogram is empty when the mosaic has
// no land.
type Files struct {
	Heatmap   string
	Histogram string
}

// grid adapts a mosaic to plotter.GridXYZ, sampling every step-th cell.
// Plot rows run south to north, mosaic rows north to south.
type grid struct {
	m          *mosaic.Mosaic
	step       int
	cols, rows int
}

func newGrid(m *mosaic.Mosaic) *grid {
	side := max(m.Width, m.Height)
	step := max((side+MaxSide-1)/MaxSide, 1)
	return &grid{
		m:    m,
		step: step,
		cols: (m.Width + step - 1) / step,
		rows: (m.Height + step - 1) / step,
	}
}

func (g *grid) Dims() (c, r int) { return g.cols, g.rows }

func (g *grid) Z(c, r int) float64 {
	x := c * g.step
	y := (g.rows - 1 - r) * g.step
	return float64(g.m.Values[y*g.m.Width+x])
}

func (g *grid) X(c int) float64 { return float64(c*g.step) * g.m.VertexSpacing }
func (g *grid) Y(r int) float64 { return float64(r*g.step) * g.m.VertexSpacing }

// landSamples collects the same cells the heatmap shows, above threshold.
func (g *grid) landSamples(threshold float32) plotter.Values {
	var out plotter.Values
	for r := 0; r < g.rows; r++ {
		for c := 0; c < g.cols; c++ {
			v := g.m.Values[r*g.step*g.m.Width+c*g.step]
			if v > threshold {
				out = append(out, float64(v))
			}
		}
	}
	return out
}

// Write renders both images into dir.
func Write(dir string, m *mosaic.Mosaic, opts Options) (Files, error) {
	var out Files
	if !m.Finalized() {
		return out, fmt.Errorf("mosaic is not finalized")
	}
	if opts.Bins <= 0 {
		opts.Bins = 50
	}
	g := newGrid(m)

	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = "East (m)"
	p.Y.Label.Text = "North (m)"
	hm := plotter.NewHeatMap(g, palette.Heat(64, 1))
	if hm.Min == hm.Max {
		hm.Max = hm.Min + 1
	}
	p.Add(hm)

	w := 8 * vg.Inch
	h := vg.Length(float64(w) * float64(m.Height) / float64(m.Width))
	h = max(min(h, 16*vg.Inch), 2*vg.Inch)
	out.Heatmap = filepath.Join(dir, HeatmapFile)
	if err := p.Save(w, h, out.Heatmap); err != nil {
		return out, fmt.Errorf("heatmap: %w", err)
	}

	land := g.landSamples(opts.LandThreshold)
	if len(land) == 0 {
		return out, nil
	}
	lo, hi := floats.Min(land), floats.Max(land)
	ph := plot.New()
	ph.Title.Text = fmt.Sprintf("%s land elevation (%.1f .. %.1f m)", opts.Title, lo, hi)
	ph.X.Label.Text = "Elevation (m)"
	ph.Y.Label.Text = "Samples"
	bins := opts.Bins
	if lo == hi {
		bins = 1
	}
	hist, err := plotter.NewHist(land, bins)
	if err != nil {
		return out, fmt.Errorf("histogram: %w", err)
	}
	ph.Add(hist)
	out.Histogram = filepath.Join(dir, HistogramFile)
	if err := ph.Save(8*vg.Inch, 4*vg.Inch, out.Histogram); err != nil {
		return out, fmt.Errorf("histogram: %w", err)
	}
	return out, nil
}
