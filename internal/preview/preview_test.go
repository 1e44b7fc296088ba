package preview

import (
	"bytes"
	"os"
	"testing"

	"terrainprep/internal/geo"
	"terrainprep/internal/terrain/mosaic"
)

func testMosaic(t *testing.T, w, h int, f func(x, y int) float32) *mosaic.Mosaic {
	t.Helper()
	l := mosaic.Layout{
		Bounds:        geo.Bounds{MinX: 0, MinY: 0, MaxX: float64(w) * 2, MaxY: float64(h) * 2},
		Projection:    geo.Projection{System: geo.Metric},
		VertexSpacing: 2,
		RegionSize:    w,
		RawWidth:      w,
		RawHeight:     h,
		Width:         w,
		Height:        h,
		RegionsX:      1,
		RegionsY:      1,
	}
	vals := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			vals[y*w+x] = f(x, y)
		}
	}
	m, err := mosaic.FromValues(l, vals, nil)
	if err != nil {
		t.Fatalf("FromValues: %v", err)
	}
	return m
}

func isPNG(t *testing.T, path string) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatalf("%s is not a png", path)
	}
}

func TestGrid_DownsamplesAndFlips(t *testing.T) {
	m := testMosaic(t, 1030, 4, func(x, y int) float32 { return float32(y*10000 + x) })
	g := newGrid(m)
	if g.step != 3 {
		t.Fatalf("step=%d want=3", g.step)
	}
	c, r := g.Dims()
	if c != 344 || r != 2 {
		t.Fatalf("dims=%dx%d want=344x2", c, r)
	}
	// plot row 0 is the southern sample row (mosaic row 3)
	if z := g.Z(1, 0); z != 30003 {
		t.Fatalf("Z(1,0)=%v want=30003", z)
	}
	if z := g.Z(0, 1); z != 0 {
		t.Fatalf("Z(0,1)=%v want=0", z)
	}
	if x := g.X(2); x != 12 {
		t.Fatalf("X(2)=%v want=12", x)
	}
}

func TestWrite(t *testing.T) {
	m := testMosaic(t, 32, 16, func(x, y int) float32 {
		if x < 8 {
			return 0
		}
		return float32(x * y)
	})
	dir := t.TempDir()
	files, err := Write(dir, m, Options{Title: "test", LandThreshold: 1})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	isPNG(t, files.Heatmap)
	if files.Histogram == "" {
		t.Fatalf("expected a histogram")
	}
	isPNG(t, files.Histogram)
}

func TestWrite_AllSea(t *testing.T) {
	m := testMosaic(t, 8, 8, func(x, y int) float32 { return 0 })
	files, err := Write(t.TempDir(), m, Options{LandThreshold: 1})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	isPNG(t, files.Heatmap)
	if files.Histogram != "" {
		t.Fatalf("unexpected histogram %s", files.Histogram)
	}
}
