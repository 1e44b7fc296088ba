package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"terrainprep/internal/geo"
	"terrainprep/internal/terrain/mosaic"
)

func testMosaic(t *testing.T) *mosaic.Mosaic {
	t.Helper()
	l := mosaic.Layout{
		Bounds:        geo.Bounds{MinX: 100, MinY: 200, MaxX: 108, MaxY: 204},
		Projection:    geo.Projection{System: geo.Metric},
		VertexSpacing: 2,
		RegionSize:    2,
		RawWidth:      4,
		RawHeight:     2,
		Width:         4,
		Height:        2,
		RegionsX:      2,
		RegionsY:      1,
	}
	vals := []float32{1, 2, 3, 4, 5, 6, 7, 0}
	known := []bool{true, true, true, true, true, true, true, false}
	m, err := mosaic.FromValues(l, vals, known)
	if err != nil {
		t.Fatalf("FromValues: %v", err)
	}
	return m
}

func TestWriteRead_RoundTrip(t *testing.T) {
	m := testMosaic(t)
	snap, err := FromMosaic("w", m)
	if err != nil {
		t.Fatalf("FromMosaic: %v", err)
	}
	path := filepath.Join(t.TempDir(), "nested", FileName)
	if err := Write(path, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if diff := cmp.Diff(snap.Header, h); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	if h.Known != 7 {
		t.Fatalf("known cells: got %d want 7", h.Known)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	back, err := got.Mosaic(0)
	if err != nil {
		t.Fatalf("Mosaic: %v", err)
	}
	if diff := cmp.Diff(m.Values, back.Values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Known, back.Known); diff != "" {
		t.Fatalf("mask mismatch (-want +got):\n%s", diff)
	}
	if back.Layout != m.Layout {
		t.Fatalf("layout mismatch: got %+v want %+v", back.Layout, m.Layout)
	}
	if !back.Finalized() {
		t.Fatalf("restored mosaic should be finalized")
	}
}

func TestMosaic_RegionSizeOverride(t *testing.T) {
	snap, err := FromMosaic("w", testMosaic(t))
	if err != nil {
		t.Fatalf("FromMosaic: %v", err)
	}
	m, err := snap.Mosaic(1)
	if err != nil {
		t.Fatalf("Mosaic(1): %v", err)
	}
	if m.RegionsX != 4 || m.RegionsY != 2 {
		t.Fatalf("regions: got %dx%d want 4x2", m.RegionsX, m.RegionsY)
	}
	if _, err := snap.Mosaic(3); err == nil {
		t.Fatalf("expected error for a size that does not divide the grid")
	}
}

func TestFromMosaic_RequiresFinalized(t *testing.T) {
	m := mosaic.New(testMosaic(t).Layout)
	if _, err := FromMosaic("w", m); err == nil {
		t.Fatalf("expected error for an open mosaic")
	}
}

func TestRead_Missing(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), FileName)); err == nil {
		t.Fatalf("expected error")
	}
}
