package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolve_FlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preprocess.yaml")
	yaml := "world_name: Tenerife\ninputs: [a, b]\nregion_size: 512\npreview: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var o options
	fs := newFlagSet(&o, io.Discard)
	args := []string{"-config", path, "-input", "x.tif,y.tif", "-input", "z", "-vertex_spacing", "4", "-preview=false"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := resolve(fs, &o)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if diff := cmp.Diff([]string{"x.tif", "y.tif", "z"}, cfg.Inputs); diff != "" {
		t.Fatalf("inputs mismatch (-want +got):\n%s", diff)
	}
	if cfg.WorldName != "Tenerife" || cfg.RegionSize != 512 {
		t.Fatalf("config values lost: %+v", cfg)
	}
	if cfg.VertexSpacing != 4 || cfg.Preview {
		t.Fatalf("flags not applied: spacing=%v preview=%v", cfg.VertexSpacing, cfg.Preview)
	}
}

func TestResolve_DefaultsWithoutFlags(t *testing.T) {
	var o options
	fs := newFlagSet(&o, io.Discard)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := resolve(fs, &o)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.RegionSize != 1024 || cfg.VertexSpacing != 2 || cfg.OutputDir != "lapalma_processed" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestResolve_RejectsBadValues(t *testing.T) {
	var o options
	fs := newFlagSet(&o, io.Discard)
	if err := fs.Parse([]string{"-region_size", "0"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := resolve(fs, &o); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestResolve_Thresholds(t *testing.T) {
	var o options
	fs := newFlagSet(&o, io.Discard)
	if err := fs.Parse([]string{"-nodata_threshold", "-500", "-sea_level_threshold", "0.5"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := resolve(fs, &o)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.NodataThreshold != -500 || cfg.SeaLevelThreshold != 0.5 {
		t.Fatalf("thresholds not applied: nodata=%v sea=%v", cfg.NodataThreshold, cfg.SeaLevelThreshold)
	}

	var o2 options
	fs = newFlagSet(&o2, io.Discard)
	if err := fs.Parse([]string{"-sea_level_threshold", "NaN"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := resolve(fs, &o2); err == nil {
		t.Fatalf("expected error for a NaN threshold")
	}
}

func TestSnapshotRegionSize(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want int
	}{
		{[]string{"-from_snapshot", "m.snap.zst"}, 0},
		{[]string{"-from_snapshot", "m.snap.zst", "-region_size", "256"}, 256},
	} {
		var o options
		fs := newFlagSet(&o, io.Discard)
		if err := fs.Parse(tc.args); err != nil {
			t.Fatalf("Parse: %v", err)
		}
		cfg, err := resolve(fs, &o)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got := snapshotRegionSize(fs, cfg); got != tc.want {
			t.Fatalf("%v: got %d want %d", tc.args, got, tc.want)
		}
	}
}
