package config

import (
	"os"
	"path/filepath"
	"testing"

	"terrainprep/internal/geo"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VertexSpacing != 2.0 || cfg.RegionSize != 1024 || cfg.RegionExt != "raw" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.System() != geo.Metric {
		t.Fatalf("system=%q want metric", cfg.System())
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terrain.yaml")
	body := `
world_name: " Tenerife "
inputs: ["tiles/a", "", "tiles/b"]
pattern: "*.hgt"
vertex_spacing: 4
region_size: 256
coordinate_system: WGS84
region_ext: ".r32"
preview: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorldName != "Tenerife" {
		t.Fatalf("world_name=%q", cfg.WorldName)
	}
	if len(cfg.Inputs) != 2 || cfg.Inputs[1] != "tiles/b" {
		t.Fatalf("inputs=%v", cfg.Inputs)
	}
	if cfg.VertexSpacing != 4 || cfg.RegionSize != 256 {
		t.Fatalf("spacing=%v size=%d", cfg.VertexSpacing, cfg.RegionSize)
	}
	if cfg.System() != geo.Geographic || cfg.CoordinateSystem != "geographic" {
		t.Fatalf("system=%q", cfg.CoordinateSystem)
	}
	if cfg.RegionExt != "r32" {
		t.Fatalf("region_ext=%q", cfg.RegionExt)
	}
	// Untouched keys keep their defaults.
	if cfg.SeaLevelThreshold != 1.0 || cfg.EngineCoordLimit != 16 || !cfg.EventLog {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"spacing": "vertex_spacing: 0\n",
		"size":    "region_size: -4\n",
		"system":  "coordinate_system: mercator\n",
		"limit":   "engine_coord_limit: 0\n",
		"ext":     "region_ext: a/b\n",
		"ext_sep": "region_ext: f32_le\n",
		"ext_dot": "region_ext: le.raw\n",
		"nodata":  "nodata_threshold: .nan\n",
		"sea":     "sea_level_threshold: .inf\n",
		"yaml":    "region_size: [\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
