package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"terrainprep/internal/geo"
	"terrainprep/internal/persistence/regionfile"
)

type Config struct {
	WorldName string   `yaml:"world_name"`
	Inputs    []string `yaml:"inputs"`
	Pattern   string   `yaml:"pattern"`
	OutputDir string   `yaml:"output_dir"`

	VertexSpacing float64 `yaml:"vertex_spacing"`
	RegionSize    int     `yaml:"region_size"`

	CoordinateSystem  string  `yaml:"coordinate_system"`
	ReferenceLatitude float64 `yaml:"reference_latitude"`

	NodataThreshold   float64 `yaml:"nodata_threshold"`
	SeaLevelThreshold float64 `yaml:"sea_level_threshold"`
	EngineCoordLimit  int     `yaml:"engine_coord_limit"`
	RegionExt         string  `yaml:"region_ext"`

	EventLog       bool   `yaml:"event_log"`
	Preview        bool   `yaml:"preview"`
	MosaicSnapshot bool   `yaml:"mosaic_snapshot"`
	IndexDB        string `yaml:"index_db"`
}

// Defaults match the La Palma MDT02 preprocessing setup: 2 m native spacing,
// 1024 px regions (the largest the terrain engine accepts).
func Defaults() Config {
	return Config{
		WorldName:         "La Palma",
		Inputs:            []string{"lapalma_map"},
		Pattern:           "*.tif",
		OutputDir:         "lapalma_processed",
		VertexSpacing:     2.0,
		RegionSize:        1024,
		CoordinateSystem:  string(geo.Metric),
		NodataThreshold:   -1000,
		SeaLevelThreshold: 1.0,
		EngineCoordLimit:  16,
		RegionExt:         "raw",
		EventLog:          true,
	}
}

// Load reads path over Defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.WorldName = strings.TrimSpace(c.WorldName)
	c.Pattern = strings.TrimSpace(c.Pattern)
	c.OutputDir = strings.TrimSpace(c.OutputDir)
	c.RegionExt = strings.TrimPrefix(strings.TrimSpace(c.RegionExt), ".")
	if c.RegionExt == "" {
		c.RegionExt = "raw"
	}
	inputs := c.Inputs[:0]
	for _, in := range c.Inputs {
		if in = strings.TrimSpace(in); in != "" {
			inputs = append(inputs, in)
		}
	}
	c.Inputs = inputs
	if sys, err := geo.ParseSystem(c.CoordinateSystem); err == nil {
		c.CoordinateSystem = string(sys)
	}
}

func (c Config) Validate() error {
	if c.VertexSpacing <= 0 {
		return fmt.Errorf("vertex_spacing must be > 0 (got %v)", c.VertexSpacing)
	}
	if c.RegionSize <= 0 {
		return fmt.Errorf("region_size must be > 0 (got %d)", c.RegionSize)
	}
	if _, err := geo.ParseSystem(c.CoordinateSystem); err != nil {
		return err
	}
	if c.ReferenceLatitude < -90 || c.ReferenceLatitude > 90 {
		return fmt.Errorf("reference_latitude out of range: %v", c.ReferenceLatitude)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is empty")
	}
	if c.Pattern == "" {
		return fmt.Errorf("pattern is empty")
	}
	if c.EngineCoordLimit <= 0 {
		return fmt.Errorf("engine_coord_limit must be > 0 (got %d)", c.EngineCoordLimit)
	}
	if !regionfile.ValidExt(c.RegionExt) {
		return fmt.Errorf("region_ext must be letters and digits only: %q", c.RegionExt)
	}
	if math.IsNaN(c.NodataThreshold) || math.IsInf(c.NodataThreshold, 0) {
		return fmt.Errorf("nodata_threshold must be finite (got %v)", c.NodataThreshold)
	}
	if math.IsNaN(c.SeaLevelThreshold) || math.IsInf(c.SeaLevelThreshold, 0) {
		return fmt.Errorf("sea_level_threshold must be finite (got %v)", c.SeaLevelThreshold)
	}
	return nil
}

// System returns the parsed coordinate system. Call after Validate.
func (c Config) System() geo.System {
	sys, _ := geo.ParseSystem(c.CoordinateSystem)
	return sys
}
