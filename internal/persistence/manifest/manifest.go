// Package manifest writes and checks metadata.json, the index the terrain
// importer uses to find region blocks.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"terrainprep/internal/geo"
	"terrainprep/internal/persistence/regionfile"
	"terrainprep/internal/terrain/mosaic"
	"terrainprep/internal/terrain/region"
)

const (
	FileName   = "metadata.json"
	RegionsDir = "regions"
)

//go:embed manifest.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("manifest.schema.json")
	})
	return schema, schemaErr
}

type Manifest struct {
	WorldName     string  `json:"world_name"`
	VertexSpacing float64 `json:"vertex_spacing"`
	RegionSize    int     `json:"region_size"`
	NumRegionsX   int     `json:"num_regions_x"`
	NumRegionsY   int     `json:"num_regions_y"`
	WorldWidthM   float64 `json:"world_width_m"`
	WorldHeightM  float64 `json:"world_height_m"`

	CoordinateSystem geo.System `json:"coordinate_system,omitempty"`
	OriginUTMX       *float64   `json:"origin_utm_x,omitempty"`
	OriginUTMY       *float64   `json:"origin_utm_y,omitempty"`
	OriginLon        *float64   `json:"origin_lon,omitempty"`
	OriginLat        *float64   `json:"origin_lat,omitempty"`

	MinHeight float64  `json:"min_height"`
	MaxHeight float64  `json:"max_height"`
	Regions   []Record `json:"regions"`
}

// Record is one written block. Heights are the block's own range.
type Record struct {
	X         int     `json:"x"`
	Y         int     `json:"y"`
	File      string  `json:"file"`
	MinHeight float64 `json:"min_height"`
	MaxHeight float64 `json:"max_height"`
}

// Origin returns the top-left corner in source coordinates.
func (m *Manifest) Origin() (x, y float64, ok bool) {
	switch {
	case m.OriginUTMX != nil && m.OriginUTMY != nil:
		return *m.OriginUTMX, *m.OriginUTMY, true
	case m.OriginLon != nil && m.OriginLat != nil:
		return *m.OriginLon, *m.OriginLat, true
	}
	return 0, 0, false
}

// Builder accumulates records while regions are written.
type Builder struct {
	m     Manifest
	seen  map[region.Coord]bool
	files map[string]bool
}

// NewBuilder fills the grid fields from the layout. Global heights come
// from the finalized mosaic.
func NewBuilder(worldName string, l mosaic.Layout, lo, hi float32) *Builder {
	w, h := l.WorldSize()
	m := Manifest{
		WorldName:        worldName,
		VertexSpacing:    l.VertexSpacing,
		RegionSize:       l.RegionSize,
		NumRegionsX:      l.RegionsX,
		NumRegionsY:      l.RegionsY,
		WorldWidthM:      w,
		WorldHeightM:     h,
		CoordinateSystem: l.Projection.System,
		MinHeight:        float64(lo),
		MaxHeight:        float64(hi),
		Regions:          []Record{},
	}
	ox, oy := l.Origin()
	if l.Projection.System == geo.Geographic {
		m.OriginLon, m.OriginLat = &ox, &oy
	} else {
		m.OriginUTMX, m.OriginUTMY = &ox, &oy
	}
	return &Builder{m: m, seen: map[region.Coord]bool{}, files: map[string]bool{}}
}

func (b *Builder) Add(r region.Region, file string) error {
	if b.seen[r.Coord] {
		return fmt.Errorf("duplicate region (%d,%d)", r.X, r.Y)
	}
	if b.files[file] {
		return fmt.Errorf("duplicate region file %s", file)
	}
	b.seen[r.Coord] = true
	b.files[file] = true
	b.m.Regions = append(b.m.Regions, Record{
		X:         r.X,
		Y:         r.Y,
		File:      file,
		MinHeight: float64(r.MinHeight),
		MaxHeight: float64(r.MaxHeight),
	})
	return nil
}

func (b *Builder) Len() int { return len(b.m.Regions) }

// Manifest returns a copy of the document built so far.
func (b *Builder) Manifest() Manifest {
	m := b.m
	m.Regions = append([]Record{}, b.m.Regions...)
	return m
}

// Validate checks m against the embedded schema and the uniqueness rules.
func Validate(m Manifest) error {
	s, err := compiled()
	if err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return err
	}

	seen := map[region.Coord]bool{}
	files := map[string]bool{}
	for _, r := range m.Regions {
		c := region.Coord{X: r.X, Y: r.Y}
		if seen[c] {
			return fmt.Errorf("duplicate region (%d,%d)", r.X, r.Y)
		}
		if files[r.File] {
			return fmt.Errorf("duplicate region file %s", r.File)
		}
		seen[c] = true
		files[r.File] = true
		if r.MinHeight > r.MaxHeight {
			return fmt.Errorf("region (%d,%d): min_height %v > max_height %v", r.X, r.Y, r.MinHeight, r.MaxHeight)
		}
	}
	if len(m.Regions) > m.NumRegionsX*m.NumRegionsY {
		return fmt.Errorf("%d regions listed for a %dx%d grid", len(m.Regions), m.NumRegionsX, m.NumRegionsY)
	}
	return nil
}

// Write validates m and stores it as dir/metadata.json.
func Write(dir string, m Manifest) (string, error) {
	if m.Regions == nil {
		m.Regions = []Record{}
	}
	if err := Validate(m); err != nil {
		return "", fmt.Errorf("invalid manifest: %w", err)
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	b = append(b, '\n')
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// Remove deletes dir/metadata.json if present, so a run that fails before
// writing its manifest does not leave a previous one describing blocks that
// are gone.
func Remove(dir string) error {
	err := os.Remove(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func Read(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Verify checks the blocks under regionsDir against m: every listed file
// exists with region_size^2 float32 samples and the recorded range, holds
// terrain above threshold, and no unlisted block file is present.
func Verify(regionsDir string, m Manifest, ext string, threshold float32) error {
	if m.RegionSize <= 0 {
		return fmt.Errorf("bad region size %d", m.RegionSize)
	}
	var errs []error
	listed := map[string]bool{}
	for _, r := range m.Regions {
		listed[r.File] = true
		block, err := regionfile.ReadBlock(filepath.Join(regionsDir, r.File), m.RegionSize)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lo, hi := block[0], block[0]
		for _, v := range block {
			lo, hi = min(lo, v), max(hi, v)
		}
		if float64(lo) != r.MinHeight || float64(hi) != r.MaxHeight {
			errs = append(errs, fmt.Errorf("%s: range %v..%v, manifest says %v..%v", r.File, lo, hi, r.MinHeight, r.MaxHeight))
		}
		if !region.IsTerrain(block, threshold) {
			errs = append(errs, fmt.Errorf("%s: no sample above %v", r.File, threshold))
		}
	}
	names, err := regionfile.List(regionsDir, ext)
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range names {
		if !listed[name] {
			errs = append(errs, fmt.Errorf("%s: not listed in manifest", name))
		}
	}
	return errors.Join(errs...)
}
