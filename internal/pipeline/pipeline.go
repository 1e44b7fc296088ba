// Package pipeline runs one preprocessing pass: tiles in, region blocks and
// their manifest out.
package pipeline

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"terrainprep/internal/config"
	"terrainprep/internal/persistence/indexdb"
	persistlog "terrainprep/internal/persistence/log"
	"terrainprep/internal/persistence/manifest"
	"terrainprep/internal/persistence/regionfile"
	"terrainprep/internal/persistence/snapshot"
	"terrainprep/internal/preview"
	"terrainprep/internal/terrain/mosaic"
	"terrainprep/internal/terrain/region"
	"terrainprep/internal/terrain/source"
	"terrainprep/internal/terrain/tile"
)

var (
	ErrNoInput = source.ErrNoInput
	ErrNoTiles = source.ErrNoTiles
)

const rule = "============================================================"

type Result struct {
	RunID        string
	OutputDir    string
	ManifestPath string

	Layout       mosaic.Layout
	Tiles        int
	SkippedTiles int
	Terrain      int
	Ocean        int
	MinHeight    float32
	MaxHeight    float32
	Capacity     region.CapacityReport
	OutOfRange   int // kept regions outside the engine limit

	Files []string // region file names, write order
	Bytes int64

	SnapshotPath string
	Preview      preview.Files
}

// run carries the optional sinks of one pass.
type run struct {
	cfg    config.Config
	logger *log.Logger
	start  time.Time
	source string

	events *persistlog.EventLogger
	index  *indexdb.SQLiteIndex
	res    Result
}

func newRun(cfg config.Config, logger *log.Logger, src string) *run {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &run{
		cfg:    cfg,
		logger: logger,
		start:  time.Now(),
		source: src,
		res:    Result{RunID: indexdb.NewRunID(), OutputDir: cfg.OutputDir},
	}
}

// openSinks creates the output directory and the optional event log.
func (r *run) openSinks() error {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return err
	}
	if r.cfg.EventLog {
		r.events = persistlog.NewEventLogger(r.cfg.OutputDir, r.res.RunID)
	}
	return nil
}

func (r *run) emit(typ string, data any) {
	if err := r.events.Emit(typ, data); err != nil {
		r.logger.Printf("[WARNING] event log: %v", err)
		r.events = nil
	}
}

func (r *run) close(runErr error) error {
	var errs []error
	if r.index != nil {
		rec := r.runRecord()
		if runErr != nil {
			rec.Status = indexdb.StatusFailed
		}
		r.index.FinishRun(rec)
		errs = append(errs, r.index.Close())
	}
	errs = append(errs, r.events.Close())
	return errors.Join(errs...)
}

func (r *run) runRecord() indexdb.RunRecord {
	l := r.res.Layout
	return indexdb.RunRecord{
		RunID:         r.res.RunID,
		WorldName:     r.cfg.WorldName,
		OutputDir:     r.cfg.OutputDir,
		Source:        r.source,
		StartedAt:     r.start,
		VertexSpacing: l.VertexSpacing,
		RegionSize:    l.RegionSize,
		RegionsX:      l.RegionsX,
		RegionsY:      l.RegionsY,
		Tiles:         r.res.Tiles,
		SkippedTiles:  r.res.SkippedTiles,
		Terrain:       r.res.Terrain,
		Ocean:         r.res.Ocean,
		MinHeight:     float64(r.res.MinHeight),
		MaxHeight:     float64(r.res.MaxHeight),
		Bytes:         r.res.Bytes,
	}
}

// Run executes a full pass from source tiles. Missing inputs (ErrNoInput)
// and empty matches (ErrNoTiles) fail before anything is written.
func Run(cfg config.Config, logger *log.Logger) (res Result, err error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	paths, err := source.Discover(cfg.Inputs, cfg.Pattern)
	if err != nil {
		return Result{}, err
	}
	r := newRun(cfg, logger, "tiles")
	r.logger.Print(rule)
	r.logger.Printf("%s heightmap preprocessor", cfg.WorldName)
	r.logger.Print(rule)

	if err := r.openSinks(); err != nil {
		return r.res, err
	}
	defer func() {
		err = errors.Join(err, r.close(err))
		res = r.res
	}()

	tiles, err := r.ingest(paths)
	if err != nil {
		return r.res, err
	}
	l, err := mosaic.Plan(tiles, cfg.VertexSpacing, cfg.RegionSize, cfg.System(), cfg.ReferenceLatitude)
	if err != nil {
		return r.res, err
	}
	m, st := mosaic.Build(tiles, l)
	r.res.SkippedTiles = st.Skipped
	for i, p := range st.Placements {
		if p.Skipped {
			r.logger.Printf("  Skipped %s: resampled to %dx%d", p.Path, p.Width, p.Height)
			r.emit(persistlog.TypeTileSkipped, persistlog.TileData{
				Path: p.Path, Rows: tiles[i].Rows, Cols: tiles[i].Cols, Reason: "degenerate after resampling",
			})
			continue
		}
		r.emit(persistlog.TypeTileIngested, persistlog.TileData{
			Path:    p.Path,
			Rows:    tiles[i].Rows,
			Cols:    tiles[i].Cols,
			Nodata:  tiles[i].NodataCount,
			OffsetX: p.OffsetX,
			OffsetY: p.OffsetY,
			Written: p.Written,
		})
	}
	r.logger.Printf("\nMosaic: %d tiles placed, %s cells covered, %s filled with sea level",
		len(tiles)-st.Skipped, humanize.Comma(int64(st.Written)), humanize.Comma(int64(len(m.Values)-m.KnownCount())))

	if err := r.partition(m); err != nil {
		return r.res, err
	}
	if cfg.MosaicSnapshot {
		if err := r.writeSnapshot(m); err != nil {
			return r.res, err
		}
	}
	return r.res, r.finish(m)
}

// RunFromSnapshot re-partitions a stored mosaic with cfg's output settings.
// A regionSize of 0 keeps the size the snapshot was built with; cfg.RegionSize
// is not consulted. Source tiles are not read.
func RunFromSnapshot(cfg config.Config, path string, regionSize int, logger *log.Logger) (res Result, err error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if regionSize < 0 {
		return Result{}, fmt.Errorf("region size must be >= 0 (got %d)", regionSize)
	}
	snap, err := snapshot.Read(path)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot %s: %w", path, err)
	}
	m, err := snap.Mosaic(regionSize)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot %s: %w", path, err)
	}
	cfg.RegionSize = m.RegionSize
	r := newRun(cfg, logger, path)
	r.logger.Print(rule)
	r.logger.Printf("%s heightmap preprocessor (from snapshot)", cfg.WorldName)
	r.logger.Print(rule)
	r.logger.Printf("\nSnapshot: %s", path)
	r.logger.Printf("  Grid: %d x %d pixels, %s known cells", m.Width, m.Height, humanize.Comma(int64(snap.Header.Known)))
	if m.VertexSpacing != cfg.VertexSpacing {
		r.logger.Printf("  Using stored vertex spacing %vm (config says %vm)", m.VertexSpacing, cfg.VertexSpacing)
	}

	if err := r.openSinks(); err != nil {
		return r.res, err
	}
	defer func() {
		err = errors.Join(err, r.close(err))
		res = r.res
	}()
	if err := r.partition(m); err != nil {
		return r.res, err
	}
	return r.res, r.finish(m)
}

func (r *run) ingest(paths []string) ([]*tile.Tile, error) {
	tiles := make([]*tile.Tile, 0, len(paths))
	r.logger.Printf("\nInput: %d tile(s)", len(paths))
	for _, p := range paths {
		r.logger.Printf("Reading %s...", p)
		raster, err := source.Read(p)
		if err != nil {
			return nil, err
		}
		t, err := tile.Ingest(raster, r.cfg.NodataThreshold)
		if err != nil {
			return nil, err
		}
		r.logger.Printf("  Size: %d x %d pixels", t.Cols, t.Rows)
		r.logger.Printf("  Pixel size: %v x %v", t.PixelScale[0], t.PixelScale[1])
		if lo, hi, ok := t.Range(); ok {
			r.logger.Printf("  Height range: %.1fm to %.1fm", lo, hi)
		}
		if t.NodataCount > 0 {
			r.logger.Printf("  %s nodata pixels", humanize.Comma(int64(t.NodataCount)))
		}
		tiles = append(tiles, t)
	}
	r.res.Tiles = len(tiles)
	return tiles, nil
}

// partition writes every terrain block and the manifest.
func (r *run) partition(m *mosaic.Mosaic) error {
	cfg, l := r.cfg, m.Layout
	r.res.Layout = l
	r.res.MinHeight, r.res.MaxHeight = m.Stats()

	r.logger.Printf("\nTerrain configuration:")
	r.logger.Printf("  Region size: %d pixels (%vm)", l.RegionSize, float64(l.RegionSize)*l.VertexSpacing)
	r.logger.Printf("  Vertex spacing: %vm", l.VertexSpacing)
	r.logger.Printf("  Regions needed: %d x %d = %d", l.RegionsX, l.RegionsY, l.RegionsX*l.RegionsY)
	capRep := region.CheckCapacity(l.RegionsX, l.RegionsY, cfg.EngineCoordLimit)
	r.res.Capacity = capRep
	r.logger.Printf("  %s", capRep)
	if capRep.Exceeded {
		r.logger.Printf("[WARNING] Data exceeds the engine's region limits!")
		r.logger.Printf("  Try: -region_size %d or -vertex_spacing %v", l.RegionSize*2, l.VertexSpacing*2)
		r.emit(persistlog.TypeCapacityWarning, persistlog.CapacityData{
			RegionsX:   capRep.RegionsX,
			RegionsY:   capRep.RegionsY,
			MaxNeededX: capRep.MaxNeededX,
			MaxNeededY: capRep.MaxNeededY,
			Limit:      capRep.Limit,
		})
	}
	if l.Padded() {
		r.logger.Printf("\nPadding: %dx%d -> %dx%d", l.RawWidth, l.RawHeight, l.Width, l.Height)
	}

	if cfg.IndexDB != "" {
		idx, err := indexdb.OpenSQLite(cfg.IndexDB)
		if err != nil {
			return fmt.Errorf("index db: %w", err)
		}
		r.index = idx
		r.index.BeginRun(r.runRecord())
	}

	dir := filepath.Join(cfg.OutputDir, manifest.RegionsDir)
	if err := manifest.Remove(cfg.OutputDir); err != nil {
		return err
	}
	removed, err := regionfile.CleanStale(dir)
	if err != nil {
		return err
	}
	if removed > 0 {
		r.logger.Printf("Removed %d stale region file(s)", removed)
	}

	b := manifest.NewBuilder(cfg.WorldName, l, r.res.MinHeight, r.res.MaxHeight)
	r.logger.Printf("\nProcessing %d regions...", l.RegionsX*l.RegionsY)
	opts := region.Options{
		SeaLevelThreshold: float32(cfg.SeaLevelThreshold),
		Progress: func(row, rows int) {
			if row%5 == 0 {
				r.logger.Printf("  Row %d/%d processed", row, rows)
			}
		},
	}
	st, err := region.Partition(m, opts, func(rg region.Region) error {
		name, n, err := regionfile.Write(dir, rg, cfg.RegionExt)
		if err != nil {
			return err
		}
		if err := b.Add(rg, name); err != nil {
			return err
		}
		r.res.Files = append(r.res.Files, name)
		r.res.Bytes += n
		if !rg.InRange(cfg.EngineCoordLimit) {
			r.res.OutOfRange++
		}
		if r.events == nil && r.index == nil {
			return nil
		}
		sum := rg.Digest()
		digest := hex.EncodeToString(sum[:])
		r.emit(persistlog.TypeRegionWritten, persistlog.RegionData{
			X:         rg.X,
			Y:         rg.Y,
			File:      name,
			MinHeight: float64(rg.MinHeight),
			MaxHeight: float64(rg.MaxHeight),
			Digest:    digest,
		})
		if r.index != nil {
			r.index.RecordRegion(indexdb.RegionRecord{
				RunID:     r.res.RunID,
				X:         rg.X,
				Y:         rg.Y,
				RX:        rg.RX,
				RY:        rg.RY,
				File:      name,
				MinHeight: float64(rg.MinHeight),
				MaxHeight: float64(rg.MaxHeight),
				Digest:    digest,
				Bytes:     n,
			})
		}
		return nil
	})
	r.res.Terrain, r.res.Ocean = st.Terrain, st.Ocean
	if err != nil {
		return err
	}
	r.logger.Printf("\n  Terrain regions: %d", st.Terrain)
	r.logger.Printf("  Ocean regions (skipped): %d", st.Ocean)

	path, err := manifest.Write(cfg.OutputDir, b.Manifest())
	if err != nil {
		return err
	}
	r.res.ManifestPath = path
	return nil
}

func (r *run) writeSnapshot(m *mosaic.Mosaic) error {
	snap, err := snapshot.FromMosaic(r.cfg.WorldName, m)
	if err != nil {
		return err
	}
	path := filepath.Join(r.cfg.OutputDir, snapshot.FileName)
	if err := snapshot.Write(path, snap); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	r.res.SnapshotPath = path
	r.logger.Printf("Snapshot: %s", path)
	return nil
}

func (r *run) finish(m *mosaic.Mosaic) error {
	cfg := r.cfg
	if cfg.Preview {
		files, err := preview.Write(cfg.OutputDir, m, preview.Options{
			Title:         cfg.WorldName,
			LandThreshold: float32(cfg.SeaLevelThreshold),
		})
		if err != nil {
			return fmt.Errorf("preview: %w", err)
		}
		r.res.Preview = files
	}

	r.emit(persistlog.TypeRunComplete, persistlog.RunData{
		WorldName: cfg.WorldName,
		RegionsX:  r.res.Layout.RegionsX,
		RegionsY:  r.res.Layout.RegionsY,
		Terrain:   r.res.Terrain,
		Ocean:     r.res.Ocean,
		Skipped:   r.res.SkippedTiles,
		Bytes:     r.res.Bytes,
		Seconds:   time.Since(r.start).Seconds(),
	})

	l := r.res.Layout
	r.logger.Print("\n" + rule)
	r.logger.Print("Preprocessing complete")
	r.logger.Print(rule)
	r.logger.Printf("\nOutput: %s%c", cfg.OutputDir, filepath.Separator)
	r.logger.Printf("  %s", manifest.FileName)
	r.logger.Printf("  %s%c (%d files, %s)", manifest.RegionsDir, filepath.Separator, len(r.res.Files), humanize.Bytes(uint64(r.res.Bytes)))
	var extras []string
	if r.res.SnapshotPath != "" {
		extras = append(extras, snapshot.FileName)
	}
	if r.events != nil {
		extras = append(extras, persistlog.FileName)
	}
	if r.res.Preview.Heatmap != "" {
		extras = append(extras, preview.HeatmapFile)
	}
	if r.res.Preview.Histogram != "" {
		extras = append(extras, preview.HistogramFile)
	}
	if len(extras) > 0 {
		r.logger.Printf("  %s", strings.Join(extras, ", "))
	}
	r.logger.Printf("\nTerrain settings:")
	r.logger.Printf("  vertex_spacing = %v", l.VertexSpacing)
	r.logger.Printf("  region_size = %d", l.RegionSize)
	r.logger.Printf("  height_scale = 1.0 (values are in meters)")
	r.logger.Print(rule)
	return nil
}
