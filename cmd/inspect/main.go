package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"terrainprep/internal/persistence/indexdb"
	persistlog "terrainprep/internal/persistence/log"
	"terrainprep/internal/persistence/manifest"
	"terrainprep/internal/persistence/regionfile"
	"terrainprep/internal/persistence/snapshot"
	"terrainprep/internal/terrain/region"
)

func main() {
	var (
		outDir    = flag.String("dir", "lapalma_processed", "preprocessor output directory")
		ext       = flag.String("region_ext", regionfile.DefaultExt, "region file extension")
		threshold = flag.Float64("sea_level_threshold", region.DefaultSeaLevelThreshold, "terrain threshold used by the run")
		snapPath  = flag.String("snapshot", "", "mosaic snapshot to describe (default: <dir>/mosaic.snap.zst if present)")
		events    = flag.Bool("events", false, "summarize events.jsonl.zst")
		indexPath = flag.String("index_db", "", "sqlite index to list recent runs from (optional)")
	)
	flag.Parse()

	if err := inspect(os.Stdout, *outDir, *ext, float32(*threshold), *snapPath, *events); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *indexPath != "" {
		if err := listRuns(os.Stdout, *indexPath); err != nil {
			fmt.Fprintln(os.Stderr, "index:", err)
			os.Exit(1)
		}
	}
}

func inspect(w io.Writer, outDir, ext string, threshold float32, snapPath string, events bool) error {
	m, err := manifest.Read(filepath.Join(outDir, manifest.FileName))
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := manifest.Validate(m); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	fmt.Fprintf(w, "world=%q spacing=%vm region=%d grid=%dx%d extent=%.0fx%.0fm heights=%.1f..%.1f regions=%d\n",
		m.WorldName, m.VertexSpacing, m.RegionSize, m.NumRegionsX, m.NumRegionsY,
		m.WorldWidthM, m.WorldHeightM, m.MinHeight, m.MaxHeight, len(m.Regions))
	if x, y, ok := m.Origin(); ok {
		fmt.Fprintf(w, "origin=(%v, %v) system=%s\n", x, y, m.CoordinateSystem)
	}

	regionsDir := filepath.Join(outDir, manifest.RegionsDir)
	if err := manifest.Verify(regionsDir, m, ext, threshold); err != nil {
		return fmt.Errorf("verify:\n%w", err)
	}
	size := int64(len(m.Regions)) * int64(m.RegionSize) * int64(m.RegionSize) * 4
	fmt.Fprintf(w, "verify ok: %d block files, %s\n", len(m.Regions), humanize.Bytes(uint64(size)))

	if snapPath == "" {
		p := filepath.Join(outDir, snapshot.FileName)
		if _, err := os.Stat(p); err == nil {
			snapPath = p
		}
	}
	if snapPath != "" {
		h, err := snapshot.ReadHeader(snapPath)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		fmt.Fprintf(w, "snapshot v%d world=%q grid=%dx%d region=%d known=%s\n",
			h.Version, h.WorldName, h.Width, h.Height, h.RegionSize, humanize.Comma(int64(h.Known)))
	}

	if events {
		evs, err := persistlog.ReadEvents(filepath.Join(outDir, persistlog.FileName))
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		counts := map[string]int{}
		var runID string
		for _, e := range evs {
			counts[e.Type]++
			runID = e.RunID
		}
		fmt.Fprintf(w, "events run=%s ingested=%d skipped=%d written=%d capacity_warnings=%d complete=%v\n",
			runID, counts[persistlog.TypeTileIngested], counts[persistlog.TypeTileSkipped],
			counts[persistlog.TypeRegionWritten], counts[persistlog.TypeCapacityWarning], counts[persistlog.TypeRunComplete] > 0)
	}
	return nil
}

func listRuns(w io.Writer, path string) error {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()
	runs, err := idx.Runs(context.Background(), 10)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(w, "run %s %s %s world=%q grid=%dx%d terrain=%d ocean=%d %s\n",
			r.RunID, r.StartedAt.Format("2006-01-02T15:04:05Z07:00"), r.Status, r.WorldName,
			r.RegionsX, r.RegionsY, r.Terrain, r.Ocean, humanize.Bytes(uint64(r.Bytes)))
	}
	return nil
}
