package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"terrainprep/internal/config"
	"terrainprep/internal/pipeline"
)

// inputList collects -input values; each may hold a comma-separated list.
type inputList []string

func (l *inputList) String() string { return strings.Join(*l, ",") }

func (l *inputList) Set(v string) error {
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*l = append(*l, p)
		}
	}
	return nil
}

type options struct {
	configPath   string
	fromSnapshot string

	inputs        inputList
	worldName     string
	pattern       string
	outputDir     string
	vertexSpacing float64
	regionSize    int
	coordSystem   string
	refLat        float64
	coordLimit    int
	nodata        float64
	seaLevel      float64
	regionExt     string
	eventLog      bool
	preview       bool
	snapshot      bool
	indexDB       string
}

func newFlagSet(o *options, out io.Writer) *flag.FlagSet {
	d := config.Defaults()
	fs := flag.NewFlagSet("preprocess", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&o.configPath, "config", "", "path to a YAML config (flags override it)")
	fs.StringVar(&o.fromSnapshot, "from_snapshot", "", "re-partition a stored mosaic snapshot instead of reading tiles (keeps its region size unless -region_size is given)")
	fs.Var(&o.inputs, "input", "input tile file or directory (repeatable, comma-separated)")
	fs.StringVar(&o.worldName, "world_name", d.WorldName, "world name written to the manifest")
	fs.StringVar(&o.pattern, "pattern", d.Pattern, "tile filename pattern inside input directories")
	fs.StringVar(&o.outputDir, "output_dir", d.OutputDir, "output directory")
	fs.Float64Var(&o.vertexSpacing, "vertex_spacing", d.VertexSpacing, "output meters per vertex")
	fs.IntVar(&o.regionSize, "region_size", d.RegionSize, "region edge in vertices")
	fs.StringVar(&o.coordSystem, "coordinate_system", d.CoordinateSystem, "source coordinates: metric or geographic")
	fs.Float64Var(&o.refLat, "reference_latitude", d.ReferenceLatitude, "latitude for degree to meter conversion (0 = bounds midpoint)")
	fs.IntVar(&o.coordLimit, "engine_coord_limit", d.EngineCoordLimit, "engine region coordinate limit per axis")
	fs.Float64Var(&o.nodata, "nodata_threshold", d.NodataThreshold, "source samples at or below this are nodata")
	fs.Float64Var(&o.seaLevel, "sea_level_threshold", d.SeaLevelThreshold, "regions with no sample above this are skipped as ocean")
	fs.StringVar(&o.regionExt, "region_ext", d.RegionExt, "region file extension (letters and digits)")
	fs.BoolVar(&o.eventLog, "event_log", d.EventLog, "write events.jsonl.zst")
	fs.BoolVar(&o.preview, "preview", d.Preview, "write preview.png and histogram.png")
	fs.BoolVar(&o.snapshot, "mosaic_snapshot", d.MosaicSnapshot, "write mosaic.snap.zst for later re-partitioning")
	fs.StringVar(&o.indexDB, "index_db", d.IndexDB, "sqlite index path (empty to disable)")
	return fs
}

// resolve loads the config file and applies the flags that were set.
func resolve(fs *flag.FlagSet, o *options) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Inputs = append([]string(nil), o.inputs...)
		case "world_name":
			cfg.WorldName = o.worldName
		case "pattern":
			cfg.Pattern = o.pattern
		case "output_dir":
			cfg.OutputDir = o.outputDir
		case "vertex_spacing":
			cfg.VertexSpacing = o.vertexSpacing
		case "region_size":
			cfg.RegionSize = o.regionSize
		case "coordinate_system":
			cfg.CoordinateSystem = o.coordSystem
		case "reference_latitude":
			cfg.ReferenceLatitude = o.refLat
		case "engine_coord_limit":
			cfg.EngineCoordLimit = o.coordLimit
		case "nodata_threshold":
			cfg.NodataThreshold = o.nodata
		case "sea_level_threshold":
			cfg.SeaLevelThreshold = o.seaLevel
		case "region_ext":
			cfg.RegionExt = o.regionExt
		case "event_log":
			cfg.EventLog = o.eventLog
		case "preview":
			cfg.Preview = o.preview
		case "mosaic_snapshot":
			cfg.MosaicSnapshot = o.snapshot
		case "index_db":
			cfg.IndexDB = o.indexDB
		}
	})
	cfg.Normalize()
	return cfg, cfg.Validate()
}

// snapshotRegionSize is the region size for -from_snapshot: the -region_size
// flag when given, otherwise 0 so the stored size is kept.
func snapshotRegionSize(fs *flag.FlagSet, cfg config.Config) int {
	size := 0
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "region_size" {
			size = cfg.RegionSize
		}
	})
	return size
}

func main() {
	var o options
	fs := newFlagSet(&o, os.Stderr)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "unexpected arguments:", strings.Join(fs.Args(), " "))
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "[preprocess] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := resolve(fs, &o)
	if err != nil {
		logger.Printf("config: %v", err)
		os.Exit(1)
	}

	var res pipeline.Result
	if o.fromSnapshot != "" {
		res, err = pipeline.RunFromSnapshot(cfg, o.fromSnapshot, snapshotRegionSize(fs, cfg), logger)
	} else {
		res, err = pipeline.Run(cfg, logger)
	}
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNoInput):
			logger.Printf("Error: %v", err)
			logger.Printf("Expected elevation tiles (%s) in: %s", cfg.Pattern, strings.Join(cfg.Inputs, ", "))
		case errors.Is(err, pipeline.ErrNoTiles):
			logger.Printf("Error: %v", err)
		default:
			logger.Printf("preprocess failed: %v", err)
		}
		os.Exit(1)
	}
	if res.OutOfRange > 0 {
		logger.Printf("[WARNING] %d region(s) written outside the engine's coordinate range", res.OutOfRange)
	}
}
