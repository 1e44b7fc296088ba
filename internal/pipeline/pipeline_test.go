package pipeline

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"terrainprep/internal/config"
	"terrainprep/internal/persistence/indexdb"
	persistlog "terrainprep/internal/persistence/log"
	"terrainprep/internal/persistence/manifest"
	"terrainprep/internal/persistence/regionfile"
	"terrainprep/internal/terrain/region"
	"terrainprep/internal/terrain/terraintest"
)

func testConfig(t *testing.T, inputs ...string) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.WorldName = "Test"
	cfg.Inputs = inputs
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.RegionSize = 4
	cfg.EventLog = false
	return cfg
}

func readManifest(t *testing.T, res Result) manifest.Manifest {
	t.Helper()
	m, err := manifest.Read(res.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	return m
}

func regionFiles(t *testing.T, outDir string) []string {
	t.Helper()
	names, err := regionfile.List(filepath.Join(outDir, manifest.RegionsDir), "raw")
	if err != nil {
		t.Fatalf("list regions: %v", err)
	}
	return names
}

func TestRun_SingleFlatTile(t *testing.T) {
	in := t.TempDir()
	terraintest.WriteGeoTIFF(t, in, "a.tif", terraintest.Flat(4, 4, 220000, 3170008, 2, 50))
	cfg := testConfig(t, in)

	res, err := Run(cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Terrain != 1 || res.Ocean != 0 {
		t.Fatalf("terrain=%d ocean=%d want 1/0", res.Terrain, res.Ocean)
	}
	m := readManifest(t, res)
	want := []manifest.Record{{X: 0, Y: -1, File: "region_0_-1.raw", MinHeight: 50, MaxHeight: 50}}
	if diff := cmp.Diff(want, m.Regions); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}
	if m.MinHeight != 50 || m.MaxHeight != 50 || m.NumRegionsX != 1 || m.NumRegionsY != 1 {
		t.Fatalf("manifest header mismatch: %+v", m)
	}
	if x, y, ok := m.Origin(); !ok || x != 220000 || y != 3170008 {
		t.Fatalf("origin=(%v,%v,%v)", x, y, ok)
	}
	block, err := regionfile.ReadBlock(filepath.Join(cfg.OutputDir, manifest.RegionsDir, "region_0_-1.raw"), 4)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, v := range block {
		if v != 50 {
			t.Fatalf("block[%d]=%v want 50", i, v)
		}
	}
}

func TestRun_AllSeaLevelKeepsNothing(t *testing.T) {
	in := t.TempDir()
	tl := terraintest.Flat(4, 4, 0, 8, 2, 0)
	for _, i := range []int{5, 6, 9, 10} {
		tl.Values[i] = 1.0
	}
	terraintest.WriteGeoTIFF(t, in, "a.tif", tl)
	cfg := testConfig(t, in)

	res, err := Run(cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Terrain != 0 || res.Ocean != 1 {
		t.Fatalf("terrain=%d ocean=%d want 0/1", res.Terrain, res.Ocean)
	}
	if names := regionFiles(t, cfg.OutputDir); len(names) != 0 {
		t.Fatalf("unexpected region files %v", names)
	}
	raw, err := os.ReadFile(res.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"regions": []`)) {
		t.Fatalf("manifest should hold an empty regions array:\n%s", raw)
	}
}

func TestRun_OverlapFirstWriterWins(t *testing.T) {
	in := t.TempDir()
	first := terraintest.WriteGeoTIFF(t, in, "first.tif", terraintest.Flat(2, 2, 0, 4, 2, 10))
	second := terraintest.WriteGeoTIFF(t, in, "second.tif", terraintest.Flat(2, 2, 0, 4, 2, 99))

	for _, tc := range []struct {
		inputs []string
		want   float32
	}{
		{[]string{first, second}, 10},
		{[]string{second, first}, 99},
	} {
		cfg := testConfig(t, tc.inputs...)
		cfg.RegionSize = 2
		res, err := Run(cfg, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		block, err := regionfile.ReadBlock(filepath.Join(cfg.OutputDir, manifest.RegionsDir, res.Files[0]), 2)
		if err != nil {
			t.Fatalf("ReadBlock: %v", err)
		}
		if diff := cmp.Diff([]float32{tc.want, tc.want, tc.want, tc.want}, block); diff != "" {
			t.Fatalf("block mismatch (-want +got):\n%s", diff)
		}
	}
}

func twoTileInputs(t *testing.T) string {
	t.Helper()
	in := t.TempDir()
	a := terraintest.Flat(6, 4, 0, 40, 2, 0)
	for i := range a.Values {
		a.Values[i] = float32(10 + i%6)
	}
	terraintest.WriteGeoTIFF(t, in, "a.tif", a)
	terraintest.WriteGeoTIFF(t, in, "b.tif", terraintest.Flat(6, 4, 12, 40, 2, 100))
	return in
}

func TestRun_OutputProperties(t *testing.T) {
	in := twoTileInputs(t)
	cfg := testConfig(t, in)
	cfg.EventLog = true
	cfg.MosaicSnapshot = true
	cfg.Preview = true
	cfg.IndexDB = filepath.Join(t.TempDir(), "index.db")

	var buf bytes.Buffer
	res, err := Run(cfg, log.New(&buf, "", 0))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	l := res.Layout
	if l.Width%l.RegionSize != 0 || l.Height%l.RegionSize != 0 {
		t.Fatalf("grid %dx%d is not a multiple of %d", l.Width, l.Height, l.RegionSize)
	}
	if l.RegionsX != 3 || l.RegionsY != 1 {
		t.Fatalf("regions %dx%d want 3x1", l.RegionsX, l.RegionsY)
	}
	wantFiles := []string{"region_-1_-1.raw", "region_0_-1.raw", "region_1_-1.raw"}
	if diff := cmp.Diff(wantFiles, res.Files); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	m := readManifest(t, res)
	if len(m.Regions) != len(regionFiles(t, cfg.OutputDir)) {
		t.Fatalf("manifest lists %d regions, %d files on disk", len(m.Regions), len(regionFiles(t, cfg.OutputDir)))
	}
	regionsDir := filepath.Join(cfg.OutputDir, manifest.RegionsDir)
	if err := manifest.Verify(regionsDir, m, "raw", region.DefaultSeaLevelThreshold); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if m.MinHeight != 10 || m.MaxHeight != 100 {
		t.Fatalf("global range %v..%v want 10..100", m.MinHeight, m.MaxHeight)
	}
	if m.WorldWidthM != 24 || m.WorldHeightM != 8 {
		t.Fatalf("world size %vx%v want 24x8", m.WorldWidthM, m.WorldHeightM)
	}

	evs, err := persistlog.ReadEvents(filepath.Join(cfg.OutputDir, persistlog.FileName))
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	counts := map[string]int{}
	for _, e := range evs {
		counts[e.Type]++
		if e.RunID != res.RunID {
			t.Fatalf("event run id %q want %q", e.RunID, res.RunID)
		}
	}
	if counts[persistlog.TypeTileIngested] != 2 || counts[persistlog.TypeRegionWritten] != 3 || counts[persistlog.TypeRunComplete] != 1 {
		t.Fatalf("event counts %v", counts)
	}

	for _, p := range []string{res.SnapshotPath, res.Preview.Heatmap, res.Preview.Histogram} {
		if fi, err := os.Stat(p); err != nil || fi.Size() == 0 {
			t.Fatalf("missing output %q: %v", p, err)
		}
	}

	idx, err := indexdb.OpenSQLite(cfg.IndexDB)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	runs, err := idx.Runs(t.Context(), 5)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	_ = idx.Close()
	if len(runs) != 1 || runs[0].RunID != res.RunID || runs[0].Terrain != 3 || runs[0].Status != indexdb.StatusDone {
		t.Fatalf("index runs mismatch: %+v", runs)
	}

	out := buf.String()
	for _, want := range []string{"Regions needed: 3 x 1 = 3", "Terrain regions: 3", "Ocean regions (skipped): 0"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
}

func snapshotFiles(t *testing.T, outDir string) map[string][]byte {
	t.Helper()
	files := map[string][]byte{}
	for _, name := range regionFiles(t, outDir) {
		b, err := os.ReadFile(filepath.Join(outDir, manifest.RegionsDir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		files[name] = b
	}
	b, err := os.ReadFile(filepath.Join(outDir, manifest.FileName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	files[manifest.FileName] = b
	return files
}

func TestRun_Idempotent(t *testing.T) {
	in := twoTileInputs(t)
	cfg := testConfig(t, in)
	cfg.EventLog = true

	if _, err := Run(cfg, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	first := snapshotFiles(t, cfg.OutputDir)
	if _, err := Run(cfg, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	second := snapshotFiles(t, cfg.OutputDir)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("outputs differ between runs (-first +second):\n%s", diff)
	}
}

func TestRun_RemovesStaleBlocks(t *testing.T) {
	in := t.TempDir()
	terraintest.WriteGeoTIFF(t, in, "a.tif", terraintest.Flat(4, 4, 0, 8, 2, 50))
	cfg := testConfig(t, in)
	stale := filepath.Join(cfg.OutputDir, manifest.RegionsDir, "region_7_7.raw")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	if _, err := Run(cfg, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale block still present: %v", err)
	}
	if diff := cmp.Diff([]string{"region_0_-1.raw"}, regionFiles(t, cfg.OutputDir)); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ConfigErrorsWriteNothing(t *testing.T) {
	empty := t.TempDir()
	if err := os.WriteFile(filepath.Join(empty, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, tc := range []struct {
		name  string
		input string
		want  error
	}{
		{"missing input", filepath.Join(empty, "nope"), ErrNoInput},
		{"no tiles", empty, ErrNoTiles},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, tc.input)
			_, err := Run(cfg, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if _, err := os.Stat(cfg.OutputDir); !os.IsNotExist(err) {
				t.Fatalf("output dir created on a config error: %v", err)
			}
		})
	}
}

func TestRun_RejectedExtensionWritesNothing(t *testing.T) {
	in := t.TempDir()
	terraintest.WriteGeoTIFF(t, in, "a.tif", terraintest.Flat(4, 4, 0, 8, 2, 50))
	for _, ext := range []string{"f32_le", "raw-v2", "le.raw"} {
		cfg := testConfig(t, in)
		cfg.RegionExt = ext
		if _, err := Run(cfg, nil); err == nil {
			t.Fatalf("%s: expected config error", ext)
		}
		if _, err := os.Stat(cfg.OutputDir); !os.IsNotExist(err) {
			t.Fatalf("%s: output dir created: %v", ext, err)
		}
	}
}

func TestRun_ExtensionChangeClearsOldBlocks(t *testing.T) {
	in := t.TempDir()
	terraintest.WriteGeoTIFF(t, in, "a.tif", terraintest.Flat(4, 4, 0, 8, 2, 50))
	cfg := testConfig(t, in)
	if _, err := Run(cfg, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	cfg.RegionExt = "r32"
	res, err := Run(cfg, nil)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	ents, err := os.ReadDir(filepath.Join(cfg.OutputDir, manifest.RegionsDir))
	if err != nil {
		t.Fatalf("read regions: %v", err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{"region_0_-1.r32"}, names); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}
	if m := readManifest(t, res); len(m.Regions) != 1 || m.Regions[0].File != "region_0_-1.r32" {
		t.Fatalf("manifest regions %+v", m.Regions)
	}
}

func TestRun_CapacityWarningStillWrites(t *testing.T) {
	in := t.TempDir()
	terraintest.WriteGeoTIFF(t, in, "a.tif", terraintest.Flat(16, 4, 0, 8, 2, 30))
	cfg := testConfig(t, in)
	cfg.EngineCoordLimit = 1

	res, err := Run(cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Capacity.Exceeded || res.Capacity.MaxNeededX != 2 {
		t.Fatalf("capacity report %+v", res.Capacity)
	}
	// x runs -2..1 against [-1, 1)
	if res.OutOfRange != 2 {
		t.Fatalf("out of range=%d want 2", res.OutOfRange)
	}
	if res.Terrain != 4 || len(regionFiles(t, cfg.OutputDir)) != 4 {
		t.Fatalf("terrain=%d files=%v", res.Terrain, regionFiles(t, cfg.OutputDir))
	}
}

func TestRunFromSnapshot_MatchesTileRun(t *testing.T) {
	in := twoTileInputs(t)
	cfg := testConfig(t, in)
	cfg.MosaicSnapshot = true
	res, err := Run(cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	again := cfg
	again.OutputDir = filepath.Join(t.TempDir(), "again")
	res2, err := RunFromSnapshot(again, res.SnapshotPath, 4, nil)
	if err != nil {
		t.Fatalf("RunFromSnapshot: %v", err)
	}
	if res2.SnapshotPath != "" {
		t.Fatalf("re-partition should not write a new snapshot")
	}
	if diff := cmp.Diff(snapshotFiles(t, cfg.OutputDir), snapshotFiles(t, again.OutputDir)); diff != "" {
		t.Fatalf("outputs differ (-tiles +snapshot):\n%s", diff)
	}

	bad := cfg
	bad.OutputDir = filepath.Join(t.TempDir(), "bad")
	if _, err := RunFromSnapshot(bad, res.SnapshotPath, 3, nil); err == nil {
		t.Fatalf("expected error for a region size that does not divide the grid")
	}
}

func TestRunFromSnapshot_KeepsStoredRegionSize(t *testing.T) {
	in := twoTileInputs(t)
	cfg := testConfig(t, in)
	cfg.MosaicSnapshot = true
	res, err := Run(cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// the default 1024 does not divide the stored 12x4 grid
	again := cfg
	again.OutputDir = filepath.Join(t.TempDir(), "again")
	again.RegionSize = config.Defaults().RegionSize
	res2, err := RunFromSnapshot(again, res.SnapshotPath, 0, nil)
	if err != nil {
		t.Fatalf("RunFromSnapshot: %v", err)
	}
	if res2.Layout.RegionSize != 4 {
		t.Fatalf("region size=%d want stored 4", res2.Layout.RegionSize)
	}
	if diff := cmp.Diff(snapshotFiles(t, cfg.OutputDir), snapshotFiles(t, again.OutputDir)); diff != "" {
		t.Fatalf("outputs differ (-tiles +snapshot):\n%s", diff)
	}
}
