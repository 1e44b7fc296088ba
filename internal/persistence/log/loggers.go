// Package log writes the per-run event log: one JSON object per line,
// zstd-compressed.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const FileName = "events.jsonl.zst"

// JSONLZstdWriter appends JSON lines to one compressed file, opened on the
// first write. An existing file is replaced.
type JSONLZstdWriter struct {
	path string

	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

func NewJSONLZstdWriter(path string) *JSONLZstdWriter {
	return &JSONLZstdWriter{path: path}
}

func (w *JSONLZstdWriter) Path() string { return w.path }

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w == nil {
		if err := w.openLocked(); err != nil {
			return err
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *JSONLZstdWriter) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		err1 = w.w.Flush()
	}
	if w.enc != nil {
		if err := w.enc.Close(); err1 == nil {
			err1 = err
		}
		w.enc = nil
	}
	if w.f != nil {
		if err := w.f.Close(); err1 == nil {
			err1 = err
		}
		w.f = nil
	}
	w.w = nil
	return err1
}

// Event types.
const (
	TypeTileIngested    = "tile_ingested"
	TypeTileSkipped     = "tile_skipped"
	TypeRegionWritten   = "region_written"
	TypeCapacityWarning = "capacity_warning"
	TypeRunComplete     = "run_complete"
)

type Event struct {
	Seq   int             `json:"seq"`
	RunID string          `json:"run_id"`
	TS    string          `json:"ts"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type TileData struct {
	Path    string `json:"path"`
	Rows    int    `json:"rows"`
	Cols    int    `json:"cols"`
	Nodata  int    `json:"nodata_cells"`
	OffsetX int    `json:"offset_x"`
	OffsetY int    `json:"offset_y"`
	Written int    `json:"cells_written"`
	Reason  string `json:"reason,omitempty"`
}

type RegionData struct {
	X         int     `json:"x"`
	Y         int     `json:"y"`
	File      string  `json:"file"`
	MinHeight float64 `json:"min_height"`
	MaxHeight float64 `json:"max_height"`
	Digest    string  `json:"sha256"`
}

type CapacityData struct {
	RegionsX   int `json:"regions_x"`
	RegionsY   int `json:"regions_y"`
	MaxNeededX int `json:"max_needed_x"`
	MaxNeededY int `json:"max_needed_y"`
	Limit      int `json:"limit"`
}

type RunData struct {
	WorldName string  `json:"world_name"`
	RegionsX  int     `json:"regions_x"`
	RegionsY  int     `json:"regions_y"`
	Terrain   int     `json:"terrain"`
	Ocean     int     `json:"ocean"`
	Skipped   int     `json:"skipped_tiles"`
	Bytes     int64   `json:"bytes"`
	Seconds   float64 `json:"seconds"`
}

// EventLogger stamps events with the run id and a sequence number.
type EventLogger struct {
	w     *JSONLZstdWriter
	runID string
	seq   int
	now   func() time.Time
}

func NewEventLogger(outputDir, runID string) *EventLogger {
	return &EventLogger{
		w:     NewJSONLZstdWriter(filepath.Join(outputDir, FileName)),
		runID: runID,
		now:   time.Now,
	}
}

// Emit writes one event. A nil logger discards it.
func (l *EventLogger) Emit(typ string, data any) error {
	if l == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%s event: %w", typ, err)
	}
	l.seq++
	return l.w.Write(Event{
		Seq:   l.seq,
		RunID: l.runID,
		TS:    l.now().UTC().Format(time.RFC3339Nano),
		Type:  typ,
		Data:  raw,
	})
}

func (l *EventLogger) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}

// ReadEvents decodes a whole event log.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Event
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
