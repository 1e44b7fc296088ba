// Package indexdb keeps a queryable SQLite record of preprocessing runs and
// the region blocks each run wrote.
package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

type RunRecord struct {
	RunID      string
	WorldName  string
	OutputDir  string
	Source     string // "tiles" or a snapshot path
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string

	VertexSpacing float64
	RegionSize    int
	RegionsX      int
	RegionsY      int

	Tiles        int
	SkippedTiles int
	Terrain      int
	Ocean        int

	MinHeight float64
	MaxHeight float64
	Bytes     int64
}

type RegionRecord struct {
	RunID     string
	X, Y      int
	RX, RY    int
	File      string
	MinHeight float64
	MaxHeight float64
	Digest    string // hex SHA-256 of the block file
	Bytes     int64
}

const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// SQLiteIndex serializes all writes through one goroutine. Requests are
// never dropped; callers block while the queue is full.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	err    error // first write error, owned by the loop until wg.Wait
}

type reqKind int

const (
	reqRunStart reqKind = iota + 1
	reqRegion
	reqRunFinish
)

type req struct {
	kind   reqKind
	run    RunRecord
	region RegionRecord
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			world_name TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			source TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			vertex_spacing REAL NOT NULL,
			region_size INTEGER NOT NULL,
			regions_x INTEGER NOT NULL,
			regions_y INTEGER NOT NULL,
			tiles INTEGER NOT NULL DEFAULT 0,
			skipped_tiles INTEGER NOT NULL DEFAULT 0,
			terrain INTEGER NOT NULL DEFAULT 0,
			ocean INTEGER NOT NULL DEFAULT 0,
			min_height REAL,
			max_height REAL,
			bytes INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_output_started ON runs(output_dir, started_at);`,
		`CREATE TABLE IF NOT EXISTS regions (
			run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			rx INTEGER NOT NULL,
			ry INTEGER NOT NULL,
			file TEXT NOT NULL,
			min_height REAL NOT NULL,
			max_height REAL NOT NULL,
			digest TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			PRIMARY KEY (run_id, x, y)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_regions_digest ON regions(digest);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending writes and returns the first write error, if any.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = errors.Join(s.err, s.db.Close())
	})
	return err
}

func (s *SQLiteIndex) send(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	s.ch <- r
}

// BeginRun inserts the run row; regions recorded afterwards reference it.
func (s *SQLiteIndex) BeginRun(r RunRecord) {
	if r.Status == "" {
		r.Status = StatusRunning
	}
	s.send(req{kind: reqRunStart, run: r})
}

func (s *SQLiteIndex) RecordRegion(r RegionRecord) {
	s.send(req{kind: reqRegion, region: r})
}

// FinishRun updates the totals and status of a run started with BeginRun.
func (s *SQLiteIndex) FinishRun(r RunRecord) {
	if r.Status == "" {
		r.Status = StatusDone
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	s.send(req{kind: reqRunFinish, run: r})
}

// Runs lists the most recent runs, newest first.
func (s *SQLiteIndex) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,world_name,output_dir,source,started_at,COALESCE(finished_at,''),status,
		vertex_spacing,region_size,regions_x,regions_y,tiles,skipped_tiles,terrain,ocean,
		COALESCE(min_height,0),COALESCE(max_height,0),bytes
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &r.WorldName, &r.OutputDir, &r.Source, &started, &finished, &r.Status,
			&r.VertexSpacing, &r.RegionSize, &r.RegionsX, &r.RegionsY, &r.Tiles, &r.SkippedTiles, &r.Terrain, &r.Ocean,
			&r.MinHeight, &r.MaxHeight, &r.Bytes); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, err := s.db.Prepare(`INSERT INTO runs(run_id,world_name,output_dir,source,started_at,status,vertex_spacing,region_size,regions_x,regions_y) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.fail(err)
	}
	insertRegion, err := s.db.Prepare(`INSERT OR REPLACE INTO regions(run_id,x,y,rx,ry,file,min_height,max_height,digest,bytes) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.fail(err)
	}
	finishRun, err := s.db.Prepare(`UPDATE runs SET finished_at=?,status=?,tiles=?,skipped_tiles=?,terrain=?,ocean=?,min_height=?,max_height=?,bytes=? WHERE run_id=?`)
	if err != nil {
		s.fail(err)
	}
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, insertRegion, finishRun} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx          *sql.Tx
		opCount     int
		commitEvery = 512
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.fail(err)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.fail(err)
		}
		tx = nil
		opCount = 0
	}

	for r := range s.ch {
		if s.err != nil {
			// keep draining so senders never block on a dead writer
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqRunStart:
			if insertRun == nil {
				continue
			}
			ru := r.run
			_, err = tx.Stmt(insertRun).Exec(
				ru.RunID,
				ru.WorldName,
				ru.OutputDir,
				ru.Source,
				ru.StartedAt.UTC().Format(time.RFC3339Nano),
				ru.Status,
				ru.VertexSpacing,
				ru.RegionSize,
				ru.RegionsX,
				ru.RegionsY,
			)
		case reqRegion:
			if insertRegion == nil {
				continue
			}
			re := r.region
			_, err = tx.Stmt(insertRegion).Exec(
				re.RunID,
				re.X, re.Y,
				re.RX, re.RY,
				re.File,
				re.MinHeight,
				re.MaxHeight,
				re.Digest,
				re.Bytes,
			)
		case reqRunFinish:
			if finishRun == nil {
				continue
			}
			ru := r.run
			_, err = tx.Stmt(finishRun).Exec(
				ru.FinishedAt.UTC().Format(time.RFC3339Nano),
				ru.Status,
				ru.Tiles,
				ru.SkippedTiles,
				ru.Terrain,
				ru.Ocean,
				ru.MinHeight,
				ru.MaxHeight,
				ru.Bytes,
				ru.RunID,
			)
			if err == nil {
				// a finished run is a natural durability point
				opCount = commitEvery
			}
		}
		if err != nil {
			_ = tx.Rollback()
			tx = nil
			s.fail(err)
			continue
		}
		opCount++
		if opCount >= commitEvery {
			commit()
		}
	}
	commit()
}

func (s *SQLiteIndex) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}
