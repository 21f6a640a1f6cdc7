// Package store persists benchmark runs and per-generation records in SQLite
// and appends generation records to a CSV log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"PocketLM/internal/bench"
)

// BenchRun is one persisted benchmark report.
type BenchRun struct {
	ID      uuid.UUID
	Model   string
	Backend string

	PP, TG, PL, NR int

	PPMean, PPStd float64
	TGMean, TGStd float64

	DecodeFailures int
	CreatedAt      time.Time
}

// BenchRunFromReport copies the summary of r into a new run with a fresh id.
func BenchRunFromReport(r bench.Report) BenchRun {
	return BenchRun{
		ID:             uuid.New(),
		Model:          r.Model,
		Backend:        r.Backend,
		PP:             r.PP,
		TG:             r.TG,
		PL:             r.PL,
		NR:             r.NR,
		PPMean:         r.PPMean,
		PPStd:          r.PPStd,
		TGMean:         r.TGMean,
		TGStd:          r.TGStd,
		DecodeFailures: r.DecodeFailures,
		CreatedAt:      time.Now(),
	}
}

// Generation is one measured generation, in the column order of the CSV log.
type Generation struct {
	DType         string
	Timestamp     time.Time
	TTFTMillis    float64
	Tokens        int
	TPS           float64
	PeakMemMB     float64
	AvgMemMB      float64
	PromptChars   int
	ResponseChars int
}

// Store wraps a SQLite database holding run history.
type Store struct {
	db *sql.DB

	mu          sync.RWMutex
	insertBench *sql.Stmt
	selectBench *sql.Stmt
	insertGen   *sql.Stmt
	selectGen   *sql.Stmt
}

// Open opens (and initializes) a SQLite database file.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "pocketlm.db"
	}

	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: ensure directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	stmts := []struct {
		dst  **sql.Stmt
		text string
	}{
		{&s.insertBench, `INSERT INTO bench_runs (id, model, backend, pp, tg, pl, nr, pp_mean, pp_std, tg_mean, tg_std, decode_failures, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.selectBench, `SELECT id, model, backend, pp, tg, pl, nr, pp_mean, pp_std, tg_mean, tg_std, decode_failures, created_at
			FROM bench_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`},
		{&s.insertGen, `INSERT INTO generations (dtype, timestamp, ttft_ms, tokens, tps, peak_mem_mb, avg_mem_mb, prompt_chars, response_chars)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.selectGen, `SELECT dtype, timestamp, ttft_ms, tokens, tps, peak_mem_mb, avg_mem_mb, prompt_chars, response_chars
			FROM generations ORDER BY timestamp DESC, id DESC LIMIT ?`},
	}
	for _, st := range stmts {
		prepared, err := db.Prepare(st.text)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("store: prepare statement: %w", err)
		}
		*st.dst = prepared
	}
	return s, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return fmt.Errorf("store: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bench_runs (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			backend TEXT NOT NULL,
			pp INTEGER NOT NULL,
			tg INTEGER NOT NULL,
			pl INTEGER NOT NULL,
			nr INTEGER NOT NULL,
			pp_mean REAL NOT NULL,
			pp_std REAL NOT NULL,
			tg_mean REAL NOT NULL,
			tg_std REAL NOT NULL,
			decode_failures INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS generations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dtype TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			ttft_ms REAL NOT NULL,
			tokens INTEGER NOT NULL,
			tps REAL NOT NULL,
			peak_mem_mb REAL NOT NULL,
			avg_mem_mb REAL NOT NULL,
			prompt_chars INTEGER NOT NULL,
			response_chars INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("store: create tables: %w", err)
	}
	return nil
}

// SaveBench persists run, assigning an id and timestamp when missing.
func (s *Store) SaveBench(ctx context.Context, run BenchRun) (uuid.UUID, error) {
	if s == nil || s.db == nil {
		return uuid.Nil, errors.New("store: not initialized")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.insertBench.ExecContext(ctx,
		run.ID.String(), run.Model, run.Backend,
		run.PP, run.TG, run.PL, run.NR,
		run.PPMean, run.PPStd, run.TGMean, run.TGStd,
		run.DecodeFailures, run.CreatedAt.UnixMilli(),
	); err != nil {
		return uuid.Nil, fmt.Errorf("store: save bench run: %w", err)
	}
	return run.ID, nil
}

// RecentBench returns up to limit runs, newest first.
func (s *Store) RecentBench(ctx context.Context, limit int) ([]BenchRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if limit <= 0 {
		return nil, errors.New("store: limit must be greater than zero")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.selectBench.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query bench runs: %w", err)
	}
	defer rows.Close()

	var runs []BenchRun
	for rows.Next() {
		var (
			r       BenchRun
			id      string
			created int64
		)
		if err := rows.Scan(&id, &r.Model, &r.Backend, &r.PP, &r.TG, &r.PL, &r.NR,
			&r.PPMean, &r.PPStd, &r.TGMean, &r.TGStd, &r.DecodeFailures, &created); err != nil {
			return nil, fmt.Errorf("store: scan bench run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("store: bad run id %q: %w", id, err)
		}
		r.CreatedAt = time.UnixMilli(created)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveGeneration persists one generation record.
func (s *Store) SaveGeneration(ctx context.Context, g Generation) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if g.DType == "" {
		return errors.New("store: dtype must not be empty")
	}
	if g.Timestamp.IsZero() {
		g.Timestamp = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.insertGen.ExecContext(ctx,
		g.DType, g.Timestamp.UnixMilli(), g.TTFTMillis, g.Tokens, g.TPS,
		g.PeakMemMB, g.AvgMemMB, g.PromptChars, g.ResponseChars,
	); err != nil {
		return fmt.Errorf("store: save generation: %w", err)
	}
	return nil
}

// RecentGenerations returns up to limit records, newest first.
func (s *Store) RecentGenerations(ctx context.Context, limit int) ([]Generation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if limit <= 0 {
		return nil, errors.New("store: limit must be greater than zero")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.selectGen.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query generations: %w", err)
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var (
			g  Generation
			ts int64
		)
		if err := rows.Scan(&g.DType, &ts, &g.TTFTMillis, &g.Tokens, &g.TPS,
			&g.PeakMemMB, &g.AvgMemMB, &g.PromptChars, &g.ResponseChars); err != nil {
			return nil, fmt.Errorf("store: scan generation: %w", err)
		}
		g.Timestamp = time.UnixMilli(ts)
		out = append(out, g)
	}
	return out, rows.Err()
}

// Close releases prepared statements and the database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range []*sql.Stmt{s.insertBench, s.selectBench, s.insertGen, s.selectGen} {
		if stmt != nil {
			stmt.Close()
		}
	}
	s.insertBench, s.selectBench, s.insertGen, s.selectGen = nil, nil, nil, nil
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
