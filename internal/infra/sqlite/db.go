// Package sqlite provides SQLite-based persistent storage for cellforge
// run history. Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/history.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "history.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			cell        TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER,
			steps       INTEGER NOT NULL DEFAULT 0,
			errors      INTEGER NOT NULL DEFAULT 0,
			best_reward REAL,
			best_params TEXT,
			stop_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

		// One row per best-reward improvement, append-only.
		`CREATE TABLE IF NOT EXISTS improvements (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id    TEXT NOT NULL REFERENCES runs(id),
			step      INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			reward    REAL NOT NULL,
			params    TEXT NOT NULL,
			measures  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_improvements_run ON improvements(run_id, step)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Runs ───────────────────────────────────────────────────────────────────

// RunRecord is one optimization run.
type RunRecord struct {
	ID         string
	Cell       string
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      int
	Errors     int
	BestReward float64
	BestParams map[string]float64
	StopReason string
}

// CreateRun registers a new run.
func (d *DB) CreateRun(id, cell string, startedAt time.Time) error {
	_, err := d.db.Exec(
		`INSERT INTO runs (id, cell, started_at) VALUES (?, ?, ?)`,
		id, cell, startedAt.Unix(),
	)
	return err
}

// FinishRun records the final state of a run.
func (d *DB) FinishRun(id string, steps, errors int, bestReward float64, bestParams map[string]float64, stopReason string) error {
	params, err := json.Marshal(bestParams)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`UPDATE runs SET finished_at = ?, steps = ?, errors = ?, best_reward = ?, best_params = ?, stop_reason = ?
		 WHERE id = ?`,
		time.Now().Unix(), steps, errors, bestReward, string(params), stopReason, id,
	)
	return err
}

// GetRun retrieves a single run by id, nil when absent.
func (d *DB) GetRun(id string) (*RunRecord, error) {
	row := d.db.QueryRow(
		`SELECT id, cell, started_at, finished_at, steps, errors, best_reward, best_params, stop_reason
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// ListRuns returns runs ordered by start time descending.
func (d *DB) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := d.db.Query(
		`SELECT id, cell, started_at, finished_at, steps, errors, best_reward, best_params, stop_reason
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ─── Improvements ───────────────────────────────────────────────────────────

// Improvement is one best-reward improvement event.
type Improvement struct {
	RunID     string
	Step      int
	Timestamp time.Time
	Reward    float64
	Params    map[string]float64
	Measures  map[string]float64
}

// AppendImprovement records a new best-reward event.
func (d *DB) AppendImprovement(imp Improvement) error {
	params, err := json.Marshal(imp.Params)
	if err != nil {
		return err
	}
	measures, err := json.Marshal(imp.Measures)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO improvements (run_id, step, timestamp, reward, params, measures)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		imp.RunID, imp.Step, imp.Timestamp.Unix(), imp.Reward, string(params), string(measures),
	)
	return err
}

// ListImprovements returns a run's improvement history in step order.
func (d *DB) ListImprovements(runID string) ([]Improvement, error) {
	rows, err := d.db.Query(
		`SELECT run_id, step, timestamp, reward, params, measures
		 FROM improvements WHERE run_id = ? ORDER BY step ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var imps []Improvement
	for rows.Next() {
		var imp Improvement
		var ts int64
		var params, measures string
		if err := rows.Scan(&imp.RunID, &imp.Step, &ts, &imp.Reward, &params, &measures); err != nil {
			return nil, err
		}
		imp.Timestamp = time.Unix(ts, 0)
		if err := json.Unmarshal([]byte(params), &imp.Params); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(measures), &imp.Measures); err != nil {
			return nil, err
		}
		imps = append(imps, imp)
	}
	return imps, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var r RunRecord
	var startedAt int64
	var finishedAt sql.NullInt64
	var bestReward sql.NullFloat64
	var bestParams, stopReason sql.NullString

	err := s.Scan(&r.ID, &r.Cell, &startedAt, &finishedAt,
		&r.Steps, &r.Errors, &bestReward, &bestParams, &stopReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		r.FinishedAt = time.Unix(finishedAt.Int64, 0)
	}
	if bestReward.Valid {
		r.BestReward = bestReward.Float64
	}
	if bestParams.Valid && bestParams.String != "" {
		if err := json.Unmarshal([]byte(bestParams.String), &r.BestParams); err != nil {
			return nil, err
		}
	}
	if stopReason.Valid {
		r.StopReason = stopReason.String
	}
	return &r, nil
}
