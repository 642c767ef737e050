// Package registry keeps a SQLite history of training runs, their stage
// results and notable events.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// FileName is the registry database inside the state directory.
const FileName = "registry.db"

// Event kinds.
const (
	EventBestSaved      = "best_saved"
	EventConfigReload   = "config_reload"
	EventSnapshotExport = "snapshot_export"
	EventExportFailed   = "snapshot_export_failed"
	EventStageStopped   = "stage_stopped"
)

// ErrNoRuns is returned by LatestRun on an empty registry.
var ErrNoRuns = errors.New("no runs recorded")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	curriculum  TEXT NOT NULL,
	start_stage INTEGER NOT NULL,
	max_stage   INTEGER NOT NULL,
	status      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stages (
	run_id           TEXT NOT NULL REFERENCES runs(id),
	stage            INTEGER NOT NULL,
	episodes         INTEGER NOT NULL,
	win_rate         REAL,
	threshold        REAL NOT NULL,
	promoted         INTEGER NOT NULL,
	steps            INTEGER NOT NULL,
	crashes          INTEGER NOT NULL,
	final_checkpoint TEXT NOT NULL,
	finished_at      TEXT NOT NULL,
	PRIMARY KEY (run_id, stage)
);
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_run ON events(run_id, id);
`

// Run is one invocation of the curriculum.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Curriculum string
	StartStage int
	MaxStage   int
	Status     string
}

// StageResult is the outcome of one stage within a run.
type StageResult struct {
	Stage           int
	Episodes        int
	WinRate         *float64
	Threshold       float64
	Promoted        bool
	Steps           int
	Crashes         int
	FinalCheckpoint string
	FinishedAt      time.Time
}

// Event is a notable moment during a stage.
type Event struct {
	Stage     int
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Registry wraps the database handle.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// openDB opens a SQLite database with WAL journaling and a 5-second busy
// timeout, and verifies the connection.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// Close releases the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// StartRun records a run. An existing run with the same ID is reopened,
// which is how a resumed session keeps its history.
func (r *Registry) StartRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, curriculum, start_stage, max_stage, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, finished_at = NULL`,
		run.ID, formatTime(run.StartedAt), run.Curriculum, run.StartStage, run.MaxStage, run.Status)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps a run with its final status.
func (r *Registry) FinishRun(ctx context.Context, id, status string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: unknown run %s", id)
	}
	return nil
}

// RecordStage stores (or replaces) a stage result for a run.
func (r *Registry) RecordStage(ctx context.Context, runID string, s StageResult) error {
	var winRate sql.NullFloat64
	if s.WinRate != nil {
		winRate = sql.NullFloat64{Float64: *s.WinRate, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stages (run_id, stage, episodes, win_rate, threshold, promoted, steps, crashes, final_checkpoint, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			episodes = excluded.episodes,
			win_rate = excluded.win_rate,
			threshold = excluded.threshold,
			promoted = excluded.promoted,
			steps = excluded.steps,
			crashes = excluded.crashes,
			final_checkpoint = excluded.final_checkpoint,
			finished_at = excluded.finished_at`,
		runID, s.Stage, s.Episodes, winRate, s.Threshold, s.Promoted, s.Steps, s.Crashes, s.FinalCheckpoint, formatTime(s.FinishedAt))
	if err != nil {
		return fmt.Errorf("record stage %d: %w", s.Stage, err)
	}
	return nil
}

// RecordEvent appends an event for a run's stage.
func (r *Registry) RecordEvent(ctx context.Context, runID string, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (run_id, stage, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, e.Stage, e.Kind, e.Detail, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.Kind, err)
	}
	return nil
}

// LatestRun returns the most recently started run.
func (r *Registry) LatestRun(ctx context.Context) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, curriculum, start_stage, max_stage, status
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`)

	var (
		run      Run
		started  string
		finished sql.NullString
	)
	err := row.Scan(&run.ID, &started, &finished, &run.Curriculum, &run.StartStage, &run.MaxStage, &run.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRuns
	}
	if err != nil {
		return nil, fmt.Errorf("query latest run: %w", err)
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if finished.Valid {
		at, err := parseTime(finished.String)
		if err != nil {
			return nil, err
		}
		run.FinishedAt = &at
	}
	return &run, nil
}

// Stages returns a run's stage results in stage order.
func (r *Registry) Stages(ctx context.Context, runID string) ([]StageResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, episodes, win_rate, threshold, promoted, steps, crashes, final_checkpoint, finished_at
		FROM stages WHERE run_id = ? ORDER BY stage`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StageResult
	for rows.Next() {
		var (
			s        StageResult
			winRate  sql.NullFloat64
			finished string
		)
		if err := rows.Scan(&s.Stage, &s.Episodes, &winRate, &s.Threshold, &s.Promoted, &s.Steps, &s.Crashes, &s.FinalCheckpoint, &finished); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		if winRate.Valid {
			wr := winRate.Float64
			s.WinRate = &wr
		}
		if s.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Events returns a run's events in insertion order.
func (r *Registry) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT stage, kind, detail, created_at FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			created string
		)
		if err := rows.Scan(&e.Stage, &e.Kind, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse registry time %q: %w", s, err)
	}
	return t, nil
}
