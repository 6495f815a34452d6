package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultListLimit = 50

// SQLiteStore keeps deployment history in a SQLite database. It implements
// engine.Recorder.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store for the database file at path. Call Init
// and Migrate before use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Open creates, initializes and migrates the store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database, creating its directory, with WAL journaling and
// foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One writer per process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRunStarted implements engine.Recorder.
func (s *SQLiteStore) RecordRunStarted(ctx context.Context, req *engine.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, app, env, source, target_dir, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.RunID, req.App, req.Env, req.Source, req.TargetDir, RunStatusRunning, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// RecordStage implements engine.Recorder.
func (s *SQLiteStore) RecordStage(ctx context.Context, runID string, report engine.StageReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_events (run_id, stage, status, message, error_class, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, report.Stage, report.Status, report.Message, engine.ClassOf(report.Err),
		toMillis(report.StartedAt), report.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record stage %s: %w", report.Stage, err)
	}
	return nil
}

// RecordRunFinished implements engine.Recorder.
func (s *SQLiteStore) RecordRunFinished(ctx context.Context, result *engine.Result) error {
	status := RunStatusFailed
	if result.Succeeded() {
		status = RunStatusSucceeded
	}
	var errText string
	if result.Err != nil {
		errText = result.Err.Error()
	}
	var pid int
	if result.Process != nil {
		pid = result.Process.PID
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, failed_stage = ?, error_class = ?, error = ?, snapshot = ?, pid = ?, completed_at = ?
		WHERE id = ?`,
		status, result.FailedStage, engine.ClassOf(result.Err), errText, result.Snapshot, pid,
		toMillis(result.StartedAt.Add(result.Duration)), result.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, result.RunID)
	}
	return nil
}

const runColumns = `id, app, env, source, target_dir, status, failed_stage, error_class, error, snapshot, pid, started_at, completed_at`

// GetRun returns a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.App != "" {
		where = append(where, "app = ?")
		args = append(args, filter.App)
	}
	if filter.Env != "" {
		where = append(where, "env = ?")
		args = append(args, filter.Env)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListStageEvents returns the stage events of a run in execution order.
func (s *SQLiteStore) ListStageEvents(ctx context.Context, runID string) ([]*StageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage, status, message, error_class, started_at, duration_ms
		FROM stage_events
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage events: %w", err)
	}
	defer rows.Close()

	var events []*StageEvent
	for rows.Next() {
		var (
			ev         StageEvent
			startedAt  int64
			durationMS int64
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Stage, &ev.Status, &ev.Message, &ev.ErrorClass, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan stage event: %w", err)
		}
		ev.StartedAt = fromMillis(startedAt)
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		events = append(events, &ev)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run         Run
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.App, &run.Env, &run.Source, &run.TargetDir, &run.Status,
		&run.FailedStage, &run.ErrorClass, &run.Error, &run.Snapshot, &run.PID, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = fromMillis(startedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		run.CompletedAt = &t
	}
	return &run, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
