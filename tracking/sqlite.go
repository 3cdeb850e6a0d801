package tracking

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout has a fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store keeps runs in a SQLite database.
type Store struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// OpenStore opens or creates the database at path and applies pending
// migrations. Runs still marked running are closed as failed.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, logger: logger}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := s.markInterruptedRuns(); err != nil {
		logger.Warn().Err(err).Msg("failed to mark interrupted runs")
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	for _, m := range migrations {
		if m.IsDir() {
			continue
		}
		name := m.Name()
		if s.isMigrationApplied(name) {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := s.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		s.logger.Debug().Str("name", name).Msg("applied migration")
	}
	return nil
}

func (s *Store) isMigrationApplied(name string) bool {
	var exists int
	err := s.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}
	var applied int
	err = s.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

func (s *Store) markInterruptedRuns() error {
	_, err := s.conn.ExecContext(context.Background(),
		`UPDATE runs SET status = ?, error = 'interrupted', finished_at = ? WHERE status = ?`,
		StatusFailed, now(), StatusRunning)
	return err
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// StartRun registers a new run and returns its tracker. configText is the
// resolved configuration saved with the run.
func (s *Store) StartRun(ctx context.Context, name, outputDir, configText string) (*RunTracker, error) {
	id := uuid.NewString()
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO runs (id, name, output_dir, config, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, outputDir, configText, StatusRunning, now())
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	s.logger.Info().Str("run", id).Str("name", name).Msg("tracking run")
	return &RunTracker{store: s, id: id}, nil
}

const runColumns = `id, name, output_dir, config, status, error, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var started, finished string
	if err := row.Scan(&r.ID, &r.Name, &r.OutputDir, &r.Config, &r.Status, &r.Error, &started, &finished); err != nil {
		return Run{}, err
	}
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return r, nil
}

// Runs lists runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		r.Config = ""
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run returns one run with its configuration, or ErrRunNotFound.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// MetricNames lists the series recorded for a run.
func (s *Store) MetricNames(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT name FROM metrics WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Metrics returns the points of a run ordered by step. An empty name
// returns every series.
func (s *Store) Metrics(ctx context.Context, runID, name string) ([]Metric, error) {
	query := `SELECT step, name, value FROM metrics WHERE run_id = ?`
	args := []any{runID}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY step, name`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.Step, &m.Name, &m.Value); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Artifacts lists the files a run logged, ordered by step.
func (s *Store) Artifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, step, kind, path, logged_at FROM artifacts WHERE run_id = ? ORDER BY step, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var logged string
		if err := rows.Scan(&a.ID, &a.Step, &a.Kind, &a.Path, &logged); err != nil {
			return nil, err
		}
		a.LoggedAt = parseTime(logged)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Artifact returns one artifact of a run. A missing one wraps os.ErrNotExist.
func (s *Store) Artifact(ctx context.Context, runID string, id int64) (Artifact, error) {
	var a Artifact
	var logged string
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, step, kind, path, logged_at FROM artifacts WHERE run_id = ? AND id = ?`, runID, id).
		Scan(&a.ID, &a.Step, &a.Kind, &a.Path, &logged)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("artifact %d: %w", id, os.ErrNotExist)
	}
	a.LoggedAt = parseTime(logged)
	return a, err
}

// RunTracker writes into one run of a Store.
type RunTracker struct {
	store *Store
	id    string
}

// ID returns the run identifier.
func (t *RunTracker) ID() string { return t.id }

// LogMetrics stores one point per value in a single transaction.
func (t *RunTracker) LogMetrics(step int, values map[string]float64) error {
	ctx := context.Background()
	tx, err := t.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (run_id, step, name, value, logged_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := now()
	for name, v := range values {
		if _, err := stmt.ExecContext(ctx, t.id, step, name, v, ts); err != nil {
			return fmt.Errorf("log metric %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// LogArtifact records a file written at step.
func (t *RunTracker) LogArtifact(step int, kind, path string) error {
	_, err := t.store.conn.Exec(
		`INSERT INTO artifacts (run_id, step, kind, path, logged_at) VALUES (?, ?, ?, ?, ?)`,
		t.id, step, kind, path, now())
	if err != nil {
		return fmt.Errorf("log artifact %s: %w", path, err)
	}
	return nil
}

// Finish marks the run completed, or failed with runErr.
func (t *RunTracker) Finish(runErr error) error {
	status, msg := StatusCompleted, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	_, err := t.store.conn.Exec(
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, now(), t.id)
	return err
}
