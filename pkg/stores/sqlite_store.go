package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store for the given database path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enabling foreign keys: %w", err)
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

// Migrate applies pending schema migrations from the embedded files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	log.Debug().Str("path", s.path).Msg("store migrated")
	return nil
}

// SaveRun inserts or updates a run row.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, started_at, completed_at, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			summary = excluded.summary`,
		run.ID, run.Status, run.StartedAt.UTC(), run.CompletedAt.UTC(), run.SummaryJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// SaveInstances replaces the instance rows of a run.
func (s *SQLiteStore) SaveInstances(ctx context.Context, runID string, instances []*InstanceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clearing instances: %w", err)
	}
	for _, inst := range instances {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instances
				(run_id, instance_id, resource_type, status, identity, outputs, error, blocked_by, attempts, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, inst.InstanceID, inst.Type, inst.Status, inst.Identity,
			inst.OutputsJSON, inst.Error, inst.BlockedBy, inst.Attempts, inst.DurationMS)
		if err != nil {
			return fmt.Errorf("saving instance %s: %w", inst.InstanceID, err)
		}
	}
	return tx.Commit()
}

// SaveOutputs replaces the output rows of a run.
func (s *SQLiteStore) SaveOutputs(ctx context.Context, runID string, outputs []*OutputRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outputs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clearing outputs: %w", err)
	}
	for _, out := range outputs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outputs (run_id, name, value, available, reason)
			VALUES (?, ?, ?, ?, ?)`,
			runID, out.Name, out.ValueJSON, out.Available, out.Reason)
		if err != nil {
			return fmt.Errorf("saving output %s: %w", out.Name, err)
		}
	}
	return tx.Commit()
}

// GetRun fetches one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, started_at, completed_at, summary, created_at
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// LatestRun fetches the most recently started run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, started_at, completed_at, summary, created_at
		FROM runs ORDER BY started_at DESC LIMIT 1`)
	return scanRun(row)
}

// ListRuns returns recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, started_at, completed_at, summary, created_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListInstances returns the instance outcomes of a run in insertion order.
func (s *SQLiteStore) ListInstances(ctx context.Context, runID string) ([]*InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, instance_id, resource_type, status, identity, outputs, error, blocked_by, attempts, duration_ms
		FROM instances WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	var instances []*InstanceRecord
	for rows.Next() {
		inst := &InstanceRecord{}
		if err := rows.Scan(&inst.RunID, &inst.InstanceID, &inst.Type, &inst.Status, &inst.Identity,
			&inst.OutputsJSON, &inst.Error, &inst.BlockedBy, &inst.Attempts, &inst.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// ListOutputs returns the outputs of a run, available ones first.
func (s *SQLiteStore) ListOutputs(ctx context.Context, runID string) ([]*OutputRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, value, available, reason
		FROM outputs WHERE run_id = ? ORDER BY available DESC, name`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*OutputRecord
	for rows.Next() {
		out := &OutputRecord{}
		if err := rows.Scan(&out.RunID, &out.Name, &out.ValueJSON, &out.Available, &out.Reason); err != nil {
			return nil, fmt.Errorf("scanning output: %w", err)
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	run := &RunRecord{}
	err := row.Scan(&run.ID, &run.Status, &run.StartedAt, &run.CompletedAt, &run.SummaryJSON, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	return run, nil
}
