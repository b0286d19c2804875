package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// schemaStep is one versioned change to the DuckDB schema. Statements run in
// order inside a single transaction.
type schemaStep struct {
	version int
	name    string
	up      []string
	down    []string
}

var duckdbSchema = []schemaStep{
	{
		version: 1,
		name:    "bars and covered_intervals tables",
		up: []string{
			`CREATE TABLE IF NOT EXISTS bars (
				instrument VARCHAR NOT NULL,
				timeframe VARCHAR NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				open DECIMAL(18,8) NOT NULL,
				high DECIMAL(18,8) NOT NULL,
				low DECIMAL(18,8) NOT NULL,
				close DECIMAL(18,8) NOT NULL,
				volume BIGINT NOT NULL,
				created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
				CONSTRAINT bars_pk PRIMARY KEY (instrument, timeframe, timestamp),
				CONSTRAINT bars_volume_non_negative CHECK (volume >= 0)
			)`,
			`CREATE SEQUENCE IF NOT EXISTS covered_intervals_id_seq START 1`,
			`CREATE TABLE IF NOT EXISTS covered_intervals (
				id BIGINT PRIMARY KEY DEFAULT nextval('covered_intervals_id_seq'),
				instrument VARCHAR NOT NULL,
				timeframe VARCHAR NOT NULL,
				start_time TIMESTAMP NOT NULL,
				end_time TIMESTAMP NOT NULL,
				CONSTRAINT covered_time_order CHECK (end_time >= start_time)
			)`,
		},
		down: []string{
			`DROP TABLE IF EXISTS covered_intervals`,
			`DROP SEQUENCE IF EXISTS covered_intervals_id_seq`,
			`DROP TABLE IF EXISTS bars`,
		},
	},
	{
		version: 2,
		name:    "series lookup indexes",
		up: []string{
			`CREATE INDEX IF NOT EXISTS idx_covered_series ON covered_intervals (instrument, timeframe)`,
			`CREATE INDEX IF NOT EXISTS idx_bars_timestamp ON bars (timestamp)`,
		},
		down: []string{
			`DROP INDEX IF EXISTS idx_covered_series`,
			`DROP INDEX IF EXISTS idx_bars_timestamp`,
		},
	},
}

// MigrationStatus summarizes the schema version of a database.
type MigrationStatus struct {
	CurrentVersion      int                `json:"current_version"`
	LatestVersion       int                `json:"latest_version"`
	AppliedMigrations   []AppliedMigration `json:"applied_migrations"`
	PendingMigrations   int                `json:"pending_migrations"`
	TotalMigrations     int                `json:"total_migrations"`
	DatabaseInitialized bool               `json:"database_initialized"`
}

// AppliedMigration is a row of the schema_migrations table.
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// MigrationManager moves a DuckDB database between schema versions and keeps
// a record of each applied step in schema_migrations.
type MigrationManager struct {
	db     *sql.DB
	logger *slog.Logger
	steps  []schemaStep
}

// NewMigrationManager creates a migration manager for db.
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{db: db, logger: logger, steps: duckdbSchema}
}

// LatestVersion returns the highest known schema version.
func (m *MigrationManager) LatestVersion() int {
	if len(m.steps) == 0 {
		return 0
	}
	return m.steps[len(m.steps)-1].version
}

// MigrateToLatest applies every pending step.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// Migrate applies pending steps up to and including target.
func (m *MigrationManager) Migrate(ctx context.Context, target int) error {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= target {
		m.logger.DebugContext(ctx, "schema up to date", "current_version", current)
		return nil
	}

	applied := 0
	for _, s := range m.steps {
		if s.version <= current || s.version > target {
			continue
		}
		if err := m.apply(ctx, s, true); err != nil {
			return fmt.Errorf("migration %d (%s): %w", s.version, s.name, err)
		}
		applied++
	}

	m.logger.InfoContext(ctx, "schema migrated",
		"from_version", current,
		"to_version", target,
		"applied", applied)
	return nil
}

// Rollback reverts applied steps newest first until the schema is at target.
func (m *MigrationManager) Rollback(ctx context.Context, target int) error {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.steps) - 1; i >= 0; i-- {
		s := m.steps[i]
		if s.version > current || s.version <= target {
			continue
		}
		if err := m.apply(ctx, s, false); err != nil {
			return fmt.Errorf("rollback %d (%s): %w", s.version, s.name, err)
		}
	}
	return nil
}

// GetStatus reports the applied and pending steps.
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := m.history(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		CurrentVersion:      current,
		LatestVersion:       m.LatestVersion(),
		AppliedMigrations:   applied,
		TotalMigrations:     len(m.steps),
		DatabaseInitialized: current > 0,
	}
	for _, s := range m.steps {
		if s.version > current {
			status.PendingMigrations++
		}
	}
	return status, nil
}

// apply runs one step in either direction and updates schema_migrations in
// the same transaction.
func (m *MigrationManager) apply(ctx context.Context, s schemaStep, up bool) error {
	statements, direction := s.up, "up"
	if !up {
		statements, direction = s.down, "down"
	}
	if len(statements) == 0 {
		return fmt.Errorf("no %s statements", direction)
	}

	start := time.Now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description, applied_at, execution_time) VALUES ($1, $2, $3, $4)`,
			s.version, s.name, start, time.Since(start).Nanoseconds())
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, s.version)
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", direction, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	m.logger.InfoContext(ctx, "migration step applied",
		"version", s.version,
		"direction", direction,
		"duration", time.Since(start))
	return nil
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	var version int
	if err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) history(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT version, description, applied_at, execution_time FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read schema history: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			a     AppliedMigration
			nanos int64
		)
		if err := rows.Scan(&a.Version, &a.Description, &a.AppliedAt, &nanos); err != nil {
			return nil, fmt.Errorf("scan schema history: %w", err)
		}
		a.ExecutionTime = time.Duration(nanos)
		out = append(out, a)
	}
	return out, rows.Err()
}
