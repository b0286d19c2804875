package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/intervals"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// PostgresOptions configures the PostgreSQL connection pool.
type PostgresOptions struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// PostgresStorage implements FullStorage on PostgreSQL through a pgx pool.
// Concurrent writers are allowed; defragmentation of one series is
// serialized with a transaction-scoped advisory lock.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	opts   PostgresOptions
	logger *slog.Logger

	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// NewPostgresStorage parses opts, creates the pool and pings the server.
func NewPostgresStorage(ctx context.Context, opts PostgresOptions, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to parse postgresql config: %w", err))
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}
	if opts.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to create postgresql pool: %w", err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to ping postgresql: %w", err))
	}

	return &PostgresStorage{
		pool:       pool,
		opts:       opts,
		logger:     logger,
		queryTimes: make(map[string][]time.Duration),
	}, nil
}

var postgresMigrations = []struct {
	version     int
	description string
	statements  []string
}{
	{
		version:     1,
		description: "Initial schema - bars and covered_intervals tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS bars (
				instrument TEXT NOT NULL,
				timeframe TEXT NOT NULL,
				ts TIMESTAMPTZ NOT NULL,
				open NUMERIC(18,8) NOT NULL,
				high NUMERIC(18,8) NOT NULL,
				low NUMERIC(18,8) NOT NULL,
				close NUMERIC(18,8) NOT NULL,
				volume BIGINT NOT NULL CHECK (volume >= 0),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (instrument, timeframe, ts)
			)`,
			`CREATE TABLE IF NOT EXISTS covered_intervals (
				id BIGSERIAL PRIMARY KEY,
				instrument TEXT NOT NULL,
				timeframe TEXT NOT NULL,
				start_time TIMESTAMPTZ NOT NULL,
				end_time TIMESTAMPTZ NOT NULL,
				CONSTRAINT covered_time_order CHECK (end_time >= start_time)
			)`,
		},
	},
	{
		version:     2,
		description: "Add series lookup indexes",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_covered_series ON covered_intervals (instrument, timeframe, start_time)`,
		},
	},
}

// Initialize implements StorageManager.Initialize.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	p.logger.Info("initializing PostgreSQL storage")
	return p.Migrate(ctx, postgresMigrations[len(postgresMigrations)-1].version)
}

// Migrate implements StorageManager.Migrate.
func (p *PostgresStorage) Migrate(ctx context.Context, version int) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return NewStorageError("migrate", "schema_migrations", "", err)
	}

	var current int
	if err := p.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return NewQueryError("schema_migrations", "", err)
	}

	for _, m := range postgresMigrations {
		if m.version <= current || m.version > version {
			continue
		}
		err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
				m.version, m.description)
			return err
		})
		if err != nil {
			return NewStorageError("migrate", "", "", fmt.Errorf("failed to apply migration %d: %w", m.version, err))
		}
		p.logger.Info("migration applied", "version", m.version, "description", m.description)
	}
	return nil
}

// BulkInsert implements BarStore.BulkInsert with one batched round trip.
func (p *PostgresStorage) BulkInsert(ctx context.Context, series models.Series, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if err := validateWrite(series, bars); err != nil {
		return 0, NewInsertError(tableBars, err)
	}

	start := time.Now()
	defer p.recordQueryTime("bulk_insert", start)

	query := `
		INSERT INTO bars (instrument, timeframe, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8)
		ON CONFLICT (instrument, timeframe, ts) DO NOTHING`

	batch := &pgx.Batch{}
	for _, bar := range bars {
		batch.Queue(query,
			series.Instrument,
			string(series.Timeframe),
			bar.Timestamp.UTC(),
			bar.Open.String(),
			bar.High.String(),
			bar.Low.String(),
			bar.Close.String(),
			bar.Volume,
		)
	}

	inserted := 0
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range bars {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, NewStorageError("insert", tableBars, query, err)
	}

	p.logger.Debug("stored bars",
		"series", series.String(),
		"received", len(bars),
		"inserted", inserted,
		"duration", time.Since(start))

	return inserted, nil
}

// Query implements BarStore.Query.
func (p *PostgresStorage) Query(ctx context.Context, series models.Series, iv models.Interval) ([]models.Bar, error) {
	start := time.Now()
	defer p.recordQueryTime("query", start)

	query := `
		SELECT ts, open::text, high::text, low::text, close::text, volume
		FROM bars
		WHERE instrument = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC`

	rows, err := p.pool.Query(ctx, query, series.Instrument, string(series.Timeframe), iv.Start.UTC(), iv.End.UTC())
	if err != nil {
		return nil, NewQueryError(tableBars, query, err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var bar models.Bar
		var open, high, low, close string
		if err := rows.Scan(&bar.Timestamp, &open, &high, &low, &close, &bar.Volume); err != nil {
			return nil, NewQueryError(tableBars, query, fmt.Errorf("failed to scan row: %w", err))
		}
		bar.Timestamp = bar.Timestamp.UTC()
		if bar.Open, err = decimal.NewFromString(open); err != nil {
			return nil, NewQueryError(tableBars, query, err)
		}
		if bar.High, err = decimal.NewFromString(high); err != nil {
			return nil, NewQueryError(tableBars, query, err)
		}
		if bar.Low, err = decimal.NewFromString(low); err != nil {
			return nil, NewQueryError(tableBars, query, err)
		}
		if bar.Close, err = decimal.NewFromString(close); err != nil {
			return nil, NewQueryError(tableBars, query, err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(tableBars, query, err)
	}
	return bars, nil
}

// LatestTimestamp implements BarStore.LatestTimestamp.
func (p *PostgresStorage) LatestTimestamp(ctx context.Context, series models.Series) (time.Time, error) {
	query := `SELECT MAX(ts) FROM bars WHERE instrument = $1 AND timeframe = $2`

	var latest *time.Time
	if err := p.pool.QueryRow(ctx, query, series.Instrument, string(series.Timeframe)).Scan(&latest); err != nil {
		return time.Time{}, NewQueryError(tableBars, query, err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

// RecordCovered implements Ledger.RecordCovered.
func (p *PostgresStorage) RecordCovered(ctx context.Context, series models.Series, iv models.Interval) error {
	if err := series.Validate(); err != nil {
		return NewInsertError(tableCovered, err)
	}
	if err := iv.Validate(); err != nil {
		return NewInsertError(tableCovered, err)
	}

	start := time.Now()
	defer p.recordQueryTime("record_covered", start)

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		query := `INSERT INTO covered_intervals (instrument, timeframe, start_time, end_time) VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, query, series.Instrument, string(series.Timeframe), iv.Start.UTC(), iv.End.UTC()); err != nil {
			return NewStorageError("insert", tableCovered, query, err)
		}
		_, err := p.defragmentTx(ctx, tx, series)
		return err
	})
}

// Defragment implements Ledger.Defragment.
func (p *PostgresStorage) Defragment(ctx context.Context, series models.Series) (intervals.MergeResult, error) {
	start := time.Now()
	defer p.recordQueryTime("defragment", start)

	var result intervals.MergeResult
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var err error
		result, err = p.defragmentTx(ctx, tx, series)
		return err
	})
	return result, err
}

func (p *PostgresStorage) defragmentTx(ctx context.Context, tx pgx.Tx, series models.Series) (intervals.MergeResult, error) {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", series.String()); err != nil {
		return intervals.MergeResult{}, NewStorageError("lock", tableCovered, "", err)
	}

	rows, err := listCoveredPgx(ctx, tx, series)
	if err != nil {
		return intervals.MergeResult{}, err
	}

	plan, err := planDefragment(series, rows)
	if err != nil {
		return intervals.MergeResult{}, NewUpdateError(tableCovered, err)
	}

	batch := &pgx.Batch{}
	for _, row := range plan.updates {
		batch.Queue(`UPDATE covered_intervals SET start_time = $1, end_time = $2 WHERE id = $3`,
			row.Start.UTC(), row.End.UTC(), row.ID)
	}
	if len(plan.deletes) > 0 {
		batch.Queue(`DELETE FROM covered_intervals WHERE id = ANY($1)`, plan.deletes)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return intervals.MergeResult{}, NewUpdateError(tableCovered, err)
		}
	}
	return plan.result, nil
}

// ListCovered implements Ledger.ListCovered.
func (p *PostgresStorage) ListCovered(ctx context.Context, series models.Series) ([]models.CoveredInterval, error) {
	return listCoveredPgx(ctx, p.pool, series)
}

// ListSeries implements Ledger.ListSeries.
func (p *PostgresStorage) ListSeries(ctx context.Context) ([]models.Series, error) {
	query := `SELECT DISTINCT instrument, timeframe FROM covered_intervals ORDER BY instrument, timeframe`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, NewQueryError(tableCovered, query, err)
	}
	defer rows.Close()

	var out []models.Series
	for rows.Next() {
		var s models.Series
		var tf string
		if err := rows.Scan(&s.Instrument, &tf); err != nil {
			return nil, NewQueryError(tableCovered, query, err)
		}
		s.Timeframe = models.Timeframe(tf)
		out = append(out, s)
	}
	return out, rows.Err()
}

type pgxQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listCoveredPgx(ctx context.Context, q pgxQueryer, series models.Series) ([]models.CoveredInterval, error) {
	query := `
		SELECT id, start_time, end_time
		FROM covered_intervals
		WHERE instrument = $1 AND timeframe = $2
		ORDER BY start_time ASC, id ASC`

	rows, err := q.Query(ctx, query, series.Instrument, string(series.Timeframe))
	if err != nil {
		return nil, NewQueryError(tableCovered, query, err)
	}
	defer rows.Close()

	var out []models.CoveredInterval
	for rows.Next() {
		row := models.CoveredInterval{Series: series}
		if err := rows.Scan(&row.ID, &row.Start, &row.End); err != nil {
			return nil, NewQueryError(tableCovered, query, err)
		}
		row.Start = row.Start.UTC()
		row.End = row.End.UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(tableCovered, query, err)
	}
	return out, nil
}

// Close implements StorageManager.Close.
func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

// GetStats implements StorageManager.GetStats.
func (p *PostgresStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}

	var earliest, latest *time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT (instrument, timeframe)), MIN(ts), MAX(ts)
		FROM bars`).Scan(&stats.TotalBars, &stats.TotalSeries, &earliest, &latest)
	if err != nil {
		return nil, NewQueryError(tableBars, "", err)
	}
	if earliest != nil {
		stats.EarliestData = earliest.UTC()
	}
	if latest != nil {
		stats.LatestData = latest.UTC()
	}

	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM covered_intervals").Scan(&stats.TotalCovered); err != nil {
		return nil, NewQueryError(tableCovered, "", err)
	}

	p.queryMu.Lock()
	stats.QueryPerformance = averageDurations(p.queryTimes)
	p.queryMu.Unlock()

	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}

	var result int
	if err := p.pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", err)
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", errors.New("unexpected health check result"))
	}
	return nil
}

// PoolStats exposes pgxpool statistics for the metrics collector.
func (p *PostgresStorage) PoolStats() *pgxpool.Stat {
	return p.pool.Stat()
}

func (p *PostgresStorage) recordQueryTime(operation string, start time.Time) {
	p.queryMu.Lock()
	defer p.queryMu.Unlock()
	appendSample(p.queryTimes, operation, time.Since(start))
}

var _ FullStorage = (*PostgresStorage)(nil)
