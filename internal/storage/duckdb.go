package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/intervals"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// DuckDBStorage implements FullStorage on an embedded DuckDB database.
// DuckDB allows one writer, so the pool is pinned to a single connection and
// every multi-statement mutation runs in a transaction on it.
type DuckDBStorage struct {
	db         *sql.DB
	dbPath     string
	logger     *slog.Logger
	migrations *MigrationManager
	mu         sync.RWMutex

	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// The dbPath can be ":memory:" for an in-memory database or a file path.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:         db,
		dbPath:     dbPath,
		logger:     logger,
		migrations: NewMigrationManager(db, logger),
		queryTimes: make(map[string][]time.Duration),
	}, nil
}

// Initialize applies every pending schema migration.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{"SET enable_progress_bar = false"} {
		if _, err := db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	if err := d.migrations.MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	return nil
}

// Migrations exposes the migration manager for the CLI.
func (d *DuckDBStorage) Migrations() *MigrationManager {
	return d.migrations
}

// BulkInsert implements BarStore.BulkInsert.
// The appender API aborts the whole batch on a duplicate key, so rows go
// through a prepared INSERT ... ON CONFLICT DO NOTHING instead.
func (d *DuckDBStorage) BulkInsert(ctx context.Context, series models.Series, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if err := validateWrite(series, bars); err != nil {
		return 0, NewInsertError(tableBars, err)
	}

	start := time.Now()
	defer func() {
		d.recordQueryTime("bulk_insert", time.Since(start))
	}()

	db, err := d.conn()
	if err != nil {
		return 0, NewInsertError(tableBars, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError(tableBars, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	query := `
		INSERT INTO bars (instrument, timeframe, timestamp, open, high, low, close, volume)
		VALUES ($1, $2, $3, CAST($4 AS DECIMAL(18,8)), CAST($5 AS DECIMAL(18,8)),
			CAST($6 AS DECIMAL(18,8)), CAST($7 AS DECIMAL(18,8)), $8)
		ON CONFLICT DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, NewStorageError("insert", tableBars, query, err)
	}
	defer stmt.Close()

	inserted := 0
	for _, bar := range bars {
		res, err := stmt.ExecContext(ctx,
			series.Instrument,
			string(series.Timeframe),
			bar.Timestamp.UTC(),
			bar.Open.String(),
			bar.High.String(),
			bar.Low.String(),
			bar.Close.String(),
			bar.Volume,
		)
		if err != nil {
			return 0, NewStorageError("insert", tableBars, query, fmt.Errorf("failed to insert %s: %w", bar, err))
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(tableBars, fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("stored bars",
		"series", series.String(),
		"received", len(bars),
		"inserted", inserted,
		"duration", time.Since(start))

	return inserted, nil
}

// Query implements BarStore.Query.
func (d *DuckDBStorage) Query(ctx context.Context, series models.Series, iv models.Interval) ([]models.Bar, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("query", time.Since(start))
	}()

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(tableBars, "", err)
	}

	query := `
		SELECT timestamp, CAST(open AS VARCHAR), CAST(high AS VARCHAR),
			CAST(low AS VARCHAR), CAST(close AS VARCHAR), volume
		FROM bars
		WHERE instrument = $1 AND timeframe = $2 AND timestamp >= $3 AND timestamp <= $4
		ORDER BY timestamp ASC`

	rows, err := db.QueryContext(ctx, query, series.Instrument, string(series.Timeframe), iv.Start.UTC(), iv.End.UTC())
	if err != nil {
		return nil, NewQueryError(tableBars, query, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var bar models.Bar
		var prices [4]string
		if err := rows.Scan(&bar.Timestamp, &prices[0], &prices[1], &prices[2], &prices[3], &bar.Volume); err != nil {
			return nil, NewQueryError(tableBars, query, fmt.Errorf("failed to scan row: %w", err))
		}
		bar.Timestamp = bar.Timestamp.UTC()
		for i, dst := range []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close} {
			if *dst, err = decimal.NewFromString(prices[i]); err != nil {
				return nil, NewQueryError(tableBars, query, fmt.Errorf("invalid price %q: %w", prices[i], err))
			}
		}
		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError(tableBars, query, fmt.Errorf("row iteration error: %w", err))
	}
	return bars, nil
}

// LatestTimestamp implements BarStore.LatestTimestamp.
func (d *DuckDBStorage) LatestTimestamp(ctx context.Context, series models.Series) (time.Time, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("latest_timestamp", time.Since(start))
	}()

	db, err := d.conn()
	if err != nil {
		return time.Time{}, NewQueryError(tableBars, "", err)
	}

	query := `SELECT MAX(timestamp) FROM bars WHERE instrument = $1 AND timeframe = $2`

	var latest sql.NullTime
	if err := db.QueryRowContext(ctx, query, series.Instrument, string(series.Timeframe)).Scan(&latest); err != nil {
		return time.Time{}, NewQueryError(tableBars, query, err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time.UTC(), nil
}

// RecordCovered implements Ledger.RecordCovered.
func (d *DuckDBStorage) RecordCovered(ctx context.Context, series models.Series, iv models.Interval) error {
	if err := series.Validate(); err != nil {
		return NewInsertError(tableCovered, err)
	}
	if err := iv.Validate(); err != nil {
		return NewInsertError(tableCovered, err)
	}

	start := time.Now()
	defer func() {
		d.recordQueryTime("record_covered", time.Since(start))
	}()

	return d.inTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO covered_intervals (instrument, timeframe, start_time, end_time) VALUES ($1, $2, $3, $4)`
		if _, err := tx.ExecContext(ctx, query, series.Instrument, string(series.Timeframe), iv.Start.UTC(), iv.End.UTC()); err != nil {
			return NewStorageError("insert", tableCovered, query, err)
		}
		_, err := d.defragmentTx(ctx, tx, series)
		return err
	})
}

// Defragment implements Ledger.Defragment.
func (d *DuckDBStorage) Defragment(ctx context.Context, series models.Series) (intervals.MergeResult, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("defragment", time.Since(start))
	}()

	var result intervals.MergeResult
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = d.defragmentTx(ctx, tx, series)
		return err
	})
	return result, err
}

func (d *DuckDBStorage) defragmentTx(ctx context.Context, tx *sql.Tx, series models.Series) (intervals.MergeResult, error) {
	rows, err := listCoveredSQL(ctx, tx, series)
	if err != nil {
		return intervals.MergeResult{}, err
	}

	plan, err := planDefragment(series, rows)
	if err != nil {
		return intervals.MergeResult{}, NewUpdateError(tableCovered, err)
	}

	for _, row := range plan.updates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE covered_intervals SET start_time = $1, end_time = $2 WHERE id = $3`,
			row.Start.UTC(), row.End.UTC(), row.ID); err != nil {
			return intervals.MergeResult{}, NewUpdateError(tableCovered, err)
		}
	}
	for _, id := range plan.deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM covered_intervals WHERE id = $1`, id); err != nil {
			return intervals.MergeResult{}, NewDeleteError(tableCovered, err)
		}
	}

	if plan.result.Changed() {
		d.logger.Debug("defragmented covered intervals",
			"series", series.String(),
			"before", len(rows),
			"after", len(plan.result.Survivors))
	}
	return plan.result, nil
}

// ListCovered implements Ledger.ListCovered.
func (d *DuckDBStorage) ListCovered(ctx context.Context, series models.Series) ([]models.CoveredInterval, error) {
	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(tableCovered, "", err)
	}
	return listCoveredSQL(ctx, db, series)
}

// ListSeries implements Ledger.ListSeries.
func (d *DuckDBStorage) ListSeries(ctx context.Context) ([]models.Series, error) {
	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(tableCovered, "", err)
	}

	query := `SELECT DISTINCT instrument, timeframe FROM covered_intervals ORDER BY instrument, timeframe`
	rows, err := db.QueryContext(ctx, query)
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

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listCoveredSQL(ctx context.Context, q queryer, series models.Series) ([]models.CoveredInterval, error) {
	query := `
		SELECT id, start_time, end_time
		FROM covered_intervals
		WHERE instrument = $1 AND timeframe = $2
		ORDER BY start_time ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, series.Instrument, string(series.Timeframe))
	if err != nil {
		return nil, NewQueryError(tableCovered, query, err)
	}
	defer rows.Close()

	var out []models.CoveredInterval
	for rows.Next() {
		row := models.CoveredInterval{Series: series}
		if err := rows.Scan(&row.ID, &row.Start, &row.End); err != nil {
			return nil, NewQueryError(tableCovered, query, fmt.Errorf("failed to scan row: %w", err))
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

func (d *DuckDBStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("begin", "", "", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return NewStorageError("commit", "", "", err)
	}
	return nil
}

func (d *DuckDBStorage) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db, nil
}

// Close implements StorageManager.Close.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB storage")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

// Migrate implements StorageManager.Migrate.
func (d *DuckDBStorage) Migrate(ctx context.Context, version int) error {
	if _, err := d.conn(); err != nil {
		return err
	}
	if version > d.migrations.LatestVersion() {
		return NewStorageError("migrate", "", "", fmt.Errorf("unknown migration version: %d", version))
	}
	if err := d.migrations.Migrate(ctx, version); err != nil {
		return NewStorageError("migrate", "", "", err)
	}
	return nil
}

// GetStats implements StorageManager.GetStats.
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("get_stats", time.Since(start))
	}()

	db, err := d.conn()
	if err != nil {
		return nil, NewStorageError("stats", "", "", err)
	}

	stats := &StorageStats{}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bars").Scan(&stats.TotalBars); err != nil {
		return nil, NewQueryError(tableBars, "", fmt.Errorf("failed to count bars: %w", err))
	}
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM (SELECT DISTINCT instrument, timeframe FROM bars)").Scan(&stats.TotalSeries); err != nil {
		return nil, NewQueryError(tableBars, "", fmt.Errorf("failed to count series: %w", err))
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM covered_intervals").Scan(&stats.TotalCovered); err != nil {
		return nil, NewQueryError(tableCovered, "", fmt.Errorf("failed to count covered intervals: %w", err))
	}

	if stats.TotalBars > 0 {
		var earliest, latest sql.NullTime
		if err := db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM bars").Scan(&earliest, &latest); err != nil {
			return nil, NewQueryError(tableBars, "", fmt.Errorf("failed to get time range: %w", err))
		}
		stats.EarliestData = earliest.Time.UTC()
		stats.LatestData = latest.Time.UTC()
	}

	d.queryMu.Lock()
	stats.QueryPerformance = averageDurations(d.queryTimes)
	d.queryMu.Unlock()

	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", errors.New("unexpected health check result"))
	}
	return nil
}

func (d *DuckDBStorage) recordQueryTime(operation string, duration time.Duration) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()
	appendSample(d.queryTimes, operation, duration)
}

var (
	_ FullStorage    = (*DuckDBStorage)(nil)
	_ BarStore       = (*DuckDBStorage)(nil)
	_ Ledger         = (*DuckDBStorage)(nil)
	_ StorageManager = (*DuckDBStorage)(nil)
	_ HealthChecker  = (*DuckDBStorage)(nil)
)
