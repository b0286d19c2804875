// Package storage defines the persistence layer of the bar cache: the Bar
// Store holding deduplicated OHLCV bars per series, and the Interval Ledger
// recording which time ranges of each series are known to be complete.
// Backends (DuckDB, PostgreSQL, memory) implement FullStorage so they can be
// swapped through configuration.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-ohlcv-gateway/internal/intervals"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// ErrClosed is returned by operations on a storage backend after Close.
var ErrClosed = errors.New("storage is closed")

// BarStore handles persisted, deduplicated bars keyed by (series, timestamp).
type BarStore interface {
	// BulkInsert stores bars for series. Conflicts are resolved per row: a bar
	// whose timestamp already exists is skipped and the stored payload is
	// kept (first write wins). The rest of the batch is still written.
	//
	// Returns the number of rows actually inserted.
	BulkInsert(ctx context.Context, series models.Series, bars []models.Bar) (int, error)

	// Query returns all bars of series with Start <= timestamp <= End,
	// ordered by timestamp ascending.
	Query(ctx context.Context, series models.Series, iv models.Interval) ([]models.Bar, error)

	// LatestTimestamp returns the newest stored timestamp of series, or the
	// zero time.Time when the series has no bars.
	LatestTimestamp(ctx context.Context, series models.Series) (time.Time, error)
}

// Ledger manages the covered-interval records of each series.
type Ledger interface {
	// RecordCovered inserts a covered interval and defragments the series in
	// the same transaction, so readers never observe the new row without the
	// merge that follows it.
	RecordCovered(ctx context.Context, series models.Series, iv models.Interval) error

	// Defragment merges overlapping or touching (within one step) covered
	// intervals of series until nothing changes. Widened survivors and the
	// deletion of absorbed rows commit atomically.
	Defragment(ctx context.Context, series models.Series) (intervals.MergeResult, error)

	// ListCovered returns the covered intervals of series ordered by start.
	ListCovered(ctx context.Context, series models.Series) ([]models.CoveredInterval, error)

	// ListSeries returns every series that has at least one covered interval.
	ListSeries(ctx context.Context) ([]models.Series, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize prepares the backend: schema, indexes, statistics.
	// Safe to call more than once.
	Initialize(ctx context.Context) error

	// Close releases connections. The instance must not be used afterwards.
	Close() error

	// Migrate applies schema migrations up to version.
	Migrate(ctx context.Context, version int) error

	// GetStats returns data volume and query performance figures.
	GetStats(ctx context.Context) (*StorageStats, error)

	HealthChecker
}

// HealthChecker provides health monitoring capabilities for storage backends.
type HealthChecker interface {
	// HealthCheck performs a lightweight round trip to the backend.
	HealthCheck(ctx context.Context) error
}

// FullStorage combines all storage capabilities into a single interface.
type FullStorage interface {
	BarStore
	Ledger
	StorageManager
}

// StorageStats provides operational metrics about a storage backend.
type StorageStats struct {
	// TotalBars is the number of stored bars across all series
	TotalBars int64 `json:"total_bars"`

	// TotalSeries is the number of distinct series with bars
	TotalSeries int `json:"total_series"`

	// TotalCovered is the number of covered-interval rows
	TotalCovered int64 `json:"total_covered"`

	// EarliestData is the timestamp of the oldest bar
	EarliestData time.Time `json:"earliest_data"`

	// LatestData is the timestamp of the newest bar
	LatestData time.Time `json:"latest_data"`

	// QueryPerformance contains average query times by operation
	QueryPerformance map[string]time.Duration `json:"query_performance"`
}

// StorageError records which operation and table a backend failure came
// from. Query holds the SQL text or a short description and may be empty.
type StorageError struct {
	Operation string
	Table     string
	Query     string
	Err       error
}

func (e *StorageError) Error() string {
	where := e.Operation
	if e.Table != "" {
		where += " " + e.Table
	}
	return fmt.Sprintf("storage: %s: %v", where, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err with its operation context.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Query: query, Err: err}
}

func NewQueryError(table, query string, err error) *StorageError {
	return NewStorageError("query", table, query, err)
}

func NewInsertError(table string, err error) *StorageError {
	return NewStorageError("insert", table, "", err)
}

func NewUpdateError(table string, err error) *StorageError {
	return NewStorageError("update", table, "", err)
}

func NewDeleteError(table string, err error) *StorageError {
	return NewStorageError("delete", table, "", err)
}

const (
	tableBars    = "bars"
	tableCovered = "covered_intervals"
)

// compactPlan is what a backend must write to bring a series' covered rows
// to their merged fixed point.
type compactPlan struct {
	result  intervals.MergeResult
	updates []models.CoveredInterval
	deletes []int64
}

// planDefragment runs the interval merge over rows and maps the outcome
// back to row IDs.
func planDefragment(series models.Series, rows []models.CoveredInterval) (compactPlan, error) {
	step, err := series.StepSize()
	if err != nil {
		return compactPlan{}, err
	}

	input := models.Intervals(rows)
	result := intervals.Compact(input, step)

	plan := compactPlan{result: result}
	for _, m := range result.Widened(input) {
		row := rows[m.Index]
		row.Interval = m.Interval
		plan.updates = append(plan.updates, row)
	}
	for _, d := range result.Deleted {
		plan.deletes = append(plan.deletes, rows[d.Index].ID)
	}
	return plan, nil
}

func validateWrite(series models.Series, bars []models.Bar) error {
	if err := series.Validate(); err != nil {
		return err
	}
	for i, bar := range bars {
		if err := bar.Validate(); err != nil {
			return fmt.Errorf("invalid bar at index %d: %w", i, err)
		}
	}
	return nil
}

func averageDurations(samples map[string][]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(samples))
	for operation, times := range samples {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		out[operation] = total / time.Duration(len(times))
	}
	return out
}

// appendSample keeps only the last 100 measurements per operation.
func appendSample(samples map[string][]time.Duration, operation string, d time.Duration) {
	times := samples[operation]
	if len(times) >= 100 {
		times = times[1:]
	}
	samples[operation] = append(times, d)
}
