package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-gateway/internal/intervals"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// MemoryStorage provides an in-memory implementation of all storage interfaces.
// It is used by tests and by the "memory" storage type.
type MemoryStorage struct {
	mu sync.RWMutex

	// bars: series -> unix nanos -> bar
	bars map[models.Series]map[int64]models.Bar

	// covered: series -> rows
	covered map[models.Series][]models.CoveredInterval
	nextID  int64

	closed bool

	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bars:       make(map[models.Series]map[int64]models.Bar),
		covered:    make(map[models.Series][]models.CoveredInterval),
		queryTimes: make(map[string][]time.Duration),
	}
}

// BulkInsert implements BarStore.BulkInsert. Existing timestamps are kept.
func (m *MemoryStorage) BulkInsert(ctx context.Context, series models.Series, bars []models.Bar) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewInsertError(tableBars, err)
	}
	if len(bars) == 0 {
		return 0, nil
	}
	if err := validateWrite(series, bars); err != nil {
		return 0, NewInsertError(tableBars, err)
	}

	start := time.Now()
	defer m.trackQueryTime("bulk_insert", start)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewInsertError(tableBars, ErrClosed)
	}

	stored := m.bars[series]
	if stored == nil {
		stored = make(map[int64]models.Bar)
		m.bars[series] = stored
	}

	inserted := 0
	for _, bar := range bars {
		bar.Timestamp = bar.Timestamp.UTC()
		key := bar.Timestamp.UnixNano()
		if _, exists := stored[key]; exists {
			continue
		}
		stored[key] = bar
		inserted++
	}
	return inserted, nil
}

// Query implements BarStore.Query.
func (m *MemoryStorage) Query(ctx context.Context, series models.Series, iv models.Interval) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewQueryError(tableBars, "", err)
	}

	start := time.Now()
	defer m.trackQueryTime("query", start)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(tableBars, "", ErrClosed)
	}

	var out []models.Bar
	for _, bar := range m.bars[series] {
		if iv.ContainsTime(bar.Timestamp) {
			out = append(out, bar)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// LatestTimestamp implements BarStore.LatestTimestamp.
func (m *MemoryStorage) LatestTimestamp(ctx context.Context, series models.Series) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, NewQueryError(tableBars, "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return time.Time{}, NewQueryError(tableBars, "", ErrClosed)
	}

	var latest time.Time
	for _, bar := range m.bars[series] {
		if bar.Timestamp.After(latest) {
			latest = bar.Timestamp
		}
	}
	return latest, nil
}

// RecordCovered implements Ledger.RecordCovered.
func (m *MemoryStorage) RecordCovered(ctx context.Context, series models.Series, iv models.Interval) error {
	if err := ctx.Err(); err != nil {
		return NewInsertError(tableCovered, err)
	}
	if err := series.Validate(); err != nil {
		return NewInsertError(tableCovered, err)
	}
	if err := iv.Validate(); err != nil {
		return NewInsertError(tableCovered, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError(tableCovered, ErrClosed)
	}

	rows := append(m.sortedCovered(series), models.CoveredInterval{
		ID:       m.allocateID(),
		Series:   series,
		Interval: models.NewInterval(iv.Start, iv.End),
	})

	// Mutations are applied to a copy and swapped in at the end, so a failed
	// merge leaves the previous rows untouched.
	next, _, err := compactRows(series, rows)
	if err != nil {
		return NewUpdateError(tableCovered, err)
	}
	m.covered[series] = next
	return nil
}

// Defragment implements Ledger.Defragment.
func (m *MemoryStorage) Defragment(ctx context.Context, series models.Series) (intervals.MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return intervals.MergeResult{}, NewUpdateError(tableCovered, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return intervals.MergeResult{}, NewUpdateError(tableCovered, ErrClosed)
	}

	next, result, err := compactRows(series, m.sortedCovered(series))
	if err != nil {
		return intervals.MergeResult{}, NewUpdateError(tableCovered, err)
	}
	m.covered[series] = next
	return result, nil
}

func compactRows(series models.Series, rows []models.CoveredInterval) ([]models.CoveredInterval, intervals.MergeResult, error) {
	plan, err := planDefragment(series, rows)
	if err != nil {
		return nil, intervals.MergeResult{}, err
	}

	byID := make(map[int64]models.CoveredInterval, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	for _, row := range plan.updates {
		byID[row.ID] = row
	}
	for _, id := range plan.deletes {
		delete(byID, id)
	}

	next := make([]models.CoveredInterval, 0, len(byID))
	for _, row := range byID {
		next = append(next, row)
	}
	sortCovered(next)
	return next, plan.result, nil
}

// ListCovered implements Ledger.ListCovered.
func (m *MemoryStorage) ListCovered(ctx context.Context, series models.Series) ([]models.CoveredInterval, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewQueryError(tableCovered, "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(tableCovered, "", ErrClosed)
	}
	return m.sortedCovered(series), nil
}

// ListSeries implements Ledger.ListSeries.
func (m *MemoryStorage) ListSeries(ctx context.Context) ([]models.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Series
	for s, rows := range m.covered {
		if len(rows) > 0 {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out, nil
}

// sortedCovered returns a sorted copy of the rows of series. Caller holds mu.
func (m *MemoryStorage) sortedCovered(series models.Series) []models.CoveredInterval {
	rows := make([]models.CoveredInterval, len(m.covered[series]))
	copy(rows, m.covered[series])
	sortCovered(rows)
	return rows
}

func sortCovered(rows []models.CoveredInterval) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Start.Equal(rows[j].Start) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].Start.Before(rows[j].Start)
	})
}

func (m *MemoryStorage) allocateID() int64 {
	m.nextID++
	return m.nextID
}

// Initialize implements StorageManager.Initialize.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", "", ErrClosed)
	}
	return nil
}

// Close implements StorageManager.Close.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.bars = nil
	m.covered = nil
	return nil
}

// Migrate is a no-op; the in-memory layout has no schema.
func (m *MemoryStorage) Migrate(ctx context.Context, version int) error {
	if version < 0 {
		return NewStorageError("migrate", "", "", fmt.Errorf("invalid migration version: %d", version))
	}
	return nil
}

// GetStats implements StorageManager.GetStats.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("stats", "", "", ErrClosed)
	}

	m.queryMu.Lock()
	stats := &StorageStats{QueryPerformance: averageDurations(m.queryTimes)}
	m.queryMu.Unlock()

	for _, bars := range m.bars {
		if len(bars) == 0 {
			continue
		}
		stats.TotalSeries++
		for _, bar := range bars {
			stats.TotalBars++
			if stats.EarliestData.IsZero() || bar.Timestamp.Before(stats.EarliestData) {
				stats.EarliestData = bar.Timestamp
			}
			if bar.Timestamp.After(stats.LatestData) {
				stats.LatestData = bar.Timestamp
			}
		}
	}
	for _, rows := range m.covered {
		stats.TotalCovered += int64(len(rows))
	}
	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("health_check", "", "", ErrClosed)
	}
	return nil
}

func (m *MemoryStorage) trackQueryTime(operation string, start time.Time) {
	m.queryMu.Lock()
	defer m.queryMu.Unlock()
	appendSample(m.queryTimes, operation, time.Since(start))
}

var _ FullStorage = (*MemoryStorage)(nil)
