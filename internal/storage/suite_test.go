package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// Monday 2024-01-08 09:30 America/New_York.
var sessionOpen = time.Date(2024, 1, 8, 14, 30, 0, 0, time.UTC)

var testSeries = models.NewSeries("NASDAQ:AAPL", models.TimeframeM1)

func minute(n int) time.Time {
	return sessionOpen.Add(time.Duration(n) * time.Minute)
}

func span(from, to int) models.Interval {
	return models.Interval{Start: minute(from), End: minute(to)}
}

// createTestBars generates count one-minute bars starting at minute from.
func createTestBars(from, count int) []models.Bar {
	bars := make([]models.Bar, count)
	for i := 0; i < count; i++ {
		open := decimal.NewFromFloat(185.25).Add(decimal.NewFromInt(int64(i)))
		bars[i] = models.Bar{
			Timestamp: minute(from + i),
			Open:      open,
			High:      open.Add(decimal.NewFromFloat(0.75)),
			Low:       open.Sub(decimal.NewFromFloat(0.5)),
			Close:     open.Add(decimal.NewFromFloat(0.25)),
			Volume:    int64(1000 + i*10),
		}
	}
	return bars
}

func assertBarsEqual(t *testing.T, want, got []models.Bar) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp), "bar %d timestamp: want %s got %s", i, want[i].Timestamp, got[i].Timestamp)
		assert.True(t, want[i].Open.Equal(got[i].Open), "bar %d open: want %s got %s", i, want[i].Open, got[i].Open)
		assert.True(t, want[i].High.Equal(got[i].High), "bar %d high", i)
		assert.True(t, want[i].Low.Equal(got[i].Low), "bar %d low", i)
		assert.True(t, want[i].Close.Equal(got[i].Close), "bar %d close", i)
		assert.Equal(t, want[i].Volume, got[i].Volume, "bar %d volume", i)
	}
}

func coveredIntervals(t *testing.T, s FullStorage, series models.Series) []models.Interval {
	t.Helper()
	rows, err := s.ListCovered(context.Background(), series)
	require.NoError(t, err)
	out := make([]models.Interval, len(rows))
	for i, r := range rows {
		require.Equal(t, series, r.Series)
		out[i] = models.Interval{Start: r.Start, End: r.End}
	}
	return out
}

// runBackendSuite exercises the BarStore and Ledger contracts against any
// backend. newStorage must return an initialized, empty storage.
func runBackendSuite(t *testing.T, newStorage func(t *testing.T) FullStorage) {
	ctx := context.Background()

	t.Run("bulk_insert_and_query_ascending", func(t *testing.T) {
		s := newStorage(t)
		bars := createTestBars(0, 10)

		reversed := make([]models.Bar, len(bars))
		for i := range bars {
			reversed[len(bars)-1-i] = bars[i]
		}

		n, err := s.BulkInsert(ctx, testSeries, reversed)
		require.NoError(t, err)
		assert.Equal(t, 10, n)

		got, err := s.Query(ctx, testSeries, span(0, 9))
		require.NoError(t, err)
		assertBarsEqual(t, bars, got)
	})

	t.Run("prices_keep_fixed_point_precision", func(t *testing.T) {
		s := newStorage(t)
		bars := createTestBars(0, 2)
		bars[0].Open = decimal.RequireFromString("12345678.12345678")
		bars[0].High = decimal.RequireFromString("12345678.99999999")
		bars[0].Low = decimal.RequireFromString("0.00000001")
		bars[1].Close = decimal.RequireFromString("0.1")

		_, err := s.BulkInsert(ctx, testSeries, bars)
		require.NoError(t, err)

		got, err := s.Query(ctx, testSeries, span(0, 1))
		require.NoError(t, err)
		assertBarsEqual(t, bars, got)
		assert.Equal(t, "12345678.12345678", got[0].Open.String())
		assert.Equal(t, "0.00000001", got[0].Low.String())
	})

	t.Run("query_bounds_are_inclusive", func(t *testing.T) {
		s := newStorage(t)
		bars := createTestBars(0, 10)
		_, err := s.BulkInsert(ctx, testSeries, bars)
		require.NoError(t, err)

		got, err := s.Query(ctx, testSeries, span(2, 5))
		require.NoError(t, err)
		assertBarsEqual(t, bars[2:6], got)

		got, err = s.Query(ctx, testSeries, span(20, 30))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("duplicate_insert_first_write_wins", func(t *testing.T) {
		s := newStorage(t)
		first := createTestBars(0, 3)
		_, err := s.BulkInsert(ctx, testSeries, first)
		require.NoError(t, err)

		changed := createTestBars(0, 5)
		changed[1].Close = changed[1].High
		changed[1].Volume = 99999

		_, err = s.BulkInsert(ctx, testSeries, changed)
		require.NoError(t, err, "a duplicate row must not abort the batch")

		got, err := s.Query(ctx, testSeries, span(0, 10))
		require.NoError(t, err)
		require.Len(t, got, 5)
		assertBarsEqual(t, first, got[:3])
		assertBarsEqual(t, changed[3:], got[3:])
	})

	t.Run("series_are_isolated", func(t *testing.T) {
		s := newStorage(t)
		other := models.NewSeries("NASDAQ:AAPL", models.TimeframeM5)
		_, err := s.BulkInsert(ctx, testSeries, createTestBars(0, 3))
		require.NoError(t, err)

		got, err := s.Query(ctx, other, span(0, 10))
		require.NoError(t, err)
		assert.Empty(t, got)

		latest, err := s.LatestTimestamp(ctx, other)
		require.NoError(t, err)
		assert.True(t, latest.IsZero())
	})

	t.Run("latest_timestamp", func(t *testing.T) {
		s := newStorage(t)
		latest, err := s.LatestTimestamp(ctx, testSeries)
		require.NoError(t, err)
		assert.True(t, latest.IsZero(), "empty series reports the zero time")

		_, err = s.BulkInsert(ctx, testSeries, createTestBars(5, 3))
		require.NoError(t, err)

		latest, err = s.LatestTimestamp(ctx, testSeries)
		require.NoError(t, err)
		assert.True(t, minute(7).Equal(latest))
	})

	t.Run("invalid_bar_rejected", func(t *testing.T) {
		s := newStorage(t)
		bars := createTestBars(0, 2)
		bars[1].Volume = -1

		_, err := s.BulkInsert(ctx, testSeries, bars)
		require.Error(t, err)
		var storageErr *StorageError
		assert.ErrorAs(t, err, &storageErr)
	})

	t.Run("record_covered_merges_adjacent_chunks", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(100, 199)))
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(0, 99)))
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(300, 350)))

		assert.Equal(t, []models.Interval{span(0, 199), span(300, 350)}, coveredIntervals(t, s, testSeries))

		require.NoError(t, s.RecordCovered(ctx, testSeries, span(150, 320)))
		assert.Equal(t, []models.Interval{span(0, 350)}, coveredIntervals(t, s, testSeries))
	})

	t.Run("record_covered_keeps_separated_intervals", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(0, 10)))
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(12, 20)))

		assert.Equal(t, []models.Interval{span(0, 10), span(12, 20)}, coveredIntervals(t, s, testSeries))
	})

	t.Run("record_covered_rejects_inverted_interval", func(t *testing.T) {
		s := newStorage(t)
		err := s.RecordCovered(ctx, testSeries, span(10, 0))
		require.Error(t, err)
		assert.Empty(t, coveredIntervals(t, s, testSeries))
	})

	t.Run("defragment_is_a_fixed_point", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(0, 50)))
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(60, 70)))

		result, err := s.Defragment(ctx, testSeries)
		require.NoError(t, err)
		assert.False(t, result.Changed())
		assert.Len(t, result.Survivors, 2)
		assert.Equal(t, []models.Interval{span(0, 50), span(60, 70)}, coveredIntervals(t, s, testSeries))
	})

	t.Run("list_series", func(t *testing.T) {
		s := newStorage(t)
		daily := models.NewSeries("NYSE:IBM", models.TimeframeDay)
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(0, 10)))
		require.NoError(t, s.RecordCovered(ctx, daily, span(0, 10)))

		got, err := s.ListSeries(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []models.Series{testSeries, daily}, got)
	})

	t.Run("concurrent_record_covered_converges", func(t *testing.T) {
		s := newStorage(t)

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.RecordCovered(ctx, testSeries, span(i*10, i*10+9))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		_, err := s.Defragment(ctx, testSeries)
		require.NoError(t, err)
		assert.Equal(t, []models.Interval{span(0, 99)}, coveredIntervals(t, s, testSeries))
	})

	t.Run("stats_and_health", func(t *testing.T) {
		s := newStorage(t)
		_, err := s.BulkInsert(ctx, testSeries, createTestBars(0, 4))
		require.NoError(t, err)
		require.NoError(t, s.RecordCovered(ctx, testSeries, span(0, 3)))

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.TotalBars)
		assert.Equal(t, 1, stats.TotalSeries)
		assert.Equal(t, int64(1), stats.TotalCovered)
		assert.True(t, minute(0).Equal(stats.EarliestData))
		assert.True(t, minute(3).Equal(stats.LatestData))

		assert.NoError(t, s.HealthCheck(ctx))
	})
}
