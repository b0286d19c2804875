package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-ohlcv-gateway/internal/errors"
	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/lock"
	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
	"github.com/johnayoung/go-ohlcv-gateway/internal/metrics"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
	"github.com/johnayoung/go-ohlcv-gateway/internal/origin"
	"github.com/johnayoung/go-ohlcv-gateway/internal/storage"
)

var (
	monday = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	aapl = models.Instrument{
		Symbol:     "AAPL",
		Exchange:   models.ExchangeNASDAQ,
		Type:       models.InstrumentTypeStock,
		TickSize:   decimal.RequireFromString("0.01"),
		Multiplier: decimal.NewFromInt(1),
	}
	series = aapl.Series(models.TimeframeM1)

	extendedHours = models.TradingSession{Start: at(4, 0), End: at(20, 0)}
)

func at(hour, minute int) time.Time {
	return monday.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func span(from, to time.Time) models.Interval {
	return models.Interval{Start: from, End: to}
}

// gridBars returns one bar per step inside iv, aligned to the step grid.
func gridBars(iv models.Interval, step time.Duration) []models.Bar {
	var bars []models.Bar
	ts := iv.Start.Truncate(step)
	if ts.Before(iv.Start) {
		ts = ts.Add(step)
	}
	for ; !ts.After(iv.End); ts = ts.Add(step) {
		price := decimal.NewFromInt(100)
		bars = append(bars, models.Bar{Timestamp: ts, Open: price, High: price, Low: price, Close: price, Volume: 1})
	}
	return bars
}

type fakeOrigin struct {
	mu        sync.Mutex
	requests  []origin.Request
	fail      func(origin.Request) error
	overshoot bool
	delay     time.Duration
}

func (f *fakeOrigin) Fetch(ctx context.Context, req origin.Request) ([]models.Bar, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.fail
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fail != nil {
		if err := fail(req); err != nil {
			return nil, err
		}
	}

	step := req.Timeframe.MustStepSize()
	iv := req.Interval
	if f.overshoot {
		iv = iv.Widen(step)
	}
	return gridBars(iv, step), nil
}

func (f *fakeOrigin) windows() []models.Interval {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Interval, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Interval
	}
	return out
}

type fixedSessions struct {
	session models.TradingSession
	err     error
	calls   atomic.Int32
}

func (s *fixedSessions) Nearest(ctx context.Context, inst models.Instrument) (models.TradingSession, error) {
	s.calls.Add(1)
	return s.session, s.err
}

type recorder struct {
	metrics.NopRecorder
	mu     sync.Mutex
	values map[string]float64
}

func (r *recorder) add(name string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = make(map[string]float64)
	}
	r.values[name] += delta
}

func (r *recorder) RecordCounter(name, _ string, _ map[string]string) { r.add(name, 1) }
func (r *recorder) RecordCount(name string, delta float64, _ string, _ map[string]string) {
	r.add(name, delta)
}
func (r *recorder) RecordError(name, _ string, _ map[string]string) { r.add(name, 1) }

func (r *recorder) get(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[name]
}

type fixture struct {
	store    *storage.MemoryStorage
	origin   *fakeOrigin
	sessions *fixedSessions
	metrics  *recorder
	resolver *Resolver
}

func newFixture(t *testing.T, session models.TradingSession, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStorage(),
		origin:   &fakeOrigin{},
		sessions: &fixedSessions{session: session},
		metrics:  &recorder{},
	}
	require.NoError(t, f.store.Initialize(context.Background()))

	registry := instruments.NewRegistry([]models.Instrument{aapl}, nil, logger.Discard())
	opts.Metrics = f.metrics
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	f.resolver = New(f.store, f.origin, registry, f.sessions, opts)
	return f
}

func (f *fixture) seed(t *testing.T, iv models.Interval) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.BulkInsert(ctx, series, gridBars(iv, time.Minute))
	require.NoError(t, err)
	require.NoError(t, f.store.RecordCovered(ctx, series, iv))
}

func TestResolveEmptyStore(t *testing.T) {
	f := newFixture(t, models.TradingSession{}, Options{})
	f.origin.overshoot = true
	requested := span(at(9, 0), at(10, 0))

	bars, err := f.resolver.GetBars(context.Background(), "NASDAQ:AAPL", models.TimeframeM1, requested.Start.Unix(), requested.End.Unix())
	require.NoError(t, err)

	windows := f.origin.windows()
	require.Len(t, windows, 1)
	assert.Equal(t, requested.Widen(DefaultWidenWindow), windows[0], "closed session widens the fetch")

	require.Len(t, bars, 61)
	assert.Equal(t, requested.Start, bars[0].Timestamp)
	assert.Equal(t, requested.End, bars[60].Timestamp)

	stored, err := f.store.Query(context.Background(), series, requested.Widen(72*time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, stored)
	assert.False(t, stored[0].Timestamp.Before(windows[0].Start), "out-of-window bars are discarded")
	assert.False(t, stored[len(stored)-1].Timestamp.After(windows[0].End))

	covered, err := f.store.ListCovered(context.Background(), series)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.Equal(t, stored[0].Timestamp, covered[0].Start)
	assert.Equal(t, stored[len(stored)-1].Timestamp, covered[0].End)
}

func TestResolveFullyCovered(t *testing.T) {
	f := newFixture(t, extendedHours, Options{})
	f.seed(t, span(at(9, 0), at(16, 0)))

	bars, err := f.resolver.Resolve(context.Background(), aapl, models.TimeframeM1, span(at(10, 0), at(11, 0)))
	require.NoError(t, err)

	assert.Empty(t, f.origin.windows())
	assert.Zero(t, f.sessions.calls.Load(), "no gaps, no session lookup")
	require.Len(t, bars, 61)
	for i := 1; i < len(bars); i++ {
		assert.True(t, bars[i].Timestamp.After(bars[i-1].Timestamp))
	}
}

func TestResolveMondayScenario(t *testing.T) {
	f := newFixture(t, extendedHours, Options{})
	f.seed(t, span(at(9, 30), at(12, 0)))
	ctx := context.Background()

	bars, err := f.resolver.Resolve(ctx, aapl, models.TimeframeM1, span(at(9, 0), at(13, 0)))
	require.NoError(t, err)

	assert.Equal(t, []models.Interval{
		span(at(9, 0), at(9, 30)),
		span(at(12, 0), at(13, 0)),
	}, f.origin.windows(), "gaps inside the session are fetched unwidened")

	require.Len(t, bars, 241)
	assert.Equal(t, at(9, 0), bars[0].Timestamp)
	assert.Equal(t, at(12, 59), bars[239].Timestamp)
	assert.Equal(t, at(13, 0), bars[240].Timestamp, "live bar is appended last")

	stored, err := f.store.Query(ctx, series, span(at(13, 0), at(13, 0)))
	require.NoError(t, err)
	assert.Empty(t, stored, "live bar is not persisted")

	covered, err := f.store.ListCovered(ctx, series)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.Equal(t, span(at(9, 0), at(12, 59)), covered[0].Interval)

	assert.Equal(t, float64(2), f.metrics.get(metrics.ResolverOriginFetches))
	assert.Equal(t, float64(2), f.metrics.get(metrics.ResolverGaps))
	assert.Equal(t, float64(89), f.metrics.get(metrics.ResolverBarsInserted))
}

func TestResolveLiveBarOnEmptyStore(t *testing.T) {
	f := newFixture(t, extendedHours, Options{})
	ctx := context.Background()

	bars, err := f.resolver.Resolve(ctx, aapl, models.TimeframeM1, span(at(12, 0), at(12, 10)))
	require.NoError(t, err)
	require.Len(t, bars, 11)
	assert.Equal(t, at(12, 10), bars[10].Timestamp, "live bar is appended last")

	stored, err := f.store.Query(ctx, series, span(at(12, 0), at(12, 10)))
	require.NoError(t, err)
	require.Len(t, stored, 10)
	assert.Equal(t, at(12, 9), stored[9].Timestamp)

	live, err := f.store.Query(ctx, series, span(at(12, 10), at(12, 10)))
	require.NoError(t, err)
	assert.Empty(t, live, "forming bar is not persisted")

	covered, err := f.store.ListCovered(ctx, series)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.Equal(t, span(at(12, 0), at(12, 9)), covered[0].Interval, "coverage stops before the live bar")
}

func TestResolveToleratesFetchErrors(t *testing.T) {
	f := newFixture(t, extendedHours, Options{})
	f.seed(t, span(at(9, 30), at(12, 0)))
	f.origin.fail = func(req origin.Request) error {
		if req.Interval.Start.Equal(at(9, 0)) {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	ctx := context.Background()
	requested := span(at(9, 0), at(13, 0))

	bars, err := f.resolver.Resolve(ctx, aapl, models.TimeframeM1, requested)
	require.NoError(t, err)
	require.Len(t, bars, 211)
	assert.Equal(t, at(9, 30), bars[0].Timestamp)
	assert.Equal(t, at(13, 0), bars[210].Timestamp)
	assert.Equal(t, float64(1), f.metrics.get(metrics.ResolverOriginErrors))

	covered, err := f.store.ListCovered(ctx, series)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.Equal(t, at(9, 30), covered[0].Start, "failed gap is not recorded")

	f.origin.mu.Lock()
	f.origin.fail = nil
	f.origin.mu.Unlock()

	bars, err = f.resolver.Resolve(ctx, aapl, models.TimeframeM1, requested)
	require.NoError(t, err)
	windows := f.origin.windows()
	require.Len(t, windows, 4)
	assert.Equal(t, span(at(9, 0), at(9, 30)), windows[2], "gap is retried on the next request")
	require.Len(t, bars, 241)
	assert.Equal(t, at(9, 0), bars[0].Timestamp)
}

func TestResolveLogsFetchErrorClassification(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, models.TradingSession{}, Options{
		Logger: slog.New(slog.NewJSONHandler(&buf, nil)),
	})
	f.origin.fail = func(origin.Request) error {
		return &apperrors.ClassifiedError{
			Err:       errors.New("503 service unavailable"),
			Type:      apperrors.ErrorTypeServerError,
			Retryable: true,
			Component: "origin",
			Operation: "fetch",
		}
	}

	_, err := f.resolver.Resolve(context.Background(), aapl, models.TimeframeM1, span(at(10, 0), at(10, 10)))
	require.NoError(t, err)

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] != "origin fetch failed, gap left open" {
			continue
		}
		found = true
		assert.Equal(t, "ERROR", rec["level"])
		assert.Equal(t, string(apperrors.ErrorTypeServerError), rec["error_type"])
		assert.Equal(t, true, rec["retryable"])
	}
	assert.True(t, found, "fetch failure is logged")
}

func TestResolveSplitsLongGaps(t *testing.T) {
	f := newFixture(t, models.TradingSession{}, Options{})
	requested := span(at(10, 0), at(14, 10))

	_, err := f.resolver.Resolve(context.Background(), aapl, models.TimeframeM1, requested)
	require.NoError(t, err)

	assert.Equal(t, []models.Interval{
		span(at(12, 30), at(14, 10)).Widen(DefaultWidenWindow),
		span(at(10, 50), at(12, 30)).Widen(DefaultWidenWindow),
		span(at(10, 0), at(10, 50)).Widen(DefaultWidenWindow),
	}, f.origin.windows(), "chunks run backward from the end of the gap")
}

func TestResolveSessionLookupFailure(t *testing.T) {
	f := newFixture(t, extendedHours, Options{})
	f.sessions.err = errors.New("gateway unavailable")
	requested := span(at(12, 0), at(12, 10))

	bars, err := f.resolver.Resolve(context.Background(), aapl, models.TimeframeM1, requested)
	require.NoError(t, err)
	assert.Len(t, bars, 11)
	assert.Equal(t, []models.Interval{requested.Widen(DefaultWidenWindow)}, f.origin.windows())
}

func TestGetBarsErrors(t *testing.T) {
	f := newFixture(t, extendedHours, Options{})
	ctx := context.Background()
	from, to := at(9, 0).Unix(), at(10, 0).Unix()

	_, err := f.resolver.GetBars(ctx, "NASDAQ:NOPE", models.TimeframeM1, from, to)
	assert.ErrorIs(t, err, instruments.ErrNotFound)

	_, err = f.resolver.GetBars(ctx, "AAPL", models.TimeframeM1, from, to)
	assert.ErrorIs(t, err, instruments.ErrNotFound)

	_, err = f.resolver.GetBars(ctx, "NASDAQ:AAPL", "2h", from, to)
	assert.ErrorIs(t, err, models.ErrUnknownTimeframe)

	_, err = f.resolver.GetBars(ctx, "NASDAQ:AAPL", models.TimeframeM1, to, from)
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)

	assert.Empty(t, f.origin.windows())
}

func TestResolveFillSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, extendedHours, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	requested := span(at(12, 0), at(12, 10))

	_, err := f.resolver.Resolve(ctx, aapl, models.TimeframeM1, requested)
	assert.ErrorIs(t, err, context.Canceled, "the final query still honors the caller")

	stored, err := f.store.Query(context.Background(), series, requested)
	require.NoError(t, err)
	assert.Len(t, stored, 10, "the fill completed regardless, minus the live bar")
}

func TestResolveLockDeduplicatesFetches(t *testing.T) {
	f := newFixture(t, models.TradingSession{}, Options{Locker: lock.NewLocalLocker()})
	f.origin.delay = 20 * time.Millisecond
	requested := span(at(9, 0), at(10, 0))

	var wg sync.WaitGroup
	for iter := 0; iter < 2; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bars, err := f.resolver.Resolve(context.Background(), aapl, models.TimeframeM1, requested)
			assert.NoError(t, err)
			assert.Len(t, bars, 61)
		}()
	}
	wg.Wait()

	assert.Len(t, f.origin.windows(), 1)
}
