// Package resolver serves historical bar ranges from the local cache, filling
// missing ranges from the market-data origin on demand.
//
// For every request the resolver computes the gaps between the requested
// range and the covered intervals of the series, fetches each gap in chunks
// of at most MaxChunkSteps bars, persists what it receives, and answers
// from storage. Fetch failures are logged and the gap is left for a later
// request; only an unknown instrument or a failed final query reach the
// caller.
//
// A bar newer than anything stored, fetched while the instrument's session
// is open, may still be forming. It is returned to the caller but never
// persisted, and its timestamp is kept out of the ledger.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-gateway/internal/errors"
	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/intervals"
	"github.com/johnayoung/go-ohlcv-gateway/internal/lock"
	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
	"github.com/johnayoung/go-ohlcv-gateway/internal/metrics"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
	"github.com/johnayoung/go-ohlcv-gateway/internal/origin"
	"github.com/johnayoung/go-ohlcv-gateway/internal/storage"
)

// DefaultWidenWindow pads chunks that fall outside the trading session, so a
// request landing on a weekend or holiday still reaches the last session.
const DefaultWidenWindow = 24*time.Hour + time.Second

// Store is the storage surface the resolver needs.
type Store interface {
	storage.BarStore
	storage.Ledger
}

// InstrumentResolver maps a ticker to instrument metadata.
type InstrumentResolver interface {
	Resolve(ctx context.Context, ticker string) (models.Instrument, error)
}

// SessionProvider returns the nearest trading session of an instrument.
type SessionProvider interface {
	Nearest(ctx context.Context, inst models.Instrument) (models.TradingSession, error)
}

// Options configures a Resolver. Zero values select the defaults.
type Options struct {
	MaxChunkSteps int
	WidenWindow   time.Duration
	// FillTimeout bounds one gap-fill pass. Zero leaves it unbounded.
	FillTimeout time.Duration
	// Locker serializes fills of the same series. Nil disables locking.
	Locker  lock.Locker
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Resolver implements the read-through bar cache.
type Resolver struct {
	store       Store
	fetcher     origin.Fetcher
	instruments InstrumentResolver
	sessions    SessionProvider

	maxSteps    int
	widen       time.Duration
	fillTimeout time.Duration
	locker      lock.Locker
	metrics     metrics.Recorder
	logger      *slog.Logger
}

// New creates a Resolver.
func New(store Store, fetcher origin.Fetcher, registry InstrumentResolver, sessions SessionProvider, opts Options) *Resolver {
	if opts.MaxChunkSteps <= 0 {
		opts.MaxChunkSteps = intervals.DefaultMaxSteps
	}
	if opts.WidenWindow <= 0 {
		opts.WidenWindow = DefaultWidenWindow
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		store:       store,
		fetcher:     fetcher,
		instruments: registry,
		sessions:    sessions,
		maxSteps:    opts.MaxChunkSteps,
		widen:       opts.WidenWindow,
		fillTimeout: opts.FillTimeout,
		locker:      opts.Locker,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// GetBars returns the bars of ticker at tf with from <= timestamp <= to
// (epoch seconds), oldest first. A live bar, when present, is last.
func (r *Resolver) GetBars(ctx context.Context, ticker string, tf models.Timeframe, from, to int64) ([]models.Bar, error) {
	if !tf.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, string(tf))
	}
	iv := models.IntervalFromUnix(from, to)
	if err := iv.Validate(); err != nil {
		return nil, err
	}

	inst, err := r.instruments.Resolve(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, inst, tf, iv)
}

// Resolve is GetBars for an already resolved instrument.
func (r *Resolver) Resolve(ctx context.Context, inst models.Instrument, tf models.Timeframe, iv models.Interval) ([]models.Bar, error) {
	series := inst.Series(tf)
	if err := series.Validate(); err != nil {
		return nil, err
	}
	if err := iv.Validate(); err != nil {
		return nil, err
	}

	ctx = logger.WithSeries(ctx, series.String())
	labels := map[string]string{"timeframe": string(tf)}
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration(metrics.ResolverGetBarsLatency, time.Since(start), "Time to resolve a bar range", labels)
	}()

	live := r.fill(ctx, inst, series, iv)

	bars, err := r.store.Query(ctx, series, iv)
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", series, iv, err)
	}
	if live != nil {
		bars = append(bars, *live)
	}
	return bars, nil
}

// fill fetches and persists every gap of series inside iv. It runs detached
// from the caller's cancellation so a fill that has started is not lost when
// the client disconnects. The returned bar is the live bar, if any.
func (r *Resolver) fill(ctx context.Context, inst models.Instrument, series models.Series, iv models.Interval) *models.Bar {
	ctx = context.WithoutCancel(ctx)
	if r.fillTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fillTimeout)
		defer cancel()
	}

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, series.String())
		if err != nil {
			r.logger.WarnContext(ctx, "fill lock unavailable, continuing unlocked", "error", err)
		} else {
			defer unlock()
		}
	}

	covered, err := r.store.ListCovered(ctx, series)
	if err != nil {
		logger.LogError(ctx, r.logger, err, "failed to list covered intervals")
		return nil
	}

	step := series.Timeframe.MustStepSize()
	gaps := intervals.MissingIntervals(iv, models.Intervals(covered))
	if len(gaps) == 0 {
		return nil
	}
	labels := map[string]string{"timeframe": string(series.Timeframe)}
	r.metrics.RecordCount(metrics.ResolverGaps, float64(len(gaps)), "Gaps found in requested ranges", labels)

	chunks := intervals.SplitAll(gaps, step, r.maxSteps)
	r.logger.DebugContext(ctx, "filling gaps",
		"requested", iv.String(),
		"gaps", len(gaps),
		"chunks", len(chunks))

	session, err := r.sessions.Nearest(ctx, inst)
	if err != nil {
		r.logger.WarnContext(ctx, "session lookup failed, treating range as closed", "error", err)
		session = models.TradingSession{}
	}

	var live *models.Bar
	for _, chunk := range chunks {
		if bar := r.fillChunk(ctx, inst, series, chunk, session, labels); bar != nil {
			if live == nil || bar.Timestamp.After(live.Timestamp) {
				live = bar
			}
		}
	}
	return live
}

func (r *Resolver) fillChunk(ctx context.Context, inst models.Instrument, series models.Series, chunk models.Interval, session models.TradingSession, labels map[string]string) *models.Bar {
	overlaps := instruments.SessionOverlaps(chunk, session)
	window := chunk
	if !overlaps {
		window = chunk.Widen(r.widen)
	}

	r.metrics.RecordCounter(metrics.ResolverOriginFetches, "Origin fetches issued by the resolver", labels)
	fetched, err := r.fetcher.Fetch(ctx, origin.Request{
		Instrument: inst,
		Timeframe:  series.Timeframe,
		Interval:   window,
	})
	if err != nil {
		r.metrics.RecordError(metrics.ResolverOriginErrors, "Origin fetches that failed", labels)
		logger.LogError(ctx, r.logger, err, "origin fetch failed, gap left open",
			"chunk", chunk.String(),
			"window", window.String(),
			"error_type", apperrors.GetErrorType(err),
			"retryable", apperrors.IsRetryable(err))
		return nil
	}

	bars := origin.FilterBounds(fetched, window)
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	var live *models.Bar
	if overlaps && len(bars) > 0 {
		latest, err := r.store.LatestTimestamp(ctx, series)
		if err != nil {
			logger.LogError(ctx, r.logger, err, "failed to read latest timestamp")
		} else if last := bars[len(bars)-1]; last.Timestamp.After(latest) {
			live = &last
			bars = bars[:len(bars)-1]
		}
	}

	first, last, ok := models.TimeRange(bars)
	if !ok {
		return live
	}

	inserted, err := r.store.BulkInsert(ctx, series, bars)
	if err != nil {
		logger.LogError(ctx, r.logger, err, "failed to store fetched bars", "chunk", chunk.String())
		return live
	}
	r.metrics.RecordCount(metrics.ResolverBarsInserted, float64(inserted), "Bars inserted from the origin", labels)

	covered := models.Interval{Start: first, End: last}
	if err := r.store.RecordCovered(ctx, series, covered); err != nil {
		logger.LogError(ctx, r.logger, err, "failed to record covered interval", "covered", covered.String())
		return live
	}

	r.logger.DebugContext(ctx, "chunk filled",
		"chunk", chunk.String(),
		"fetched", len(fetched),
		"inserted", inserted,
		"covered", covered.String(),
		"live", live != nil)
	return live
}
