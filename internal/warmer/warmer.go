// Package warmer keeps the bar cache populated ahead of client requests by
// resolving the trailing window of every configured series on a schedule.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
	"github.com/johnayoung/go-ohlcv-gateway/internal/metrics"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

const (
	defaultInterval   = 15 * time.Minute
	defaultLookback   = 72 * time.Hour
	defaultJobTimeout = 5 * time.Minute
)

// BarResolver fills and returns bars of a series. *resolver.Resolver
// implements it.
type BarResolver interface {
	Resolve(ctx context.Context, inst models.Instrument, tf models.Timeframe, iv models.Interval) ([]models.Bar, error)
}

// InstrumentResolver maps a ticker to instrument metadata.
type InstrumentResolver interface {
	Resolve(ctx context.Context, ticker string) (models.Instrument, error)
}

// Job warms one series.
type Job struct {
	ID        string
	Ticker    string
	Timeframe models.Timeframe
}

// Stats summarizes warmer activity.
type Stats struct {
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	LastRun   time.Time `json:"last_run"`
}

// Options configures a Warmer. Zero values select the defaults.
type Options struct {
	Interval          time.Duration
	Lookback          time.Duration
	JobTimeout        time.Duration
	MaxConcurrentJobs int
	// RateLimit caps job starts per minute. Zero is unlimited.
	RateLimit int
	Metrics   metrics.Recorder
	Logger    *slog.Logger
}

// Warmer periodically resolves the trailing lookback window of each
// ticker and timeframe pair.
type Warmer struct {
	bars        BarResolver
	instruments InstrumentResolver
	tickers     []string
	timeframes  []models.Timeframe

	interval   time.Duration
	lookback   time.Duration
	jobTimeout time.Duration
	semaphore  chan struct{}
	limiter    *rate.Limiter
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time

	isRunning int32
	runs      int64
	completed int64
	failed    int64

	statsMu sync.RWMutex
	lastRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a warmer over every combination of tickers and timeframes.
func New(bars BarResolver, instruments InstrumentResolver, tickers []string, timeframes []models.Timeframe, opts Options) *Warmer {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RateLimit))
	}

	return &Warmer{
		bars:        bars,
		instruments: instruments,
		tickers:     append([]string(nil), tickers...),
		timeframes:  append([]models.Timeframe(nil), timeframes...),
		interval:    opts.Interval,
		lookback:    opts.Lookback,
		jobTimeout:  opts.JobTimeout,
		semaphore:   make(chan struct{}, opts.MaxConcurrentJobs),
		limiter:     rate.NewLimiter(limit, 1),
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// NewFromConfig creates a warmer from its configuration section.
func NewFromConfig(cfg config.WarmerConfig, bars BarResolver, instruments InstrumentResolver, rec metrics.Recorder, log *slog.Logger) (*Warmer, error) {
	timeframes := make([]models.Timeframe, 0, len(cfg.Timeframes))
	for _, s := range cfg.Timeframes {
		tf, err := models.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("warmer: %w", err)
		}
		timeframes = append(timeframes, tf)
	}
	if len(timeframes) == 0 {
		timeframes = []models.Timeframe{models.TimeframeDay}
	}

	return New(bars, instruments, cfg.Tickers, timeframes, Options{
		Interval:          config.Duration(cfg.Interval, defaultInterval),
		Lookback:          config.Duration(cfg.Lookback, defaultLookback),
		JobTimeout:        config.Duration(cfg.JobTimeout, defaultJobTimeout),
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		RateLimit:         cfg.RateLimit,
		Metrics:           rec,
		Logger:            log,
	}), nil
}

// Jobs returns one job per ticker and timeframe, each with a fresh ID.
func (w *Warmer) Jobs() []Job {
	jobs := make([]Job, 0, len(w.tickers)*len(w.timeframes))
	for _, ticker := range w.tickers {
		for _, tf := range w.timeframes {
			jobs = append(jobs, Job{ID: uuid.NewString(), Ticker: ticker, Timeframe: tf})
		}
	}
	return jobs
}

// Start runs a warm-up pass immediately and then every interval until ctx
// is canceled or Stop is called.
func (w *Warmer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.isRunning, 0, 1) {
		return fmt.Errorf("warmer is already running")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.logger.InfoContext(ctx, "starting cache warmer",
		"interval", w.interval,
		"lookback", w.lookback,
		"tickers", len(w.tickers),
		"timeframes", len(w.timeframes))

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop cancels the schedule and waits for in-flight jobs, or for ctx.
func (w *Warmer) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.isRunning, 1, 0) {
		return fmt.Errorf("warmer is not running")
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("cache warmer stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("cache warmer stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

func (w *Warmer) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs every job once, at most MaxConcurrentJobs at a time, and
// returns when all started jobs have finished. Jobs not yet started when
// ctx is canceled are skipped.
func (w *Warmer) RunOnce(ctx context.Context) {
	start := w.now()
	atomic.AddInt64(&w.runs, 1)

	var wg sync.WaitGroup
	for _, job := range w.Jobs() {
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		acquired := false
		select {
		case w.semaphore <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if !acquired {
			break
		}

		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-w.semaphore }()
			w.runJob(ctx, job)
		}(job)
	}
	wg.Wait()

	w.statsMu.Lock()
	w.lastRun = start
	w.statsMu.Unlock()

	w.logger.DebugContext(ctx, "warm-up pass finished", "duration", w.now().Sub(start))
}

func (w *Warmer) runJob(ctx context.Context, job Job) {
	ctx = logger.WithJobID(ctx, job.ID)
	ctx = logger.WithTicker(ctx, job.Ticker)
	ctx = logger.WithTimeframe(ctx, string(job.Timeframe))
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	labels := map[string]string{"timeframe": string(job.Timeframe)}
	if err := w.warm(ctx, job); err != nil {
		atomic.AddInt64(&w.failed, 1)
		w.metrics.RecordError(metrics.WarmerJobsFailed, "Warm-up jobs that failed", labels)
		logger.LogError(ctx, w.logger, err, "warm-up job failed")
		return
	}
	atomic.AddInt64(&w.completed, 1)
	w.metrics.RecordCounter(metrics.WarmerJobsCompleted, "Warm-up jobs completed", labels)
}

func (w *Warmer) warm(ctx context.Context, job Job) error {
	inst, err := w.instruments.Resolve(ctx, job.Ticker)
	if err != nil {
		return err
	}

	end := w.now().UTC()
	iv := models.Interval{Start: end.Add(-w.lookback), End: end}
	bars, err := w.bars.Resolve(ctx, inst, job.Timeframe, iv)
	if err != nil {
		return fmt.Errorf("warm %s: %w", inst.Series(job.Timeframe), err)
	}

	w.logger.DebugContext(ctx, "series warmed",
		"series", inst.Series(job.Timeframe).String(),
		"bars", len(bars))
	return nil
}

// Stats returns counters accumulated since the warmer was created.
func (w *Warmer) Stats() Stats {
	w.statsMu.RLock()
	lastRun := w.lastRun
	w.statsMu.RUnlock()

	return Stats{
		Running:   atomic.LoadInt32(&w.isRunning) == 1,
		Runs:      atomic.LoadInt64(&w.runs),
		Completed: atomic.LoadInt64(&w.completed),
		Failed:    atomic.LoadInt64(&w.failed),
		LastRun:   lastRun,
	}
}
