package origin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/go-ohlcv-gateway/internal/errors"
	"github.com/johnayoung/go-ohlcv-gateway/internal/metrics"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// Guard wraps a Fetcher with request validation, a rate limiter, a circuit
// breaker and classified retries. Bars outside the requested window are
// dropped before they are returned.
type Guard struct {
	next       Fetcher
	name       string
	limiter    *rate.Limiter
	classifier *apperrors.ErrorClassifier
	breaker    *apperrors.CircuitBreaker
	metrics    metrics.Recorder
	logger     *slog.Logger
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	// Name is the component used for retry policies and the breaker.
	Name string
	// RequestsPerMinute of zero disables rate limiting.
	RequestsPerMinute int
	Burst             int
	Classifier        *apperrors.ErrorClassifier
	Metrics           metrics.Recorder
	Logger            *slog.Logger
}

// NewGuard wraps next.
func NewGuard(next Fetcher, opts GuardOptions) *Guard {
	if opts.Name == "" {
		opts.Name = "origin"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopRecorder{}
	}

	g := &Guard{
		next:       next,
		name:       opts.Name,
		classifier: opts.Classifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if opts.RequestsPerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), burst)
	}
	if opts.Classifier != nil {
		g.breaker = opts.Classifier.Breaker(opts.Name)
	}
	return g
}

// Fetch implements Fetcher.
func (g *Guard) Fetch(ctx context.Context, req Request) ([]models.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	var bars []models.Bar
	attempt := func(ctx context.Context) error {
		if err := g.wait(ctx); err != nil {
			return err
		}
		call := func() error {
			var err error
			bars, err = g.next.Fetch(ctx, req)
			return err
		}
		if g.breaker != nil {
			return g.breaker.Call(call)
		}
		return call()
	}

	var err error
	if g.classifier != nil {
		err = g.classifier.Retry(ctx, g.name, "fetch", attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return nil, err
	}

	filtered := FilterBounds(bars, req.Interval)
	if dropped := len(bars) - len(filtered); dropped > 0 {
		g.logger.DebugContext(ctx, "dropped out-of-bounds bars",
			"request", req.String(),
			"dropped", dropped)
	}
	return filtered, nil
}

func (g *Guard) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if g.limiter.Allow() {
		return nil
	}
	g.metrics.RecordCounter(metrics.OriginRateLimited, "Origin requests delayed by the rate limiter", nil)
	return g.limiter.Wait(ctx)
}

// HealthCheck delegates to the wrapped fetcher when it supports probing.
func (g *Guard) HealthCheck(ctx context.Context) error {
	if hc, ok := g.next.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// BreakerState reports the circuit state, or closed when no breaker is wired.
func (g *Guard) BreakerState() apperrors.CircuitState {
	if g.breaker == nil {
		return apperrors.CircuitClosed
	}
	return g.breaker.GetState()
}
