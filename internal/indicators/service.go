package indicators

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

const (
	day = 24 * time.Hour

	// lookbackDays of daily bars feed the ATR.
	lookbackDays = 30

	// fallbackTTL caches a value when the instrument's session is unknown.
	fallbackTTL = time.Hour
)

// BarSource resolves cached bars for an instrument. *resolver.Resolver
// implements it.
type BarSource interface {
	Resolve(ctx context.Context, inst models.Instrument, tf models.Timeframe, iv models.Interval) ([]models.Bar, error)
}

// InstrumentResolver maps a ticker to instrument metadata.
type InstrumentResolver interface {
	Resolve(ctx context.Context, ticker string) (models.Instrument, error)
}

// SessionProvider returns the nearest trading session of an instrument.
type SessionProvider interface {
	Nearest(ctx context.Context, inst models.Instrument) (models.TradingSession, error)
}

// Indicator is an ATR value and the time it stays valid until.
type Indicator struct {
	Ticker     string          `json:"ticker"`
	Length     int             `json:"length"`
	ATR        decimal.Decimal `json:"atr"`
	ValidUntil time.Time       `json:"valid_until"`
}

type cacheKey struct {
	ticker string
	length int
}

// Service computes indicators and caches them until the session ends.
type Service struct {
	bars        BarSource
	instruments InstrumentResolver
	sessions    SessionProvider
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]Indicator
}

// NewService creates an indicator service.
func NewService(bars BarSource, instruments InstrumentResolver, sessions SessionProvider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bars:        bars,
		instruments: instruments,
		sessions:    sessions,
		logger:      logger,
		now:         time.Now,
		cache:       make(map[cacheKey]Indicator),
	}
}

// ATR returns the average true range of ticker over length daily bars.
//
// Bars come from the 30 days ending at today 00:00 UTC. While the session is
// open today's midnight is excluded as well, so the value only uses complete
// days. The result is cached until the current or next session ends.
func (s *Service) ATR(ctx context.Context, ticker string, length int) (Indicator, error) {
	if length <= 0 {
		return Indicator{}, &models.ValidationError{Field: "length", Message: "must be positive"}
	}

	inst, err := s.instruments.Resolve(ctx, ticker)
	if err != nil {
		return Indicator{}, err
	}

	now := s.now().UTC()
	key := cacheKey{ticker: inst.Ticker(), length: length}

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok && now.Before(cached.ValidUntil) {
		return cached, nil
	}

	session, err := s.sessions.Nearest(ctx, inst)
	if err != nil {
		s.logger.WarnContext(ctx, "session lookup failed, assuming closed",
			"ticker", inst.Ticker(),
			"error", err)
		session = models.TradingSession{}
	}

	to := now.Truncate(day)
	if session.IsOpenAt(now) {
		to = to.Add(-day)
	}
	from := to.Add(-lookbackDays * day)

	bars, err := s.bars.Resolve(ctx, inst, models.TimeframeDay, models.Interval{Start: from, End: to})
	if err != nil {
		return Indicator{}, fmt.Errorf("daily bars for %s: %w", inst.Ticker(), err)
	}

	validUntil := session.End
	if !validUntil.After(now) {
		validUntil = now.Add(fallbackTTL)
	}

	ind := Indicator{
		Ticker:     inst.Ticker(),
		Length:     length,
		ATR:        CalculateATR(bars, length),
		ValidUntil: validUntil,
	}

	s.mu.Lock()
	s.cache[key] = ind
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "atr computed",
		"ticker", ind.Ticker,
		"length", length,
		"bars", len(bars),
		"atr", ind.ATR.String(),
		"valid_until", validUntil)
	return ind, nil
}
