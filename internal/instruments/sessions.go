package instruments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// SessionSource provides the nearest trading session of an instrument.
type SessionSource interface {
	NearestSession(ctx context.Context, inst models.Instrument, now time.Time) (models.TradingSession, error)
}

// Sessions caches the nearest session per instrument and refreshes it from
// the source once it has ended.
type Sessions struct {
	source SessionSource
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]models.TradingSession
}

// NewSessions creates a session cache over source.
func NewSessions(source SessionSource, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		source: source,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]models.TradingSession),
	}
}

// Nearest returns the cached session of inst, refreshing it when now >= End.
func (s *Sessions) Nearest(ctx context.Context, inst models.Instrument) (models.TradingSession, error) {
	now := s.now()
	key := inst.Ticker()

	s.mu.Lock()
	session, ok := s.cache[key]
	s.mu.Unlock()
	if ok && !session.IsStaleAt(now) {
		return session, nil
	}

	session, err := s.source.NearestSession(ctx, inst, now)
	if err != nil {
		return models.TradingSession{}, fmt.Errorf("nearest session for %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "trading session refreshed",
		"ticker", key,
		"start", session.Start,
		"end", session.End)

	s.mu.Lock()
	s.cache[key] = session
	s.mu.Unlock()
	return session, nil
}

// OverlapsOpenSession reports whether iv overlaps the nearest session of inst.
func (s *Sessions) OverlapsOpenSession(ctx context.Context, inst models.Instrument, iv models.Interval) (bool, error) {
	session, err := s.Nearest(ctx, inst)
	if err != nil {
		return false, err
	}
	return SessionOverlaps(iv, session), nil
}

// IsOpen reports whether the nearest session of inst is in progress.
func (s *Sessions) IsOpen(ctx context.Context, inst models.Instrument) (bool, error) {
	session, err := s.Nearest(ctx, inst)
	if err != nil {
		return false, err
	}
	return session.IsOpenAt(s.now()), nil
}

// SessionOverlaps is true when iv lies inside the session (end exclusive),
// or either session bound falls strictly inside iv.
func SessionOverlaps(iv models.Interval, session models.TradingSession) bool {
	if session.Start.IsZero() && session.End.IsZero() {
		return false
	}
	inside := !iv.Start.Before(session.Start) && iv.End.Before(session.End)
	opensWithin := iv.Start.Before(session.Start) && session.Start.Before(iv.End)
	closesWithin := iv.Start.Before(session.End) && session.End.Before(iv.End)
	return inside || opensWithin || closesWithin
}
