// Package instruments resolves tickers to instrument metadata and tracks the
// nearest trading session of each instrument.
//
// A ticker has the form "EXCHANGE:SYMBOL". Instruments come from a configured
// catalog first and, when a remote Lookup is wired, from the market-data origin.
// Remote results are cached for the life of the process.
package instruments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

var (
	// ErrNotFound is returned when a ticker does not name a known instrument.
	ErrNotFound = errors.New("instrument not found")

	// ErrInvalidTicker is returned for tickers that are not "EXCHANGE:SYMBOL".
	ErrInvalidTicker = errors.New("invalid ticker")
)

// Lookup fetches instrument metadata from an external source.
type Lookup interface {
	LookupInstrument(ctx context.Context, exchange models.Exchange, symbol string) (models.Instrument, error)
}

// ParseTicker splits "EXCHANGE:SYMBOL" and validates the exchange.
func ParseTicker(ticker string) (models.Exchange, string, error) {
	parts := strings.Split(strings.TrimSpace(ticker), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w %q: expected EXCHANGE:SYMBOL", ErrInvalidTicker, ticker)
	}

	exchange, err := models.ParseExchange(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("%w %q: %v", ErrInvalidTicker, ticker, err)
	}
	return exchange, strings.ToUpper(parts[1]), nil
}

// Registry resolves tickers against the catalog and an optional remote lookup.
type Registry struct {
	lookup Lookup
	logger *slog.Logger

	mu      sync.RWMutex
	catalog map[string]models.Instrument
	order   []string
}

// NewRegistry creates a registry seeded with catalog. lookup may be nil.
func NewRegistry(catalog []models.Instrument, lookup Lookup, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		lookup:  lookup,
		logger:  logger,
		catalog: make(map[string]models.Instrument, len(catalog)),
	}
	for _, inst := range catalog {
		r.add(inst)
	}
	return r
}

func (r *Registry) add(inst models.Instrument) {
	ticker := inst.Ticker()
	if _, exists := r.catalog[ticker]; !exists {
		r.order = append(r.order, ticker)
	}
	r.catalog[ticker] = inst
}

// Resolve returns the instrument for ticker. Unknown tickers return an error
// wrapping ErrNotFound; malformed tickers wrap both ErrNotFound and ErrInvalidTicker.
func (r *Registry) Resolve(ctx context.Context, ticker string) (models.Instrument, error) {
	exchange, symbol, err := ParseTicker(ticker)
	if err != nil {
		return models.Instrument{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	key := string(exchange) + ":" + symbol

	r.mu.RLock()
	inst, ok := r.catalog[key]
	r.mu.RUnlock()
	if ok {
		return inst, nil
	}

	if r.lookup == nil {
		return models.Instrument{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	inst, err = r.lookup.LookupInstrument(ctx, exchange, symbol)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Instrument{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return models.Instrument{}, fmt.Errorf("instrument lookup for %s failed: %w", key, err)
	}

	r.logger.InfoContext(ctx, "instrument resolved remotely",
		"ticker", key,
		"type", inst.Type,
		"tick_size", inst.TickSize.String())

	r.mu.Lock()
	r.add(inst)
	r.mu.Unlock()
	return inst, nil
}

// List returns every known instrument in registration order.
func (r *Registry) List() []models.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Instrument, 0, len(r.order))
	for _, ticker := range r.order {
		out = append(out, r.catalog[ticker])
	}
	return out
}

// Search matches query case-insensitively against ticker, symbol and
// description, optionally restricted to one instrument type. Exact symbol
// matches sort first. limit <= 0 means no limit.
func (r *Registry) Search(query string, typ models.InstrumentType, limit int) []models.Instrument {
	q := strings.ToUpper(strings.TrimSpace(query))

	type hit struct {
		inst  models.Instrument
		exact bool
		pos   int
	}
	var hits []hit

	for i, inst := range r.List() {
		if typ != "" && inst.Type != typ {
			continue
		}
		if q != "" &&
			!strings.Contains(inst.Ticker(), q) &&
			!strings.Contains(strings.ToUpper(inst.Description), q) {
			continue
		}
		hits = append(hits, hit{inst: inst, exact: inst.Symbol == q, pos: i})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].exact != hits[j].exact {
			return hits[i].exact
		}
		return hits[i].pos < hits[j].pos
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.Instrument, len(hits))
	for i, h := range hits {
		out[i] = h.inst
	}
	return out
}

// CatalogFromConfig builds instruments from configuration entries.
func CatalogFromConfig(entries []config.InstrumentConfig) ([]models.Instrument, error) {
	out := make([]models.Instrument, 0, len(entries))
	for _, e := range entries {
		exchange, symbol, err := ParseTicker(e.Ticker)
		if err != nil {
			return nil, err
		}
		typ, err := models.TypeForExchange(exchange)
		if err != nil {
			return nil, err
		}

		tick, err := decimal.NewFromString(e.TickSize)
		if err != nil || !tick.IsPositive() {
			return nil, fmt.Errorf("instrument %s: invalid tick size %q", e.Ticker, e.TickSize)
		}

		multiplier := decimal.NewFromInt(e.Multiplier)
		if e.Multiplier <= 0 {
			multiplier = decimal.NewFromInt(1)
		}

		out = append(out, models.Instrument{
			Symbol:       symbol,
			BrokerSymbol: e.BrokerSymbol,
			Exchange:     exchange,
			Type:         typ,
			Description:  e.Description,
			TickSize:     tick,
			Multiplier:   multiplier,
		})
	}
	return out, nil
}
