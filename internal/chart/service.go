// Package chart adapts the bar resolver to the request and response shapes
// of web charting clients: column-oriented history, symbol metadata,
// datafeed configuration and symbol search.
package chart

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

const (
	StatusOK     = "ok"
	StatusNoData = "no_data"
	StatusError  = "error"

	defaultSearchLimit = 30
	maxPriceScale      = int64(1_000_000_000_000)
)

// supportedResolutions is what clients may request; day and longer use the
// "1D" spelling.
var supportedResolutions = []string{"1", "5", "15", "30", "60", "1D", "1W", "1M"}

// BarSource resolves bar ranges. *resolver.Resolver implements it.
type BarSource interface {
	GetBars(ctx context.Context, ticker string, tf models.Timeframe, from, to int64) ([]models.Bar, error)
}

// LatestSource reports the newest stored bar of a series.
type LatestSource interface {
	LatestTimestamp(ctx context.Context, series models.Series) (time.Time, error)
}

// InstrumentSource resolves and searches instruments. *instruments.Registry
// implements it.
type InstrumentSource interface {
	Resolve(ctx context.Context, ticker string) (models.Instrument, error)
	Search(query string, typ models.InstrumentType, limit int) []models.Instrument
}

// Price is a decimal that encodes as a bare JSON number.
type Price decimal.Decimal

func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(p).String()), nil
}

// History is the column-oriented bar response. When no bars exist S is
// "no_data" and NextTime carries the newest stored bar time so clients can
// page backward.
type History struct {
	S        string  `json:"s"`
	O        []Price `json:"o"`
	H        []Price `json:"h"`
	L        []Price `json:"l"`
	C        []Price `json:"c"`
	V        []int64 `json:"v"`
	T        []int64 `json:"t"`
	NextTime *int64  `json:"nextTime,omitempty"`
}

// SymbolInfo describes an instrument for the client's price axis and
// session shading.
type SymbolInfo struct {
	Name           string `json:"name"`
	Ticker         string `json:"ticker"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	Exchange       string `json:"exchange"`
	ListedExchange string `json:"listed_exchange"`
	Session        string `json:"session"`
	Timezone       string `json:"timezone"`
	CurrencyCode   string `json:"currency_code"`
	HasDaily       bool   `json:"has_daily"`
	HasIntraday    bool   `json:"has_intraday"`
	MinMov         int64  `json:"minmov"`
	PriceScale     int64  `json:"pricescale"`
}

// SearchResult is one symbol search hit.
type SearchResult struct {
	Symbol      string `json:"symbol"`
	FullName    string `json:"full_name"`
	Ticker      string `json:"ticker"`
	Description string `json:"description"`
	Exchange    string `json:"exchange"`
	Type        string `json:"type"`
}

// Config is the datafeed configuration.
type Config struct {
	SupportedResolutions   []string `json:"supported_resolutions"`
	SupportsSearch         bool     `json:"supports_search"`
	SupportsGroupRequest   bool     `json:"supports_group_request"`
	SupportsMarks          bool     `json:"supports_marks"`
	SupportsTimescaleMarks bool     `json:"supports_timescale_marks"`
	SupportsTime           bool     `json:"supports_time"`
}

// Service implements the chart datafeed.
type Service struct {
	bars        BarSource
	latest      LatestSource
	instruments InstrumentSource
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a chart service.
func NewService(bars BarSource, latest LatestSource, instruments InstrumentSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bars:        bars,
		latest:      latest,
		instruments: instruments,
		logger:      logger,
		now:         time.Now,
	}
}

// ParseResolution maps a client resolution to a Timeframe. "1D", "1W" and
// "1M" are accepted alongside "D", "W" and "M".
func ParseResolution(resolution string) (models.Timeframe, error) {
	r := strings.ToUpper(strings.TrimSpace(resolution))
	switch r {
	case "1D", "1W", "1M":
		r = r[1:]
	}
	tf := models.Timeframe(r)
	if !tf.IsValid() {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, resolution)
	}
	return tf, nil
}

// History returns the bars of symbol between from and to (epoch seconds).
func (s *Service) History(ctx context.Context, symbol, resolution string, from, to int64) (History, error) {
	tf, err := ParseResolution(resolution)
	if err != nil {
		return History{}, err
	}

	bars, err := s.bars.GetBars(ctx, symbol, tf, from, to)
	if err != nil {
		return History{}, err
	}

	h := History{
		S: StatusNoData,
		O: make([]Price, 0, len(bars)),
		H: make([]Price, 0, len(bars)),
		L: make([]Price, 0, len(bars)),
		C: make([]Price, 0, len(bars)),
		V: make([]int64, 0, len(bars)),
		T: make([]int64, 0, len(bars)),
	}
	for _, b := range bars {
		h.O = append(h.O, Price(b.Open))
		h.H = append(h.H, Price(b.High))
		h.L = append(h.L, Price(b.Low))
		h.C = append(h.C, Price(b.Close))
		h.V = append(h.V, b.Volume)
		h.T = append(h.T, b.Unix())
	}
	if len(bars) > 0 {
		h.S = StatusOK
		return h, nil
	}

	h.NextTime = s.nextTime(ctx, symbol, tf)
	return h, nil
}

func (s *Service) nextTime(ctx context.Context, symbol string, tf models.Timeframe) *int64 {
	inst, err := s.instruments.Resolve(ctx, symbol)
	if err != nil {
		return nil
	}
	latest, err := s.latest.LatestTimestamp(ctx, inst.Series(tf))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read latest timestamp", "ticker", inst.Ticker(), "error", err)
		return nil
	}
	if latest.IsZero() {
		return nil
	}
	ts := latest.Unix()
	return &ts
}

// SymbolInfo describes ticker.
func (s *Service) SymbolInfo(ctx context.Context, ticker string) (SymbolInfo, error) {
	inst, err := s.instruments.Resolve(ctx, ticker)
	if err != nil {
		return SymbolInfo{}, err
	}
	sched, err := instruments.ScheduleFor(inst.Exchange)
	if err != nil {
		return SymbolInfo{}, err
	}

	minMov, priceScale := PriceFormat(inst.TickSize)
	return SymbolInfo{
		Name:           inst.Ticker(),
		Ticker:         inst.Ticker(),
		Type:           chartType(inst.Type),
		Description:    inst.Description,
		Exchange:       string(inst.Exchange),
		ListedExchange: string(inst.Exchange),
		Session:        sched.Session(),
		Timezone:       sched.Timezone,
		CurrencyCode:   "USD",
		HasDaily:       true,
		HasIntraday:    true,
		MinMov:         minMov,
		PriceScale:     priceScale,
	}, nil
}

// PriceFormat returns the client's minimum movement and price scale for a
// tick size, so that minmov/pricescale == tick.
func PriceFormat(tick decimal.Decimal) (minMov, priceScale int64) {
	if !tick.IsPositive() {
		return 1, 100
	}
	priceScale = 1
	for !tick.Mul(decimal.NewFromInt(priceScale)).IsInteger() && priceScale < maxPriceScale {
		priceScale *= 10
	}
	return tick.Mul(decimal.NewFromInt(priceScale)).IntPart(), priceScale
}

// Config returns the datafeed configuration.
func (s *Service) Config() Config {
	return Config{
		SupportedResolutions: append([]string(nil), supportedResolutions...),
		SupportsSearch:       true,
		SupportsTime:         true,
	}
}

// Search finds instruments matching query. typ is "stock", "futures" or
// empty for both.
func (s *Service) Search(query, typ string, limit int) []SearchResult {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var filter models.InstrumentType
	switch typ {
	case "stock":
		filter = models.InstrumentTypeStock
	case "futures":
		filter = models.InstrumentTypeFuture
	}

	hits := s.instruments.Search(query, filter, limit)
	out := make([]SearchResult, len(hits))
	for i, inst := range hits {
		out[i] = SearchResult{
			Symbol:      inst.Symbol,
			FullName:    inst.Ticker(),
			Ticker:      inst.Ticker(),
			Description: inst.Description,
			Exchange:    string(inst.Exchange),
			Type:        chartType(inst.Type),
		}
	}
	return out
}

// Time returns the server clock in epoch seconds.
func (s *Service) Time() int64 {
	return s.now().Unix()
}

func chartType(t models.InstrumentType) string {
	if t == models.InstrumentTypeFuture {
		return "futures"
	}
	return "stock"
}
