package origin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

const (
	historyEndpoint  = "/history"
	contractEndpoint = "/contract"
	tickleEndpoint   = "/tickle"

	gatewayTimeFormat = "20060102-15:04:05"
	sessionTimeFormat = "20060102:1504"

	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 2
	initialRetryDelay     = 500 * time.Millisecond
	maxRetryDelay         = 10 * time.Second
	healthCheckTimeout    = 5 * time.Second
)

// StatusError is a non-2xx response from the gateway.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.Code, e.Body)
}

// StatusCode exposes the HTTP status for error classification.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// GatewayOptions configures a GatewayFetcher.
type GatewayOptions struct {
	BaseURL          string
	Timeout          time.Duration
	VolumeMultiplier int64
	SkipTLSVerify    bool
	MaxRetries       int
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// GatewayFetcher talks to an HTTP bridge in front of a broker's historical
// data service. It also serves instrument details and trading sessions.
type GatewayFetcher struct {
	httpClient *http.Client
	baseURL    string
	normalizer Normalizer
	maxRetries int
	logger     *slog.Logger
}

// NewGatewayFetcher creates a gateway client.
func NewGatewayFetcher(opts GatewayOptions) (*GatewayFetcher, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("gateway base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.SkipTLSVerify},
			},
		}
	}

	return &GatewayFetcher{
		httpClient: client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		normalizer: Normalizer{StockVolumeMultiplier: opts.VolumeMultiplier},
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}, nil
}

// Fetch implements Fetcher.
func (g *GatewayFetcher) Fetch(ctx context.Context, req Request) ([]models.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	barSize, err := BarSize(req.Timeframe)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	inst := req.Instrument
	params := url.Values{}
	params.Set("symbol", brokerSymbol(inst))
	params.Set("exchange", string(inst.Exchange))
	params.Set("secType", secType(inst))
	params.Set("endDateTime", req.Interval.End.UTC().Format(gatewayTimeFormat))
	params.Set("duration", DurationString(req.Interval))
	params.Set("barSize", barSize)
	params.Set("useRTH", strconv.FormatBool(inst.Type == models.InstrumentTypeStock))

	g.logger.DebugContext(ctx, "requesting historical bars from gateway",
		"ticker", inst.Ticker(),
		"timeframe", req.Timeframe,
		"duration", params.Get("duration"),
		"end", params.Get("endDateTime"))

	body, err := g.doWithRetry(ctx, http.MethodGet, historyEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var resp gatewayHistory
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse history response: %w", err)
	}

	bars := make([]models.Bar, 0, len(resp.Data))
	for _, raw := range resp.Data {
		bar := g.normalizer.Bar(inst, time.UnixMilli(raw.T), raw.O, raw.H, raw.L, raw.C, raw.V)
		if err := bar.Validate(); err != nil {
			g.logger.WarnContext(ctx, "skipping invalid bar from gateway",
				"ticker", inst.Ticker(),
				"timestamp", bar.Timestamp,
				"error", err)
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// LookupInstrument implements instruments.Lookup.
func (g *GatewayFetcher) LookupInstrument(ctx context.Context, exchange models.Exchange, symbol string) (models.Instrument, error) {
	typ, err := models.TypeForExchange(exchange)
	if err != nil {
		return models.Instrument{}, err
	}
	details, err := g.contract(ctx, models.Instrument{Symbol: symbol, Exchange: exchange, Type: typ})
	if err != nil {
		return models.Instrument{}, err
	}

	inst := models.Instrument{
		Symbol:       symbol,
		BrokerSymbol: details.LocalSymbol,
		Exchange:     exchange,
		Type:         typ,
		Description:  details.LongName,
		TickSize:     decimal.RequireFromString("0.01"),
		Multiplier:   decimal.NewFromInt(1),
	}
	if typ == models.InstrumentTypeFuture {
		if details.MinTick.IsPositive() {
			inst.TickSize = details.MinTick
		}
		if m, err := decimal.NewFromString(details.Multiplier); err == nil && m.IsPositive() {
			inst.Multiplier = m
		}
	}
	return inst, nil
}

// NearestSession implements instruments.SessionSource using the contract's
// published hours: liquid hours for stocks, trading hours for futures.
func (g *GatewayFetcher) NearestSession(ctx context.Context, inst models.Instrument, now time.Time) (models.TradingSession, error) {
	details, err := g.contract(ctx, inst)
	if err != nil {
		return models.TradingSession{}, err
	}
	hours := details.TradingHours
	if inst.Type == models.InstrumentTypeStock {
		hours = details.LiquidHours
	}
	return ParseTradingHours(hours, details.TimeZoneID, now)
}

// ParseTradingHours returns the first session in hours that ends after now.
// hours is a ';' separated list of "YYYYMMDD:HHMM-YYYYMMDD:HHMM" entries in
// tz; "YYYYMMDD:CLOSED" entries are skipped. The zero session is returned
// when nothing ends after now.
func ParseTradingHours(hours, tz string, now time.Time) (models.TradingSession, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return models.TradingSession{}, fmt.Errorf("unknown time zone %q: %w", tz, err)
	}

	for _, entry := range strings.Split(hours, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" || strings.Contains(entry, "CLOSED") {
			continue
		}
		openAt, closeAt, ok := strings.Cut(entry, "-")
		if !ok {
			return models.TradingSession{}, fmt.Errorf("malformed session %q", entry)
		}
		start, err := time.ParseInLocation(sessionTimeFormat, openAt, loc)
		if err != nil {
			return models.TradingSession{}, fmt.Errorf("malformed session open %q: %w", openAt, err)
		}
		end, err := time.ParseInLocation(sessionTimeFormat, closeAt, loc)
		if err != nil {
			return models.TradingSession{}, fmt.Errorf("malformed session close %q: %w", closeAt, err)
		}
		if end.After(now) {
			return models.TradingSession{Start: start.UTC(), End: end.UTC()}, nil
		}
	}
	return models.TradingSession{}, nil
}

func (g *GatewayFetcher) contract(ctx context.Context, inst models.Instrument) (*gatewayContract, error) {
	params := url.Values{}
	params.Set("symbol", brokerSymbol(inst))
	params.Set("exchange", string(inst.Exchange))
	params.Set("secType", secType(inst))

	body, err := g.doWithRetry(ctx, http.MethodGet, contractEndpoint+"?"+params.Encode())
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", instruments.ErrNotFound, inst.Ticker())
		}
		return nil, err
	}

	var details gatewayContract
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("failed to parse contract response: %w", err)
	}
	return &details, nil
}

// KeepAlive pings the gateway every interval until ctx is done so the
// brokerage session does not time out.
func (g *GatewayFetcher) KeepAlive(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.tickle(ctx); err != nil && ctx.Err() == nil {
				g.logger.WarnContext(ctx, "gateway keep-alive failed", "error", err)
			}
		}
	}
}

// HealthCheck verifies the gateway answers a keep-alive request.
func (g *GatewayFetcher) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := g.tickle(ctx); err != nil {
		return fmt.Errorf("gateway health check failed: %w", err)
	}
	return nil
}

func (g *GatewayFetcher) tickle(ctx context.Context) error {
	_, err := g.do(ctx, http.MethodPost, tickleEndpoint)
	return err
}

// doWithRetry retries transport failures, 429 and 5xx responses with
// exponential backoff. Other 4xx responses are permanent.
func (g *GatewayFetcher) doWithRetry(ctx context.Context, method, path string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryDelay
	policy.MaxInterval = maxRetryDelay
	policy.MaxElapsedTime = 0

	var body []byte
	operation := func() error {
		b, err := g.do(ctx, method, path)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code < 500 && se.Code != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}

	notify := func(err error, wait time.Duration) {
		g.logger.WarnContext(ctx, "gateway request failed, retrying",
			"path", path,
			"backoff", wait,
			"error", err)
	}

	strategy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.maxRetries)), ctx)
	if err := backoff.RetryNotify(operation, strategy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

func (g *GatewayFetcher) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-ohlcv-gateway/1.0")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func brokerSymbol(inst models.Instrument) string {
	if inst.BrokerSymbol != "" {
		return inst.BrokerSymbol
	}
	return inst.Symbol
}

func secType(inst models.Instrument) string {
	if inst.Type == models.InstrumentTypeFuture {
		return "CONTFUT"
	}
	return "STK"
}

type gatewayHistory struct {
	Symbol string       `json:"symbol"`
	Data   []gatewayBar `json:"data"`
}

type gatewayBar struct {
	T int64           `json:"t"` // epoch milliseconds
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
	V float64         `json:"v"`
}

type gatewayContract struct {
	Symbol       string          `json:"symbol"`
	LocalSymbol  string          `json:"localSymbol"`
	LongName     string          `json:"longName"`
	MinTick      decimal.Decimal `json:"minTick"`
	Multiplier   string          `json:"multiplier"`
	TimeZoneID   string          `json:"timeZoneId"`
	TradingHours string          `json:"tradingHours"`
	LiquidHours  string          `json:"liquidHours"`
}
