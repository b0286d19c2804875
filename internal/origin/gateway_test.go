package origin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

func newTestGateway(t *testing.T, handler http.Handler, maxRetries int) *GatewayFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGatewayFetcher(GatewayOptions{
		BaseURL:          srv.URL + "/v1/api",
		Timeout:          5 * time.Second,
		VolumeMultiplier: 100,
		MaxRetries:       maxRetries,
		Logger:           logger.Discard(),
	})
	require.NoError(t, err)
	return g
}

func historyPayload(from time.Time, count int) map[string]any {
	data := make([]map[string]any, count)
	for i := range data {
		data[i] = map[string]any{
			"t": from.Add(time.Duration(i) * time.Minute).UnixMilli(),
			"o": 185.004,
			"h": 185.5,
			"l": 184.75,
			"c": 185.25,
			"v": 12,
		}
	}
	return map[string]any{"symbol": "AAPL", "data": data}
}

func TestGatewayFetch(t *testing.T) {
	var query atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/history", func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(historyPayload(sessionOpen, 3))
	})
	g := newTestGateway(t, mux, 0)

	req := Request{
		Instrument: aapl,
		Timeframe:  models.TimeframeM1,
		Interval:   models.Interval{Start: sessionOpen, End: sessionOpen.Add(2 * time.Minute)},
	}
	bars, err := g.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, bars, 3)

	assert.True(t, bars[0].Timestamp.Equal(sessionOpen))
	assert.True(t, bars[0].Open.Equal(d("185")))
	assert.Equal(t, int64(1200), bars[0].Volume)

	q := query.Load().(url.Values)
	assert.Equal(t, "AAPL", q["symbol"][0])
	assert.Equal(t, "NASDAQ", q["exchange"][0])
	assert.Equal(t, "STK", q["secType"][0])
	assert.Equal(t, "120 S", q["duration"][0])
	assert.Equal(t, "1 min", q["barSize"][0])
	assert.Equal(t, "20240108-14:32:00", q["endDateTime"][0])
	assert.Equal(t, "true", q["useRTH"][0])
}

func TestGatewayFetchFutureUsesBrokerSymbol(t *testing.T) {
	var secType, symbol atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/history", func(w http.ResponseWriter, r *http.Request) {
		secType.Store(r.URL.Query().Get("secType"))
		symbol.Store(r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"data":[]}`)
	})
	g := newTestGateway(t, mux, 0)

	inst := es
	inst.BrokerSymbol = "MES"
	bars, err := g.Fetch(context.Background(), Request{
		Instrument: inst,
		Timeframe:  models.TimeframeDay,
		Interval:   models.Interval{Start: sessionOpen.AddDate(0, 0, -10), End: sessionOpen},
	})
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Equal(t, "CONTFUT", secType.Load())
	assert.Equal(t, "MES", symbol.Load())
}

func TestGatewayRetries(t *testing.T) {
	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/api/history", func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				http.Error(w, "backend busy", http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(historyPayload(sessionOpen, 1))
		})
		g := newTestGateway(t, mux, 3)

		bars, err := g.Fetch(context.Background(), Request{
			Instrument: aapl,
			Timeframe:  models.TimeframeM1,
			Interval:   models.Interval{Start: sessionOpen, End: sessionOpen.Add(time.Minute)},
		})
		require.NoError(t, err)
		assert.Len(t, bars, 1)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		var calls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/api/history", func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "no market data permissions", http.StatusBadRequest)
		})
		g := newTestGateway(t, mux, 3)

		_, err := g.Fetch(context.Background(), Request{
			Instrument: aapl,
			Timeframe:  models.TimeframeM1,
			Interval:   models.Interval{Start: sessionOpen, End: sessionOpen.Add(time.Minute)},
		})
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadRequest, se.StatusCode())
		assert.Contains(t, se.Body, "permissions")
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestGatewayLookupInstrument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/contract", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "ES":
			assert.Equal(t, "CONTFUT", r.URL.Query().Get("secType"))
			fmt.Fprint(w, `{"symbol":"ES","localSymbol":"ESH4","longName":"E-mini S&P 500","minTick":0.25,"multiplier":"50","timeZoneId":"US/Central"}`)
		case "IBM":
			fmt.Fprint(w, `{"symbol":"IBM","longName":"International Business Machines","minTick":0.005,"multiplier":"","timeZoneId":"US/Eastern"}`)
		default:
			http.Error(w, "no contract", http.StatusNotFound)
		}
	})
	g := newTestGateway(t, mux, 0)
	ctx := context.Background()

	fut, err := g.LookupInstrument(ctx, models.ExchangeGLOBEX, "ES")
	require.NoError(t, err)
	assert.Equal(t, models.InstrumentTypeFuture, fut.Type)
	assert.Equal(t, "ESH4", fut.BrokerSymbol)
	assert.True(t, fut.TickSize.Equal(d("0.25")))
	assert.True(t, fut.Multiplier.Equal(d("50")))

	stk, err := g.LookupInstrument(ctx, models.ExchangeNYSE, "IBM")
	require.NoError(t, err)
	assert.Equal(t, models.InstrumentTypeStock, stk.Type)
	assert.True(t, stk.TickSize.Equal(d("0.01")), "stocks trade in cents")
	assert.True(t, stk.Multiplier.Equal(d("1")))
	assert.Equal(t, "International Business Machines", stk.Description)

	_, err = g.LookupInstrument(ctx, models.ExchangeNYSE, "NOPE")
	assert.ErrorIs(t, err, instruments.ErrNotFound)
}

func TestGatewayNearestSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/contract", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"symbol":"AAPL",
			"timeZoneId":"America/New_York",
			"liquidHours":"20240106:CLOSED;20240108:0930-20240108:1600;20240109:0930-20240109:1600",
			"tradingHours":"20240108:0400-20240108:2000"
		}`)
	})
	g := newTestGateway(t, mux, 0)

	session, err := g.NearestSession(context.Background(), aapl, sessionOpen.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, sessionOpen, session.Start)
	assert.Equal(t, time.Date(2024, 1, 8, 21, 0, 0, 0, time.UTC), session.End)

	var src instruments.SessionSource = g
	session, err = src.NearestSession(context.Background(), aapl, time.Date(2024, 1, 8, 21, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 9, 14, 30, 0, 0, time.UTC), session.Start)
}

func TestParseTradingHours(t *testing.T) {
	now := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)

	s, err := ParseTradingHours("20240107:1700-20240108:1600", "America/Chicago", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 7, 23, 0, 0, 0, time.UTC), s.Start)
	assert.Equal(t, time.Date(2024, 1, 8, 22, 0, 0, 0, time.UTC), s.End)

	s, err = ParseTradingHours("20240105:0930-20240105:1600", "America/New_York", now)
	require.NoError(t, err)
	assert.True(t, s.Start.IsZero() && s.End.IsZero())

	_, err = ParseTradingHours("20240108:0930", "America/New_York", now)
	assert.Error(t, err)
	_, err = ParseTradingHours("", "Mars/Olympus", now)
	assert.Error(t, err)
}

func TestGatewayKeepAliveAndHealth(t *testing.T) {
	var tickles atomic.Int32
	healthy := atomic.Bool{}
	healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/tickle", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		tickles.Add(1)
		if !healthy.Load() {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"session":"ok"}`)
	})
	g := newTestGateway(t, mux, 0)

	require.NoError(t, g.HealthCheck(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.KeepAlive(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return tickles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	healthy.Store(false)
	assert.Error(t, g.HealthCheck(context.Background()))
}

func TestNewGatewayFetcherRequiresURL(t *testing.T) {
	_, err := NewGatewayFetcher(GatewayOptions{})
	assert.Error(t, err)
}
