package origin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	polygon "github.com/polygon-io/client-go/rest"
	pmodels "github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

const polygonMaxLimit = 50000

var polygonExchanges = map[string]models.Exchange{
	"XNAS": models.ExchangeNASDAQ,
	"XNYS": models.ExchangeNYSE,
}

// PolygonFetcher serves US stock aggregates from Polygon.io. Futures are not
// available from this origin.
type PolygonFetcher struct {
	client     *polygon.Client
	normalizer Normalizer
	logger     *slog.Logger
}

// NewPolygonFetcher creates a Polygon origin. httpClient may be nil.
func NewPolygonFetcher(apiKey string, httpClient *http.Client, logger *slog.Logger) *PolygonFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	var client *polygon.Client
	if httpClient != nil {
		client = polygon.NewWithClient(apiKey, httpClient)
	} else {
		client = polygon.New(apiKey)
	}
	return &PolygonFetcher{
		client:     client,
		normalizer: Normalizer{StockVolumeMultiplier: 1},
		logger:     logger,
	}
}

// Fetch implements Fetcher using the aggregates endpoint.
func (p *PolygonFetcher) Fetch(ctx context.Context, req Request) ([]models.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.Instrument.Type != models.InstrumentTypeStock {
		return nil, backoff.Permanent(fmt.Errorf("polygon origin does not serve %s", req.Instrument.Ticker()))
	}
	multiplier, timespan, err := polygonTimespan(req.Timeframe)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	params := pmodels.ListAggsParams{
		Ticker:     brokerSymbol(req.Instrument),
		Multiplier: multiplier,
		Timespan:   timespan,
		From:       pmodels.Millis(req.Interval.Start),
		To:         pmodels.Millis(req.Interval.End),
	}

	iter := p.client.ListAggs(ctx, params.WithAdjusted(true).WithOrder(pmodels.Asc).WithLimit(polygonMaxLimit))

	var bars []models.Bar
	for iter.Next() {
		agg := iter.Item()
		bar := p.normalizer.Bar(req.Instrument,
			time.Time(agg.Timestamp),
			decimal.NewFromFloat(agg.Open),
			decimal.NewFromFloat(agg.High),
			decimal.NewFromFloat(agg.Low),
			decimal.NewFromFloat(agg.Close),
			agg.Volume)
		if err := bar.Validate(); err != nil {
			p.logger.WarnContext(ctx, "skipping invalid aggregate",
				"ticker", req.Instrument.Ticker(),
				"timestamp", bar.Timestamp,
				"error", err)
			continue
		}
		bars = append(bars, bar)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("polygon aggregates for %s: %w", req.Instrument.Ticker(), err)
	}
	return bars, nil
}

// LookupInstrument implements instruments.Lookup from ticker details.
func (p *PolygonFetcher) LookupInstrument(ctx context.Context, exchange models.Exchange, symbol string) (models.Instrument, error) {
	ticker := string(exchange) + ":" + symbol
	if exchange != models.ExchangeNASDAQ && exchange != models.ExchangeNYSE {
		return models.Instrument{}, fmt.Errorf("%w: %s", instruments.ErrNotFound, ticker)
	}

	res, err := p.client.GetTickerDetails(ctx, &pmodels.GetTickerDetailsParams{Ticker: symbol})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return models.Instrument{}, fmt.Errorf("%w: %s", instruments.ErrNotFound, ticker)
		}
		return models.Instrument{}, fmt.Errorf("polygon ticker details for %s: %w", ticker, err)
	}

	if listed, ok := polygonExchanges[res.Results.PrimaryExchange]; !ok || listed != exchange {
		return models.Instrument{}, fmt.Errorf("%w: %s is listed on %s", instruments.ErrNotFound, ticker, res.Results.PrimaryExchange)
	}

	return models.Instrument{
		Symbol:      symbol,
		Exchange:    exchange,
		Type:        models.InstrumentTypeStock,
		Description: res.Results.Name,
		TickSize:    decimal.RequireFromString("0.01"),
		Multiplier:  decimal.NewFromInt(1),
	}, nil
}

func polygonTimespan(tf models.Timeframe) (int, pmodels.Timespan, error) {
	switch tf {
	case models.TimeframeM1:
		return 1, pmodels.Minute, nil
	case models.TimeframeM5:
		return 5, pmodels.Minute, nil
	case models.TimeframeM15:
		return 15, pmodels.Minute, nil
	case models.TimeframeM30:
		return 30, pmodels.Minute, nil
	case models.TimeframeM60:
		return 1, pmodels.Hour, nil
	case models.TimeframeDay:
		return 1, pmodels.Day, nil
	case models.TimeframeWeek:
		return 1, pmodels.Week, nil
	case models.TimeframeMonth:
		return 1, pmodels.Month, nil
	default:
		return 0, "", fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, tf)
	}
}
