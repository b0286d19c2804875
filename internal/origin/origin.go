// Package origin fetches historical bars from upstream market-data sources.
//
// Backends implement Fetcher. Results are best effort: an origin may return
// bars outside the requested bounds (duration rounding overshoots), so callers
// pass every result through FilterBounds before persisting it.
package origin

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// MinRequestDuration is the shortest window the broker gateway accepts.
const MinRequestDuration = 30 * time.Second

// Fetcher retrieves historical bars for one instrument, timeframe and window.
type Fetcher interface {
	// Fetch returns bars ordered by timestamp ascending. An empty slice with a
	// nil error means the origin has no data for the window.
	Fetch(ctx context.Context, req Request) ([]models.Bar, error)
}

// HealthChecker is implemented by backends that can probe their upstream.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Request specifies one historical fetch.
type Request struct {
	Instrument models.Instrument `json:"instrument"`
	Timeframe  models.Timeframe  `json:"timeframe"`
	Interval   models.Interval   `json:"interval"`
}

// Validate checks that the request names an instrument, a known timeframe and
// a well-formed window.
func (r Request) Validate() error {
	if r.Instrument.Symbol == "" {
		return &models.ValidationError{Field: "instrument", Message: "instrument symbol cannot be empty"}
	}
	if r.Instrument.Exchange == "" {
		return &models.ValidationError{Field: "exchange", Message: "instrument exchange cannot be empty"}
	}
	if !r.Timeframe.IsValid() {
		return &models.ValidationError{Field: "timeframe", Message: fmt.Sprintf("unsupported timeframe %q", r.Timeframe)}
	}
	return r.Interval.Validate()
}

func (r Request) String() string {
	return fmt.Sprintf("%s/%s %s", r.Instrument.Ticker(), r.Timeframe, r.Interval)
}

// FilterBounds keeps the bars whose timestamp lies in [iv.Start, iv.End].
func FilterBounds(bars []models.Bar, iv models.Interval) []models.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if iv.ContainsTime(b.Timestamp) {
			out = append(out, b)
		}
	}
	return out
}

// RoundToTick rounds v half away from zero to the nearest multiple of tick.
// A non-positive tick leaves v unchanged.
func RoundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}

// Normalizer converts raw origin values into stored bars.
type Normalizer struct {
	// StockVolumeMultiplier scales stock volume reported in lots. Zero means 1.
	StockVolumeMultiplier int64
}

// Bar builds a UTC bar with prices rounded to the instrument tick size.
func (n Normalizer) Bar(inst models.Instrument, ts time.Time, open, high, low, close decimal.Decimal, volume float64) models.Bar {
	tick := inst.TickSize
	vol := int64(math.Round(volume))
	if inst.Type == models.InstrumentTypeStock && n.StockVolumeMultiplier > 1 {
		vol *= n.StockVolumeMultiplier
	}
	return models.Bar{
		Timestamp: ts.UTC(),
		Open:      RoundToTick(open, tick),
		High:      RoundToTick(high, tick),
		Low:       RoundToTick(low, tick),
		Close:     RoundToTick(close, tick),
		Volume:    vol,
	}
}

// BarSize maps a timeframe to the gateway's bar size setting.
func BarSize(tf models.Timeframe) (string, error) {
	switch tf {
	case models.TimeframeM1:
		return "1 min", nil
	case models.TimeframeM5:
		return "5 mins", nil
	case models.TimeframeM15:
		return "15 mins", nil
	case models.TimeframeM30:
		return "30 mins", nil
	case models.TimeframeM60:
		return "1 hour", nil
	case models.TimeframeDay:
		return "1 day", nil
	case models.TimeframeWeek:
		return "1 week", nil
	case models.TimeframeMonth:
		return "1 month", nil
	default:
		return "", fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, tf)
	}
}

// DurationString renders the gateway duration covering iv: seconds below one
// day (at least MinRequestDuration), whole days below one year, whole years above.
func DurationString(iv models.Interval) string {
	d := iv.Duration()
	const day = 24 * time.Hour

	if d < day {
		if d < MinRequestDuration {
			d = MinRequestDuration
		}
		return fmt.Sprintf("%d S", int64(d/time.Second))
	}

	days := int64(math.Ceil(d.Hours() / 24))
	if days < 365 {
		return fmt.Sprintf("%d D", days)
	}
	years := int64(math.Ceil(float64(days) / 365))
	return fmt.Sprintf("%d Y", years)
}
