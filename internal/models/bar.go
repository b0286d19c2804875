// Package models provides the value types shared by the bar cache: series
// identity, bars, covered intervals, instruments, and trading sessions.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Series identifies one bar stream: an instrument ticker ("EXCHANGE:SYMBOL")
// and a timeframe.
type Series struct {
	Instrument string    `json:"instrument" db:"instrument"`
	Timeframe  Timeframe `json:"timeframe" db:"timeframe"`
}

// NewSeries builds a Series key.
func NewSeries(instrument string, tf Timeframe) Series {
	return Series{Instrument: instrument, Timeframe: tf}
}

// Validate checks that the series key is usable for storage lookups.
func (s Series) Validate() error {
	if s.Instrument == "" {
		return &ValidationError{Field: "instrument", Message: "instrument cannot be empty"}
	}
	if !s.Timeframe.IsValid() {
		return &ValidationError{Field: "timeframe", Message: fmt.Sprintf("unsupported timeframe %q", string(s.Timeframe))}
	}
	return nil
}

// StepSize returns the bar width of the series timeframe.
func (s Series) StepSize() (time.Duration, error) {
	return s.Timeframe.StepSize()
}

func (s Series) String() string {
	return s.Instrument + "@" + string(s.Timeframe)
}

// Bar is one OHLCV record. Bars are never mutated after creation; the
// (series, timestamp) pair is unique in storage.
type Bar struct {
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    int64           `json:"volume" db:"volume"`
}

// ValidationError represents a validation failure on a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks OHLC consistency: high >= max(open, close),
// low <= min(open, close), volume >= 0 and a non-zero timestamp.
func (b Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if b.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if b.High.LessThan(b.Low) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%s) is below low (%s)", b.High, b.Low),
		}
	}

	maxOpenClose := decimal.Max(b.Open, b.Close)
	if b.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%s) must be greater than or equal to max(open, close) (%s)", b.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(b.Open, b.Close)
	if b.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%s) must be less than or equal to min(open, close) (%s)", b.Low, minOpenClose),
		}
	}

	return nil
}

// Unix returns the bar timestamp in epoch seconds.
func (b Bar) Unix() int64 {
	return b.Timestamp.Unix()
}

func (b Bar) String() string {
	return fmt.Sprintf("Bar{%s O:%s H:%s L:%s C:%s V:%d}",
		b.Timestamp.UTC().Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// TimeRange returns the earliest and latest timestamps of bars. ok is false
// for an empty slice.
func TimeRange(bars []Bar) (first, last time.Time, ok bool) {
	if len(bars) == 0 {
		return time.Time{}, time.Time{}, false
	}
	first, last = bars[0].Timestamp, bars[0].Timestamp
	for _, b := range bars[1:] {
		if b.Timestamp.Before(first) {
			first = b.Timestamp
		}
		if b.Timestamp.After(last) {
			last = b.Timestamp
		}
	}
	return first, last, true
}
