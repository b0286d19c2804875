package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Timeframe identifies the bar width of a series. The string values are the
// resolution codes used by charting clients.
type Timeframe string

const (
	TimeframeM1    Timeframe = "1"
	TimeframeM5    Timeframe = "5"
	TimeframeM15   Timeframe = "15"
	TimeframeM30   Timeframe = "30"
	TimeframeM60   Timeframe = "60"
	TimeframeDay   Timeframe = "D"
	TimeframeWeek  Timeframe = "W"
	TimeframeMonth Timeframe = "M"
)

// ErrUnknownTimeframe is returned for values outside the closed Timeframe set.
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// stepSizes is the single source of truth for bar widths. A month is
// approximated as 30 days, so month-series splitting and merge tolerance
// do not follow calendar months.
var stepSizes = map[Timeframe]time.Duration{
	TimeframeM1:    time.Minute,
	TimeframeM5:    5 * time.Minute,
	TimeframeM15:   15 * time.Minute,
	TimeframeM30:   30 * time.Minute,
	TimeframeM60:   time.Hour,
	TimeframeDay:   24 * time.Hour,
	TimeframeWeek:  7 * 24 * time.Hour,
	TimeframeMonth: 30 * 24 * time.Hour,
}

// AllTimeframes lists every supported timeframe from finest to coarsest.
func AllTimeframes() []Timeframe {
	return []Timeframe{
		TimeframeM1, TimeframeM5, TimeframeM15, TimeframeM30,
		TimeframeM60, TimeframeDay, TimeframeWeek, TimeframeMonth,
	}
}

// StepSize returns the wall-clock width of one bar.
func (tf Timeframe) StepSize() (time.Duration, error) {
	step, ok := stepSizes[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeframe, string(tf))
	}
	return step, nil
}

// MustStepSize is StepSize for callers that already validated the timeframe.
func (tf Timeframe) MustStepSize() time.Duration {
	step, err := tf.StepSize()
	if err != nil {
		panic(err)
	}
	return step
}

// IsValid reports whether tf belongs to the supported set.
func (tf Timeframe) IsValid() bool {
	_, ok := stepSizes[tf]
	return ok
}

// IsIntraday reports whether bars are shorter than a day.
func (tf Timeframe) IsIntraday() bool {
	step, ok := stepSizes[tf]
	return ok && step < 24*time.Hour
}

func (tf Timeframe) String() string {
	return string(tf)
}

// ParseTimeframe accepts resolution codes ("1", "D") and the common
// aliases used on the command line ("1m", "1h", "1D", "1d").
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.TrimSpace(s) {
	case "1", "1m", "1min":
		return TimeframeM1, nil
	case "5", "5m", "5min":
		return TimeframeM5, nil
	case "15", "15m", "15min":
		return TimeframeM15, nil
	case "30", "30m", "30min":
		return TimeframeM30, nil
	case "60", "60m", "1h":
		return TimeframeM60, nil
	case "D", "1D", "1d", "d":
		return TimeframeDay, nil
	case "W", "1W", "1w", "w":
		return TimeframeWeek, nil
	case "M", "1M", "month":
		return TimeframeMonth, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
}
