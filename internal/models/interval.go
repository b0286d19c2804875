package models

import (
	"fmt"
	"time"
)

// Interval is a time window used for requests, gaps, and fetch chunks.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval normalizes both bounds to UTC.
func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start.UTC(), End: end.UTC()}
}

// IntervalFromUnix builds an interval from epoch seconds.
func IntervalFromUnix(from, to int64) Interval {
	return NewInterval(time.Unix(from, 0), time.Unix(to, 0))
}

// Validate rejects zero bounds and inverted intervals.
func (iv Interval) Validate() error {
	if iv.Start.IsZero() {
		return &ValidationError{Field: "start", Message: "start time cannot be zero"}
	}
	if iv.End.IsZero() {
		return &ValidationError{Field: "end", Message: "end time cannot be zero"}
	}
	if iv.End.Before(iv.Start) {
		return &ValidationError{Field: "end", Message: "end time must not be before start time"}
	}
	return nil
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Widen returns the interval extended by d on both sides.
func (iv Interval) Widen(d time.Duration) Interval {
	return Interval{Start: iv.Start.Add(-d), End: iv.End.Add(d)}
}

// ContainsTime reports whether t lies in [Start, End].
func (iv Interval) ContainsTime(t time.Time) bool {
	return !t.Before(iv.Start) && !t.After(iv.End)
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s]", iv.Start.UTC().Format(time.RFC3339), iv.End.UTC().Format(time.RFC3339))
}

// CoveredInterval is a persisted claim that the bar store is complete for
// Series over Interval.
type CoveredInterval struct {
	ID     int64  `json:"id" db:"id"`
	Series Series `json:"series"`
	Interval
}

// Intervals strips series metadata from covered rows.
func Intervals(covered []CoveredInterval) []Interval {
	out := make([]Interval, len(covered))
	for i, c := range covered {
		out[i] = c.Interval
	}
	return out
}
