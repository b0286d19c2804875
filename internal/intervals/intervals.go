// Package intervals implements the pure interval arithmetic behind the bar
// cache: gap computation against covered intervals, chunking of fetch
// windows, overlap predicates, and merging of covered intervals.
//
// All intervals are closed, [Start, End]. Nothing in this package performs
// I/O.
package intervals

import (
	"sort"
	"time"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// DefaultMaxSteps is the upstream page-size limit used when chunking gaps.
const DefaultMaxSteps = 100

// MissingIntervals returns the ordered sub-intervals of requested that are
// not covered by any interval in covered.
//
// covered is copied and sorted by start before the cursor walk, so the input
// order never affects the result.
func MissingIntervals(requested models.Interval, covered []models.Interval) []models.Interval {
	sorted := make([]models.Interval, len(covered))
	copy(sorted, covered)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var gaps []models.Interval
	cursor := requested.Start
	for _, c := range sorted {
		if !Overlaps(requested, c) {
			continue
		}
		if c.Start.After(cursor) {
			gaps = append(gaps, models.Interval{Start: cursor, End: c.Start})
		}
		if c.End.After(cursor) {
			cursor = c.End
		}
	}

	if cursor.Before(requested.End) {
		gaps = append(gaps, models.Interval{Start: cursor, End: requested.End})
	}
	return gaps
}

// Split breaks iv into contiguous chunks that each span at most
// maxSteps*step. Chunks are produced backward from iv.End, so the most recent
// chunk comes first and the earliest one is clipped to iv.Start.
//
// A non-positive step or maxSteps returns iv unsplit.
func Split(iv models.Interval, step time.Duration, maxSteps int) []models.Interval {
	if step <= 0 || maxSteps <= 0 || !iv.Start.Before(iv.End) {
		return []models.Interval{iv}
	}

	span := time.Duration(maxSteps) * step
	var chunks []models.Interval
	end := iv.End
	for {
		start := end.Add(-span)
		if start.Before(iv.Start) {
			start = iv.Start
		}
		chunks = append(chunks, models.Interval{Start: start, End: end})
		if !start.After(iv.Start) {
			return chunks
		}
		end = start
	}
}

// SplitAll splits every gap, keeping the gaps in their input order.
func SplitAll(gaps []models.Interval, step time.Duration, maxSteps int) []models.Interval {
	var chunks []models.Interval
	for _, g := range gaps {
		chunks = append(chunks, Split(g, step, maxSteps)...)
	}
	return chunks
}

// Overlaps reports whether the closed intervals a and b share at least one
// instant.
func Overlaps(a, b models.Interval) bool {
	return !a.Start.After(b.End) && !b.Start.After(a.End)
}

// Contains reports whether b lies entirely inside a.
func Contains(a, b models.Interval) bool {
	return !b.Start.Before(a.Start) && !b.End.After(a.End)
}

// Union returns the smallest interval spanning both a and b.
func Union(a, b models.Interval) models.Interval {
	out := a
	if b.Start.Before(out.Start) {
		out.Start = b.Start
	}
	if b.End.After(out.End) {
		out.End = b.End
	}
	return out
}
