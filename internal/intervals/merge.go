package intervals

import (
	"time"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// Member is an interval tagged with its position in the input slice, so
// callers can map merge results back to persisted rows.
type Member struct {
	Index    int
	Interval models.Interval
}

// MergeResult is the outcome of a merge pass. Survivors hold the (possibly
// widened) intervals that remain; Deleted hold the inputs absorbed into a
// survivor, with their original bounds.
type MergeResult struct {
	Survivors []Member
	Deleted   []Member
}

// Changed reports whether the pass absorbed anything.
func (r MergeResult) Changed() bool {
	return len(r.Deleted) > 0
}

// Intervals returns the survivor intervals in input order.
func (r MergeResult) Intervals() []models.Interval {
	out := make([]models.Interval, len(r.Survivors))
	for i, m := range r.Survivors {
		out[i] = m.Interval
	}
	return out
}

// Widened returns the survivors whose bounds differ from their input.
func (r MergeResult) Widened(input []models.Interval) []Member {
	var out []Member
	for _, m := range r.Survivors {
		if !m.Interval.Start.Equal(input[m.Index].Start) || !m.Interval.End.Equal(input[m.Index].End) {
			out = append(out, m)
		}
	}
	return out
}

// Touches reports whether b starts or ends within one step of a, the
// condition under which two covered intervals are merged.
func Touches(a, b models.Interval, step time.Duration) bool {
	lo := a.Start.Add(-step)
	hi := a.End.Add(step)
	within := func(t time.Time) bool {
		return !t.Before(lo) && !t.After(hi)
	}
	return within(b.Start) || within(b.End)
}

// Merge runs one pairwise pass over in. Each interval A, in input order,
// absorbs every not-yet-deleted interval B that touches it within step; A is
// widened to the union and B is reported as deleted.
func Merge(in []models.Interval, step time.Duration) MergeResult {
	rows := make([]models.Interval, len(in))
	copy(rows, in)
	deleted := make([]bool, len(rows))

	var result MergeResult
	for i := range rows {
		if deleted[i] {
			continue
		}
		for j := range rows {
			if i == j || deleted[j] {
				continue
			}
			if Touches(rows[i], rows[j], step) {
				result.Deleted = append(result.Deleted, Member{Index: j, Interval: in[j]})
				rows[i] = Union(rows[i], rows[j])
				deleted[j] = true
			}
		}
	}

	for i, iv := range rows {
		if !deleted[i] {
			result.Survivors = append(result.Survivors, Member{Index: i, Interval: iv})
		}
	}
	return result
}

// Compact repeats Merge until a pass changes nothing. Member indexes in the
// result refer to positions in in.
func Compact(in []models.Interval, step time.Duration) MergeResult {
	current := make([]Member, len(in))
	for i, iv := range in {
		current[i] = Member{Index: i, Interval: iv}
	}

	var deleted []Member
	for {
		pass := Merge(memberIntervals(current), step)
		for _, d := range pass.Deleted {
			orig := current[d.Index]
			deleted = append(deleted, Member{Index: orig.Index, Interval: in[orig.Index]})
		}

		next := make([]Member, len(pass.Survivors))
		for i, s := range pass.Survivors {
			next[i] = Member{Index: current[s.Index].Index, Interval: s.Interval}
		}
		current = next

		if !pass.Changed() {
			return MergeResult{Survivors: current, Deleted: deleted}
		}
	}
}

func memberIntervals(members []Member) []models.Interval {
	out := make([]models.Interval, len(members))
	for i, m := range members {
		out[i] = m.Interval
	}
	return out
}
