package intervals

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// Monday 2024-01-08 00:00 UTC.
var base = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func iv(from, to int) models.Interval {
	return models.Interval{Start: at(from), End: at(to)}
}

func TestMissingIntervals(t *testing.T) {
	tests := []struct {
		name      string
		requested models.Interval
		covered   []models.Interval
		want      []models.Interval
	}{
		{
			name:      "no_coverage_returns_whole_request",
			requested: iv(0, 60),
			want:      []models.Interval{iv(0, 60)},
		},
		{
			name:      "fully_covered",
			requested: iv(10, 50),
			covered:   []models.Interval{iv(0, 60)},
		},
		{
			name:      "monday_session_scenario",
			requested: iv(9*60, 13*60),
			covered:   []models.Interval{iv(9*60+30, 12*60)},
			want:      []models.Interval{iv(9*60, 9*60+30), iv(12*60, 13*60)},
		},
		{
			name:      "unsorted_coverage",
			requested: iv(0, 100),
			covered:   []models.Interval{iv(60, 70), iv(10, 20)},
			want:      []models.Interval{iv(0, 10), iv(20, 60), iv(70, 100)},
		},
		{
			name:      "overlapping_coverage",
			requested: iv(0, 100),
			covered:   []models.Interval{iv(10, 40), iv(30, 50), iv(35, 45)},
			want:      []models.Interval{iv(0, 10), iv(50, 100)},
		},
		{
			name:      "coverage_outside_request_ignored",
			requested: iv(100, 200),
			covered:   []models.Interval{iv(0, 50), iv(250, 300)},
			want:      []models.Interval{iv(100, 200)},
		},
		{
			name:      "coverage_straddles_start",
			requested: iv(100, 200),
			covered:   []models.Interval{iv(50, 150)},
			want:      []models.Interval{iv(150, 200)},
		},
		{
			name:      "coverage_straddles_end",
			requested: iv(100, 200),
			covered:   []models.Interval{iv(150, 250)},
			want:      []models.Interval{iv(100, 150)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MissingIntervals(tt.requested, tt.covered)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMissingIntervals_DoesNotReorderInput(t *testing.T) {
	covered := []models.Interval{iv(60, 70), iv(10, 20)}
	MissingIntervals(iv(0, 100), covered)
	assert.Equal(t, iv(60, 70), covered[0])
}

func TestMissingIntervals_UnionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	requested := iv(0, 600)

	for round := 0; round < 200; round++ {
		var covered []models.Interval
		for n := rng.Intn(7); n > 0; n-- {
			start := rng.Intn(720) - 60
			covered = append(covered, iv(start, start+rng.Intn(120)))
		}

		gaps := MissingIntervals(requested, covered)

		for i, g := range gaps {
			require.True(t, Contains(requested, g), "gap %s escapes request", g)
			require.False(t, g.End.Before(g.Start))
			if i > 0 {
				require.False(t, g.Start.Before(gaps[i-1].End), "gaps %s and %s overlap", gaps[i-1], g)
			}
		}

		for m := 0; m <= 600; m++ {
			ts := at(m)
			inGap := false
			strictlyInGap := false
			for _, g := range gaps {
				if g.ContainsTime(ts) {
					inGap = true
				}
				if ts.After(g.Start) && ts.Before(g.End) {
					strictlyInGap = true
				}
			}
			inCovered := false
			strictlyInCovered := false
			for _, c := range covered {
				if c.ContainsTime(ts) {
					inCovered = true
				}
				if ts.After(c.Start) && ts.Before(c.End) {
					strictlyInCovered = true
				}
			}
			require.True(t, inGap || inCovered, "round %d: minute %d neither gap nor covered", round, m)
			require.False(t, strictlyInGap && strictlyInCovered, "round %d: minute %d both gap and covered", round, m)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		interval models.Interval
		step     time.Duration
		maxSteps int
		want     []models.Interval
	}{
		{
			name:     "backward_from_end",
			interval: iv(0, 250),
			step:     time.Minute,
			maxSteps: 100,
			want:     []models.Interval{iv(150, 250), iv(50, 150), iv(0, 50)},
		},
		{
			name:     "exact_multiple",
			interval: iv(0, 200),
			step:     time.Minute,
			maxSteps: 100,
			want:     []models.Interval{iv(100, 200), iv(0, 100)},
		},
		{
			name:     "shorter_than_one_chunk",
			interval: iv(0, 30),
			step:     5 * time.Minute,
			maxSteps: 100,
			want:     []models.Interval{iv(0, 30)},
		},
		{
			name:     "zero_length",
			interval: iv(10, 10),
			step:     time.Minute,
			maxSteps: 100,
			want:     []models.Interval{iv(10, 10)},
		},
		{
			name:     "non_positive_limits",
			interval: iv(0, 1000),
			step:     time.Minute,
			maxSteps: 0,
			want:     []models.Interval{iv(0, 1000)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.interval, tt.step, tt.maxSteps))
		})
	}
}

func TestSplit_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	steps := []time.Duration{time.Minute, 5 * time.Minute, time.Hour, 24 * time.Hour}

	for round := 0; round < 100; round++ {
		step := steps[rng.Intn(len(steps))]
		n := 1 + rng.Intn(120)
		start := base.Add(time.Duration(rng.Intn(10000)) * time.Second)
		in := models.Interval{Start: start, End: start.Add(time.Duration(rng.Int63n(int64(500 * step))))}

		chunks := Split(in, step, n)
		require.NotEmpty(t, chunks)
		assert.Equal(t, in.End, chunks[0].End)
		assert.Equal(t, in.Start, chunks[len(chunks)-1].Start)
		for i, c := range chunks {
			assert.LessOrEqual(t, c.Duration(), time.Duration(n)*step)
			if i > 0 {
				assert.Equal(t, chunks[i-1].Start, c.End, "chunks must be contiguous")
			}
		}
	}
}

func TestSplitAll_KeepsGapOrder(t *testing.T) {
	got := SplitAll([]models.Interval{iv(0, 150), iv(300, 350)}, time.Minute, 100)
	assert.Equal(t, []models.Interval{iv(50, 150), iv(0, 50), iv(300, 350)}, got)
}

func TestOverlapsAndContains(t *testing.T) {
	assert.True(t, Overlaps(iv(0, 10), iv(10, 20)))
	assert.True(t, Overlaps(iv(0, 100), iv(10, 20)))
	assert.False(t, Overlaps(iv(0, 10), iv(11, 20)))

	assert.True(t, Contains(iv(0, 100), iv(10, 20)))
	assert.True(t, Contains(iv(0, 100), iv(0, 100)))
	assert.False(t, Contains(iv(10, 20), iv(0, 100)))
	assert.False(t, Contains(iv(0, 10), iv(5, 11)))
}
