// Package indicators computes technical indicators over cached daily bars.
package indicators

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// atrPlaces is the precision ATR values are rounded to.
const atrPlaces = 4

// CalculateATR returns the average true range of the newest length-1 bars.
// The true range of a bar is the largest of high-low, |high-prev.close| and
// |low-prev.close|, where prev is the bar before it. The result is rounded
// half up to four decimal places. It is zero when length < 2 or when there
// are not more than length bars.
func CalculateATR(bars []models.Bar, length int) decimal.Decimal {
	if length < 2 || length >= len(bars) {
		return decimal.Zero
	}

	sorted := make([]models.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	sum := decimal.Zero
	for i, b := range sorted[:length-1] {
		prevClose := sorted[i+1].Close
		tr := decimal.Max(
			b.High.Sub(b.Low),
			b.High.Sub(prevClose).Abs(),
			b.Low.Sub(prevClose).Abs(),
		)
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(length - 1))).Round(atrPlaces)
}
