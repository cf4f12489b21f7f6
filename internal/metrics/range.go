// Package metrics computes time-in-range aggregates over a reading set.
package metrics

import (
	"math"
	"time"

	"github.com/glucograph/glucograph/internal/glucose"
)

// TargetRange is the glucose band treated as in-range, inclusive, in mg/dL.
type TargetRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Window bounds the aggregation to [Start, End). Zero values disable the
// corresponding bound.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// RangeMetrics is the purely derived time-in-range summary. It is never
// persisted; callers recompute it from history when needed.
type RangeMetrics struct {
	// InRangePct, AboveRangePct, and BelowRangePct are percentages over
	// the included readings and sum to 100 (within rounding) whenever any
	// reading was included.
	InRangePct    float64 `json:"in_range_pct"`
	AboveRangePct float64 `json:"above_range_pct"`
	BelowRangePct float64 `json:"below_range_pct"`

	InRangeCount    int `json:"in_range_count"`
	AboveRangeCount int `json:"above_range_count"`
	BelowRangeCount int `json:"below_range_count"`

	// Included and Excluded partition the windowed input: excluded
	// readings fell below the confidence floor and were kept out so
	// low-confidence image-derived points cannot distort the percentages.
	// Included + Excluded equals the windowed input count.
	Included int `json:"included"`
	Excluded int `json:"excluded"`
}

// Aggregate computes time-in-range percentages over a reading set.
//
// Pure function: readings with confidence below minConfidence are excluded
// from the percentages and reported in Excluded so callers can gauge data
// completeness.
func Aggregate(readings []glucose.Reading, target TargetRange, window Window, minConfidence float64) RangeMetrics {
	var m RangeMetrics
	for _, r := range readings {
		if !window.contains(r.Timestamp) {
			continue
		}
		if r.Confidence < minConfidence {
			m.Excluded++
			continue
		}
		m.Included++
		switch {
		case r.Value < target.Low:
			m.BelowRangeCount++
		case r.Value > target.High:
			m.AboveRangeCount++
		default:
			m.InRangeCount++
		}
	}

	if m.Included > 0 {
		m.InRangePct = pct(m.InRangeCount, m.Included)
		m.AboveRangePct = pct(m.AboveRangeCount, m.Included)
		m.BelowRangePct = pct(m.BelowRangeCount, m.Included)
	}
	return m
}

func pct(count, total int) float64 {
	return math.Round(float64(count)/float64(total)*1000) / 10
}
