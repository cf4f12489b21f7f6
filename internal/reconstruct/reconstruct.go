// Package reconstruct combines the calibration mapping with recognized
// marks to produce the ordered sequence of glucose readings, resolving
// ambiguity, removing duplicates, and flagging low-confidence points.
//
// Partial success is the expected path: marks that cannot be resolved to a
// domain coordinate are listed on the result rather than raised as errors.
package reconstruct

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glucograph/glucograph/internal/calibrate"
	"github.com/glucograph/glucograph/internal/glucose"
	"github.com/glucograph/glucograph/internal/recognize"
)

// CalendarContext anchors charts that carry time-of-day only. The last
// plotted day maps to ReferenceDate; earlier days count backwards from it.
type CalendarContext struct {
	// ReferenceDate is the calendar date of the chart's most recent day,
	// typically the day the image was captured.
	ReferenceDate time.Time

	// LookbackDays bounds how far back anchoring may reach. A chart
	// spanning more days than this is refused rather than guessed.
	LookbackDays int
}

// Options tunes reconstruction. Zero values fall back to defaults.
type Options struct {
	// MergeWindow is the timestamp window within which two marks with
	// agreeing values collapse into one reading. Default: 10 minutes.
	MergeWindow time.Duration

	// ValueTolerance is the mg/dL band for both OCR cross-validation and
	// duplicate merging. Default: 10.
	ValueTolerance float64

	// AgreementBoost is the confidence assigned when OCR and geometry
	// agree within tolerance. An exact integer match lifts confidence to
	// 1.0. Default: 0.95.
	AgreementBoost float64

	// DisagreementCap bounds confidence when OCR and geometry disagree and
	// geometry wins. Default: 0.6.
	DisagreementCap float64

	// ExtrapolationPenalty scales confidence for marks mapped outside the
	// fitted calibration interval. Default: 0.8.
	ExtrapolationPenalty float64
}

func (o *Options) applyDefaults() {
	if o.MergeWindow == 0 {
		o.MergeWindow = 10 * time.Minute
	}
	if o.ValueTolerance == 0 {
		o.ValueTolerance = 10
	}
	if o.AgreementBoost == 0 {
		o.AgreementBoost = 0.95
	}
	if o.DisagreementCap == 0 {
		o.DisagreementCap = 0.6
	}
	if o.ExtrapolationPenalty == 0 {
		o.ExtrapolationPenalty = 0.8
	}
}

// Unresolved describes a mark that could not be resolved to a reading.
type Unresolved struct {
	Mark   recognize.Mark `json:"mark"`
	Reason string         `json:"reason"`
}

// Result is the reconstruction output. Incomplete is a partial-result
// signal, not a hard error: Readings remain valid when it is set.
type Result struct {
	// Readings is the ordered, deduplicated reading sequence.
	Readings []glucose.Reading `json:"readings"`

	// Unresolved lists the marks that could not be resolved, with reasons.
	Unresolved []Unresolved `json:"unresolved,omitempty"`

	// Incomplete is set when any mark went unresolved.
	Incomplete bool `json:"incomplete"`
}

// Reconstruct maps point markers through the calibration frame into an
// ordered reading sequence.
//
// Reconciliation between OCR text and geometric position is an explicit two
// pass step with fixed precedence: geometry supplies the value, OCR can only
// corroborate it. On agreement within tolerance confidence rises toward 1.0
// (reaching it only on an exact integer match); on disagreement the
// geometric value stands, confidence is capped, and the reading carries a
// discrepancy flag.
//
// Reconstruction is deterministic: the same marks, frame, and calendar
// context always yield an identical sequence, reading IDs included.
func Reconstruct(marks *recognize.MarkSet, frame *calibrate.Frame, cal CalendarContext, opts Options) *Result {
	opts.applyDefaults()
	result := &Result{}

	type resolved struct {
		minutes    float64
		value      float64
		confidence float64
		anchored   bool
		discrepant bool
	}

	points := marks.PointMarkers()
	candidates := make([]resolved, 0, len(points))
	maxMinutes := 0.0

	for _, m := range points {
		minutes, timeExtrapolated := frame.TimeAxis.Map(float64(m.X))
		value, valueExtrapolated := frame.ValueAxis.Map(float64(m.Y))

		if minutes < 0 {
			result.unresolve(m, "mapped to a negative time coordinate")
			continue
		}
		if !glucose.Plausible(value) {
			result.unresolve(m, fmt.Sprintf("value %.0f outside plausible range", value))
			continue
		}

		confidence := m.Confidence * frame.Confidence
		if timeExtrapolated || valueExtrapolated {
			confidence *= opts.ExtrapolationPenalty
		}
		// Geometry alone never yields certainty; only the exact-match OCR
		// branch below can lift a reading to 1.0.
		if confidence > maxGeometricConfidence {
			confidence = maxGeometricConfidence
		}

		r := resolved{minutes: minutes, value: value, confidence: confidence}

		// Second pass of the reconciliation: OCR corroboration.
		if m.Text != "" {
			if ocrValue, err := strconv.ParseFloat(m.Text, 64); err == nil && glucose.Plausible(ocrValue) {
				diff := absf(ocrValue - value)
				switch {
				case diff == 0 && value == float64(int(value)):
					r.confidence = 1.0
				case diff <= opts.ValueTolerance:
					if opts.AgreementBoost > r.confidence {
						r.confidence = opts.AgreementBoost
					}
				default:
					// Geometry wins; the printed digits were likely misread.
					if r.confidence > opts.DisagreementCap {
						r.confidence = opts.DisagreementCap
					}
					r.discrepant = true
				}
			}
		}

		candidates = append(candidates, r)
		if r.minutes > maxMinutes {
			maxMinutes = r.minutes
		}
	}

	// Calendar anchoring. The time axis yields minutes that may span
	// multiple days (midnight wraps accumulate day offsets during
	// calibration); the final day lands on the reference date.
	spanDays := int(maxMinutes) / minutesPerDay
	if spanDays > cal.LookbackDays && cal.LookbackDays > 0 {
		for _, m := range points {
			result.unresolve(m, fmt.Sprintf("chart spans %d days, beyond the %d-day lookback window", spanDays+1, cal.LookbackDays))
		}
		zap.L().Warn("reconstruction refused date anchoring",
			zap.Int("span_days", spanDays+1),
			zap.Int("lookback_days", cal.LookbackDays),
		)
		return result
	}

	anchor := dayStart(cal.ReferenceDate).AddDate(0, 0, -spanDays)
	readings := make([]glucose.Reading, 0, len(candidates))
	for _, c := range candidates {
		ts := anchor.Add(time.Duration(c.minutes * float64(time.Minute)))
		readings = append(readings, glucose.Reading{
			Timestamp:    ts,
			Value:        c.value,
			Type:         glucose.Unspecified,
			Source:       glucose.SourceImage,
			Confidence:   c.confidence,
			Discrepancy:  c.discrepant,
			DateAnchored: true,
		})
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	result.Readings = dedupe(readings, opts)
	for i := range result.Readings {
		result.Readings[i].ID = deterministicID(result.Readings[i])
	}
	return result
}

const minutesPerDay = 24 * 60

// maxGeometricConfidence bounds readings whose value rests on pixel geometry
// alone, without a corroborating printed label.
const maxGeometricConfidence = 0.99

func (r *Result) unresolve(m recognize.Mark, reason string) {
	r.Unresolved = append(r.Unresolved, Unresolved{Mark: m, Reason: reason})
	r.Incomplete = true
}

// dedupe merges runs of readings whose timestamps fall within the merge
// window and whose values agree within tolerance: the merged reading keeps
// the first timestamp, the mean value, and the highest confidence.
func dedupe(readings []glucose.Reading, opts Options) []glucose.Reading {
	if len(readings) == 0 {
		return readings
	}

	out := make([]glucose.Reading, 0, len(readings))
	current := readings[0]
	n := 1.0
	for _, r := range readings[1:] {
		sameTime := r.Timestamp.Sub(current.Timestamp) <= opts.MergeWindow
		if sameTime && absf(r.Value-current.Value) <= opts.ValueTolerance {
			current.Value = (current.Value*n + r.Value) / (n + 1)
			n++
			if r.Confidence > current.Confidence {
				current.Confidence = r.Confidence
			}
			current.Discrepancy = current.Discrepancy || r.Discrepancy
			continue
		}
		out = append(out, current)
		current = r
		n = 1
	}
	out = append(out, current)
	return out
}

// deterministicID derives a stable reading ID from its content, keeping
// reconstruction idempotent.
func deterministicID(r glucose.Reading) uuid.UUID {
	seed := fmt.Sprintf("%s|%.4f|%s|%s", r.Timestamp.UTC().Format(time.RFC3339Nano), r.Value, r.Type, r.Source)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
}

// dayStart truncates a timestamp to midnight in its own location.
func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
