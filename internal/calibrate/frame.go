// Package calibrate derives the pixel-to-domain mapping from a chart's axes:
// pixel X to time of day, pixel Y to glucose value.
//
// Calibration needs at least two confidently recognized tick labels per axis
// to fit a mapping. Fewer than that is fatal for the image; everything else
// degrades into reduced confidence rather than failure.
package calibrate

import (
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"
)

// ErrCalibrationFailed is returned when no reliable domain mapping can be
// derived from the chart's axes.
var ErrCalibrationFailed = eris.New("calibrate: fewer than two readable tick labels on an axis")

// Tick is one fitted calibration point: a gridline pixel coordinate and the
// domain value its label reads.
type Tick struct {
	// Pixel is the gridline position along the axis (x for the time axis,
	// y for the value axis).
	Pixel int `json:"pixel"`

	// Value is the parsed domain value: minutes of day for the time axis,
	// mg/dL for the value axis.
	Value float64 `json:"value"`

	// LabelConfidence is the OCR confidence of the tick's label in [0,1].
	LabelConfidence float64 `json:"label_confidence"`
}

// AxisMap maps a pixel coordinate along one axis to a domain value.
//
// The mapping is affine when the recognized ticks are evenly spaced and fit
// well, piecewise-linear otherwise. It is strictly monotonic over its
// validity interval; extrapolation beyond the interval is permitted but
// reported so callers can reduce confidence.
type AxisMap struct {
	// Ticks are the fitted calibration points, sorted by pixel.
	Ticks []Tick `json:"ticks"`

	// Affine indicates a single linear fit; otherwise the map interpolates
	// piecewise between ticks.
	Affine bool `json:"affine"`

	// Alpha and Beta are the linear fit parameters (value = Alpha + Beta*pixel)
	// when Affine is set.
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`

	// Confidence is the goodness-of-fit score in [0,1]: R-squared for the
	// affine fit, mean label confidence for the piecewise fit.
	Confidence float64 `json:"confidence"`
}

// fitAxis builds an AxisMap from tick points. At least two ticks with
// distinct pixels and strictly monotonic values are required.
func fitAxis(ticks []Tick) (*AxisMap, error) {
	if len(ticks) < 2 {
		return nil, eris.Wrapf(ErrCalibrationFailed, "%d tick(s)", len(ticks))
	}

	sorted := make([]Tick, len(ticks))
	copy(sorted, ticks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pixel < sorted[j].Pixel })

	// Reject duplicate pixels and non-monotonic label sequences: those are
	// misread labels, not a usable axis.
	increasing, decreasing := true, true
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Pixel == sorted[i-1].Pixel {
			return nil, eris.Wrap(ErrCalibrationFailed, "duplicate tick pixel")
		}
		if sorted[i].Value <= sorted[i-1].Value {
			increasing = false
		}
		if sorted[i].Value >= sorted[i-1].Value {
			decreasing = false
		}
	}
	if !increasing && !decreasing {
		return nil, eris.Wrap(ErrCalibrationFailed, "tick labels not monotonic")
	}

	m := &AxisMap{Ticks: sorted}

	if evenlySpaced(sorted) {
		xs := make([]float64, len(sorted))
		ys := make([]float64, len(sorted))
		ws := make([]float64, len(sorted))
		for i, t := range sorted {
			xs[i] = float64(t.Pixel)
			ys[i] = t.Value
			ws[i] = t.LabelConfidence
		}
		alpha, beta := stat.LinearRegression(xs, ys, ws, false)
		m.Affine = true
		m.Alpha = alpha
		m.Beta = beta
		m.Confidence = clamp01(stat.RSquared(xs, ys, ws, alpha, beta))
		return m, nil
	}

	// Piecewise fit: confidence is what OCR gave us for the labels.
	sum := 0.0
	for _, t := range sorted {
		sum += t.LabelConfidence
	}
	m.Confidence = clamp01(sum / float64(len(sorted)))
	return m, nil
}

// evenlySpaced reports whether successive tick gaps deviate less than 20%
// from their mean.
func evenlySpaced(ticks []Tick) bool {
	if len(ticks) < 3 {
		return true
	}
	gaps := make([]float64, 0, len(ticks)-1)
	mean := 0.0
	for i := 1; i < len(ticks); i++ {
		gap := float64(ticks[i].Pixel - ticks[i-1].Pixel)
		gaps = append(gaps, gap)
		mean += gap
	}
	mean /= float64(len(gaps))
	for _, gap := range gaps {
		if gap < mean*0.8 || gap > mean*1.2 {
			return false
		}
	}
	return true
}

// Map converts a pixel coordinate to a domain value. The second return is
// true when the pixel lies outside the fitted interval and the value was
// extrapolated.
func (m *AxisMap) Map(pixel float64) (float64, bool) {
	first := m.Ticks[0]
	last := m.Ticks[len(m.Ticks)-1]
	extrapolated := pixel < float64(first.Pixel) || pixel > float64(last.Pixel)

	if m.Affine {
		return m.Alpha + m.Beta*pixel, extrapolated
	}

	// Piecewise: outside the interval the end segments extend linearly.
	for i := 1; i < len(m.Ticks); i++ {
		a, b := m.Ticks[i-1], m.Ticks[i]
		if pixel <= float64(b.Pixel) || i == len(m.Ticks)-1 {
			frac := (pixel - float64(a.Pixel)) / float64(b.Pixel-a.Pixel)
			return a.Value + frac*(b.Value-a.Value), extrapolated
		}
	}
	return last.Value, extrapolated
}

// Interval returns the pixel range the mapping was fitted over.
func (m *AxisMap) Interval() (int, int) {
	return m.Ticks[0].Pixel, m.Ticks[len(m.Ticks)-1].Pixel
}

// Frame is the derived pixel-to-domain mapping for one chart.
type Frame struct {
	// TimeAxis maps pixel x to minutes of day. Slope is non-negative:
	// left to right is forward in time.
	TimeAxis *AxisMap `json:"time_axis"`

	// ValueAxis maps pixel y to mg/dL.
	ValueAxis *AxisMap `json:"value_axis"`

	// VerticalGridX and HorizontalGridY are the detected gridline pixel
	// positions, used downstream for spatial exclusion zones.
	VerticalGridX   []int `json:"vertical_grid_x"`
	HorizontalGridY []int `json:"horizontal_grid_y"`

	// Confidence is the overall calibration confidence in [0,1], the lower
	// of the two axis confidences.
	Confidence float64 `json:"confidence"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
