package calibrate

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucograph/glucograph/internal/ocr"
	"github.com/glucograph/glucograph/internal/raster"
)

// stubReader serves scripted tick labels keyed by gridline position, standing
// in for Tesseract. Time labels match any region containing their x, value
// labels any region containing their y.
type stubReader struct {
	timeLabels  map[int]string
	valueLabels map[int]string
}

func (s *stubReader) ReadRegion(_ image.Image, region image.Rectangle, whitelist string) ([]ocr.Word, error) {
	labels := s.timeLabels
	if whitelist == ocr.ValueWhitelist {
		labels = s.valueLabels
	}
	for pos, label := range labels {
		var hit bool
		if whitelist == ocr.ValueWhitelist {
			hit = region.Min.Y <= pos && pos < region.Max.Y
		} else {
			hit = region.Min.X <= pos && pos < region.Max.X
		}
		if hit {
			return []ocr.Word{{Text: label, Confidence: 0.9, Bounds: region}}, nil
		}
	}
	return nil, nil
}

// chartRaster draws a white frame with one-pixel black gridlines at the given
// columns and rows.
func chartRaster(width, height int, cols, rows []int) *raster.Raster {
	gray := image.NewGray(image.Rect(0, 0, width, height))
	for i := range gray.Pix {
		gray.Pix[i] = 255
	}
	for _, x := range cols {
		for y := 0; y < height; y++ {
			gray.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	for _, y := range rows {
		for x := 0; x < width; x++ {
			gray.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	return &raster.Raster{Gray: gray, Color: gray, CropConfidence: 1}
}

func TestCalibrate_SyntheticChart(t *testing.T) {
	r := chartRaster(400, 300, []int{60, 160, 260, 360}, []int{40, 120, 200})
	reader := &stubReader{
		timeLabels: map[int]string{
			60: "06:00", 160: "10:00", 260: "14:00", 360: "18:00",
		},
		valueLabels: map[int]string{
			40: "300", 120: "200", 200: "100",
		},
	}

	frame, err := Calibrate(r, reader)
	require.NoError(t, err)

	require.Len(t, frame.TimeAxis.Ticks, 4)
	require.Len(t, frame.ValueAxis.Ticks, 3)
	assert.True(t, frame.TimeAxis.Affine)
	assert.True(t, frame.ValueAxis.Affine)
	assert.Greater(t, frame.Confidence, 0.9)

	// Gridline positions jitter by a pixel against the drawn columns, so the
	// recovered domain values carry a few pixels' worth of slack.
	minutes, extrapolated := frame.TimeAxis.Map(160)
	assert.False(t, extrapolated)
	assert.InDelta(t, 600, minutes, 6)

	value, extrapolated := frame.ValueAxis.Map(120)
	assert.False(t, extrapolated)
	assert.InDelta(t, 200, value, 6)

	assert.Len(t, frame.VerticalGridX, 4)
	assert.Len(t, frame.HorizontalGridY, 3)
}

func TestCalibrate_MidnightWrap(t *testing.T) {
	r := chartRaster(400, 300, []int{60, 160, 260}, []int{40, 120, 200})
	reader := &stubReader{
		timeLabels: map[int]string{
			60: "22:00", 160: "02:00", 260: "06:00",
		},
		valueLabels: map[int]string{
			40: "300", 120: "200", 200: "100",
		},
	}

	frame, err := Calibrate(r, reader)
	require.NoError(t, err)

	// 02:00 and 06:00 sit past midnight and pick up a day offset, keeping
	// the axis monotonic.
	assert.InDelta(t, 22*60, frame.TimeAxis.Ticks[0].Value, 0.001)
	assert.InDelta(t, 26*60, frame.TimeAxis.Ticks[1].Value, 0.001)
	assert.InDelta(t, 30*60, frame.TimeAxis.Ticks[2].Value, 0.001)
}

func TestCalibrate_FailsWithoutReadableLabels(t *testing.T) {
	r := chartRaster(400, 300, []int{60, 160, 260}, []int{40, 120, 200})

	_, err := Calibrate(r, &stubReader{})
	assert.ErrorIs(t, err, ErrCalibrationFailed)
}

func TestCalibrate_FailsOnBlankFrame(t *testing.T) {
	r := chartRaster(400, 300, nil, nil)

	_, err := Calibrate(r, &stubReader{})
	assert.ErrorIs(t, err, ErrCalibrationFailed)
}

func TestCalibrate_SingleLabelIsNotEnough(t *testing.T) {
	r := chartRaster(400, 300, []int{60, 160, 260}, []int{40, 120, 200})
	reader := &stubReader{
		timeLabels:  map[int]string{60: "06:00"},
		valueLabels: map[int]string{40: "300", 120: "200"},
	}

	_, err := Calibrate(r, reader)
	assert.ErrorIs(t, err, ErrCalibrationFailed)
}

func TestCalibrate_LowQualityReducesConfidence(t *testing.T) {
	reader := &stubReader{
		timeLabels:  map[int]string{60: "06:00", 160: "10:00", 260: "14:00"},
		valueLabels: map[int]string{40: "300", 120: "200", 200: "100"},
	}

	clean := chartRaster(400, 300, []int{60, 160, 260}, []int{40, 120, 200})
	degraded := chartRaster(400, 300, []int{60, 160, 260}, []int{40, 120, 200})
	degraded.LowQuality = true

	cleanFrame, err := Calibrate(clean, reader)
	require.NoError(t, err)
	degradedFrame, err := Calibrate(degraded, reader)
	require.NoError(t, err)

	assert.InDelta(t, cleanFrame.Confidence*0.8, degradedFrame.Confidence, 0.001)
}

func TestFitAxis(t *testing.T) {
	tick := func(pixel int, value float64) Tick {
		return Tick{Pixel: pixel, Value: value, LabelConfidence: 0.9}
	}

	t.Run("too few ticks", func(t *testing.T) {
		_, err := fitAxis([]Tick{tick(10, 100)})
		assert.ErrorIs(t, err, ErrCalibrationFailed)
	})

	t.Run("duplicate pixel", func(t *testing.T) {
		_, err := fitAxis([]Tick{tick(10, 100), tick(10, 200)})
		assert.ErrorIs(t, err, ErrCalibrationFailed)
	})

	t.Run("non-monotonic labels", func(t *testing.T) {
		_, err := fitAxis([]Tick{tick(10, 100), tick(20, 300), tick(30, 200)})
		assert.ErrorIs(t, err, ErrCalibrationFailed)
	})

	t.Run("even spacing fits affine", func(t *testing.T) {
		m, err := fitAxis([]Tick{tick(10, 100), tick(20, 200), tick(30, 300)})
		require.NoError(t, err)
		assert.True(t, m.Affine)
		assert.InDelta(t, 1.0, m.Confidence, 0.001)

		v, extrapolated := m.Map(15)
		assert.False(t, extrapolated)
		assert.InDelta(t, 150, v, 0.001)
	})

	t.Run("decreasing labels are valid", func(t *testing.T) {
		m, err := fitAxis([]Tick{tick(10, 300), tick(20, 200), tick(30, 100)})
		require.NoError(t, err)

		v, _ := m.Map(20)
		assert.InDelta(t, 200, v, 0.001)
	})

	t.Run("uneven spacing falls back to piecewise", func(t *testing.T) {
		m, err := fitAxis([]Tick{tick(10, 100), tick(20, 200), tick(60, 300)})
		require.NoError(t, err)
		assert.False(t, m.Affine)
		assert.InDelta(t, 0.9, m.Confidence, 0.001, "piecewise confidence is the mean label confidence")

		v, extrapolated := m.Map(40)
		assert.False(t, extrapolated)
		assert.InDelta(t, 250, v, 0.001)
	})

	t.Run("piecewise extrapolates along end segments", func(t *testing.T) {
		m, err := fitAxis([]Tick{tick(10, 100), tick(20, 200), tick(60, 300)})
		require.NoError(t, err)

		// Beyond the last tick the final segment's slope of 2.5 carries on.
		v, extrapolated := m.Map(70)
		assert.True(t, extrapolated)
		assert.InDelta(t, 325, v, 0.001)

		// Before the first tick the opening segment's slope of 10 carries on.
		v, extrapolated = m.Map(5)
		assert.True(t, extrapolated)
		assert.InDelta(t, 50, v, 0.001)
	})

	t.Run("extrapolation is reported", func(t *testing.T) {
		m, err := fitAxis([]Tick{tick(10, 100), tick(20, 200)})
		require.NoError(t, err)

		_, extrapolated := m.Map(5)
		assert.True(t, extrapolated)
		_, extrapolated = m.Map(25)
		assert.True(t, extrapolated)

		lo, hi := m.Interval()
		assert.Equal(t, 10, lo)
		assert.Equal(t, 20, hi)
	})
}

func TestParseTimeLabel(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"06:00", 360, true},
		{"6:30", 390, true},
		{"18", 1080, true},
		{"0", 0, true},
		{"6am", 360, true},
		{"6pm", 1080, true},
		{"12AM", 0, true},
		{"12PM", 720, true},
		{"6 pm", 1080, true},
		{"24", 0, false},
		{"13pm", 0, false},
		{"6:75", 0, false},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseTimeLabel(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseValueLabel(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"180", 180, true},
		{"70.5", 70.5, true},
		{"300mg", 300, true},
		{" 120 ", 120, true},
		{"mg/dL", 0, false},
		{"1.2.3", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseValueLabel(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "input %q", tt.in)
		}
	}
}
