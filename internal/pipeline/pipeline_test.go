package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucograph/glucograph/internal/ocr"
	"github.com/glucograph/glucograph/internal/raster"
	"github.com/glucograph/glucograph/internal/reconstruct"
)

// scriptedReader serves axis tick labels keyed by gridline position on the
// synthetic chart, standing in for Tesseract.
type scriptedReader struct {
	timeLabels  map[int]string
	valueLabels map[int]string
}

func (s *scriptedReader) ReadRegion(_ image.Image, region image.Rectangle, whitelist string) ([]ocr.Word, error) {
	switch whitelist {
	case ocr.TimeWhitelist:
		for x, label := range s.timeLabels {
			if region.Min.X <= x && x < region.Max.X {
				return []ocr.Word{{Text: label, Confidence: 0.9, Bounds: region}}, nil
			}
		}
	case ocr.ValueWhitelist:
		for y, label := range s.valueLabels {
			if region.Min.Y <= y && y < region.Max.Y {
				return []ocr.Word{{Text: label, Confidence: 0.9, Bounds: region}}, nil
			}
		}
	}
	return nil, nil
}

// chartPNG renders a 400x300 chart: full-height vertical gridlines at
// x=60..360, full-width horizontal gridlines at y=40..200, and a 5x5 dark
// marker dot at each given point.
func chartPNG(t *testing.T, dots []image.Point) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.White)
		}
	}
	for _, gx := range []int{60, 160, 260, 360} {
		for y := 0; y < 300; y++ {
			img.Set(gx, y, color.Black)
		}
	}
	for _, gy := range []int{40, 120, 200} {
		for x := 0; x < 400; x++ {
			img.Set(x, gy, color.Black)
		}
	}
	for _, d := range dots {
		for y := d.Y - 2; y <= d.Y+2; y++ {
			for x := d.X - 2; x <= d.X+2; x++ {
				img.Set(x, y, color.Black)
			}
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testReader() *scriptedReader {
	return &scriptedReader{
		timeLabels: map[int]string{
			60: "06:00", 160: "10:00", 260: "14:00", 360: "18:00",
		},
		valueLabels: map[int]string{
			40: "300", 120: "200", 200: "100",
		},
	}
}

// testAnalyzer pins normalization so frame coordinates stay where the chart
// was drawn: no deskew, no crop.
func testAnalyzer(reader ocr.RegionReader, extra ...Option) *Analyzer {
	opts := append([]Option{WithImageOptions(raster.Options{
		DeskewToleranceDegrees: 45,
		CropConfidenceFloor:    2,
	})}, extra...)
	return New(reader, opts...)
}

var testCalendar = reconstruct.CalendarContext{
	ReferenceDate: time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC),
	LookbackDays:  14,
}

func TestAnalyze_EndToEnd(t *testing.T) {
	a := testAnalyzer(testReader())

	// Two markers: around 08:00 at ~250 mg/dL and around 12:00 at ~150.
	raw := chartPNG(t, []image.Point{{X: 110, Y: 80}, {X: 210, Y: 160}})
	out := a.Analyze(context.Background(), Input{Name: "chart.png", Raw: raw, Calendar: testCalendar})

	require.False(t, out.Failed(), "failure reason: %s", out.FailureReason)
	require.Len(t, out.Readings, 2)
	assert.False(t, out.Incomplete)
	assert.Greater(t, out.CalibrationConfidence, 0.5)
	assert.Greater(t, out.RecognitionConfidence, 0.5)

	first, second := out.Readings[0], out.Readings[1]
	assert.InDelta(t, 250, first.Value, 8)
	assert.InDelta(t, 150, second.Value, 8)
	assert.WithinDuration(t, time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC), first.Timestamp, 10*time.Minute)
	assert.WithinDuration(t, time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC), second.Timestamp, 10*time.Minute)
	assert.True(t, first.DateAnchored)
	assert.NotZero(t, first.ID)
}

func TestAnalyze_EndToEndWithCropping(t *testing.T) {
	// Default crop floor, so normalization crops to the plot box plus label
	// gutters. The tick labels survive in the gutters, shifted left by
	// ~9 pixels and up by ~31 relative to where the chart was drawn.
	reader := &scriptedReader{
		timeLabels: map[int]string{
			51: "06:00", 151: "10:00", 251: "14:00", 351: "18:00",
		},
		valueLabels: map[int]string{
			9: "300", 89: "200", 169: "100",
		},
	}
	a := New(reader, WithImageOptions(raster.Options{DeskewToleranceDegrees: 45}))

	raw := chartPNG(t, []image.Point{{X: 110, Y: 80}, {X: 210, Y: 160}})
	out := a.Analyze(context.Background(), Input{Name: "chart.png", Raw: raw, Calendar: testCalendar})

	require.False(t, out.Failed(), "failure reason: %s", out.FailureReason)
	require.Len(t, out.Readings, 2)
	assert.Greater(t, out.CalibrationConfidence, 0.8, "a cropped frame is not a degraded frame")

	first, second := out.Readings[0], out.Readings[1]
	assert.InDelta(t, 250, first.Value, 8)
	assert.InDelta(t, 150, second.Value, 8)
	assert.WithinDuration(t, time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC), first.Timestamp, 10*time.Minute)
	assert.WithinDuration(t, time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC), second.Timestamp, 10*time.Minute)
}

func TestAnalyze_UndecodableImage(t *testing.T) {
	a := testAnalyzer(testReader())

	out := a.Analyze(context.Background(), Input{Name: "garbage", Raw: []byte("not an image")})

	assert.True(t, out.Failed())
	assert.Contains(t, out.FailureReason, "decodable")
	assert.Empty(t, out.Readings)
}

func TestAnalyze_UncalibratableChart(t *testing.T) {
	// Gridlines but no readable labels anywhere.
	a := testAnalyzer(&scriptedReader{})

	out := a.Analyze(context.Background(), Input{Name: "blank.png", Raw: chartPNG(t, nil)})

	assert.True(t, out.Failed())
	assert.Contains(t, out.FailureReason, "tick labels")
	assert.Empty(t, out.Readings)
	assert.Zero(t, out.CalibrationConfidence)
}

func TestAnalyze_ChartWithNoMarkers(t *testing.T) {
	a := testAnalyzer(testReader())

	out := a.Analyze(context.Background(), Input{Name: "empty.png", Raw: chartPNG(t, nil), Calendar: testCalendar})

	require.False(t, out.Failed(), "failure reason: %s", out.FailureReason)
	assert.Empty(t, out.Readings, "a chart with no plotted points is valid input")
	assert.False(t, out.Incomplete)
}

func TestAnalyze_ExpiredDeadlineReturnsPartial(t *testing.T) {
	a := testAnalyzer(testReader())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := a.Analyze(ctx, Input{Name: "chart.png", Raw: chartPNG(t, []image.Point{{X: 110, Y: 80}})})

	assert.True(t, out.Incomplete)
	assert.False(t, out.Failed(), "an expired deadline is partial work, not an image failure")
}

func TestAnalyzeBatch_OneBadImageDoesNotAbort(t *testing.T) {
	a := testAnalyzer(testReader())

	inputs := []Input{
		{Name: "bad", Raw: []byte("junk")},
		{Name: "good", Raw: chartPNG(t, []image.Point{{X: 110, Y: 80}}), Calendar: testCalendar},
	}

	outcomes := a.AnalyzeBatch(context.Background(), inputs)
	require.Len(t, outcomes, 2)

	assert.True(t, outcomes[0].Failed())
	assert.Equal(t, "bad", outcomes[0].Name)

	assert.False(t, outcomes[1].Failed(), "failure reason: %s", outcomes[1].FailureReason)
	assert.Len(t, outcomes[1].Readings, 1)
}

func TestAnalyzeBatch_WorkerLimit(t *testing.T) {
	a := testAnalyzer(testReader(), WithWorkers(2))

	inputs := make([]Input, 6)
	for i := range inputs {
		inputs[i] = Input{Name: "chart", Raw: chartPNG(t, nil), Calendar: testCalendar}
	}

	outcomes := a.AnalyzeBatch(context.Background(), inputs)
	require.Len(t, outcomes, 6)
	for _, out := range outcomes {
		assert.False(t, out.Failed())
	}
}
