package calibrate

import (
	"image"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/glucograph/glucograph/internal/ocr"
	"github.com/glucograph/glucograph/internal/raster"
)

// Gridline detection tuning. A column or row qualifies as a gridline
// candidate when its edge-pixel run covers at least this fraction of the
// frame; majorLineFraction marks the stronger set (axis lines and major
// gridlines), minorLineFraction the weaker one.
const (
	majorLineFraction = 0.6
	minorLineFraction = 0.3

	// labelRegionPx is the size of the OCR window placed next to each tick.
	labelRegionPx = 46

	// clusterGapPx merges adjacent dense columns/rows into one gridline.
	clusterGapPx = 3
)

// Calibrate locates axis gridlines and tick labels on the canonical frame
// and fits the pixel-to-domain mapping.
//
// Gridline candidates are clustered from edge density; text recognition runs
// only in small regions adjacent to each tick (below the frame for the time
// axis, left of the frame for the value axis). When both a major and a minor
// candidate set exist, the set whose labels parse wins over the set with
// more lines. Fails with ErrCalibrationFailed when fewer than two readable
// tick labels exist on either axis.
func Calibrate(r *raster.Raster, reader ocr.RegionReader) (*Frame, error) {
	edges := raster.EdgeMap(r.Gray)
	width := r.Width()
	height := r.Height()

	colDensity := make([]int, width)
	rowDensity := make([]int, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if edges[y][x] {
				colDensity[x]++
				rowDensity[y]++
			}
		}
	}

	majorCols := clusterLines(colDensity, int(float64(height)*majorLineFraction))
	minorCols := clusterLines(colDensity, int(float64(height)*minorLineFraction))
	majorRows := clusterLines(rowDensity, int(float64(width)*majorLineFraction))
	minorRows := clusterLines(rowDensity, int(float64(width)*minorLineFraction))

	timeAxis, gridX, err := fitTimeAxis(r.Gray, reader, majorCols, minorCols, height)
	if err != nil {
		return nil, err
	}
	valueAxis, gridY, err := fitValueAxis(r.Gray, reader, majorRows, minorRows)
	if err != nil {
		return nil, err
	}

	confidence := timeAxis.Confidence
	if valueAxis.Confidence < confidence {
		confidence = valueAxis.Confidence
	}
	if r.LowQuality {
		confidence *= 0.8
	}

	zap.L().Debug("calibration fitted",
		zap.Int("time_ticks", len(timeAxis.Ticks)),
		zap.Int("value_ticks", len(valueAxis.Ticks)),
		zap.Float64("confidence", confidence),
	)

	return &Frame{
		TimeAxis:        timeAxis,
		ValueAxis:       valueAxis,
		VerticalGridX:   gridX,
		HorizontalGridY: gridY,
		Confidence:      confidence,
	}, nil
}

// clusterLines finds pixel positions whose density exceeds the threshold,
// merging neighbors within clusterGapPx into one line at the densest pixel.
func clusterLines(density []int, threshold int) []int {
	if threshold < 1 {
		threshold = 1
	}
	lines := make([]int, 0)
	i := 0
	for i < len(density) {
		if density[i] < threshold {
			i++
			continue
		}
		best, bestDensity := i, density[i]
		j := i + 1
		for j < len(density) && (density[j] >= threshold || j-best <= clusterGapPx) {
			if density[j] > bestDensity {
				best, bestDensity = j, density[j]
			}
			j++
		}
		lines = append(lines, best)
		i = j
	}
	return lines
}

// fitTimeAxis reads labels beneath each candidate vertical gridline and fits
// the x-pixel to minutes-of-day mapping. The major candidate set is tried
// first; the minor set only when the major one yields too few parsed labels.
func fitTimeAxis(gray *image.Gray, reader ocr.RegionReader, major, minor []int, height int) (*AxisMap, []int, error) {
	for _, candidates := range [][]int{major, minor} {
		ticks := readTimeTicks(gray, reader, candidates, height)
		if len(ticks) < 2 {
			continue
		}
		m, err := fitAxis(ticks)
		if err != nil {
			continue
		}
		// Left to right must be forward in time.
		if m.Ticks[len(m.Ticks)-1].Value < m.Ticks[0].Value {
			continue
		}
		return m, candidates, nil
	}
	return nil, nil, eris.Wrap(ErrCalibrationFailed, "time axis")
}

// readTimeTicks OCRs the strip under each candidate line. Times that step
// backwards relative to the previous tick are assumed to have crossed
// midnight and are shifted by a day, keeping the mapping monotonic.
func readTimeTicks(gray *image.Gray, reader ocr.RegionReader, candidates []int, height int) []Tick {
	ticks := make([]Tick, 0, len(candidates))
	offset := 0.0
	prev := -1.0
	for _, x := range candidates {
		region := image.Rect(x-labelRegionPx/2, height-labelRegionPx, x+labelRegionPx/2, height)
		words, err := reader.ReadRegion(gray, region, ocr.TimeWhitelist)
		if err != nil {
			continue
		}
		word, ok := ocr.BestWord(words)
		if !ok {
			continue
		}
		minutes, ok := parseTimeLabel(word.Text)
		if !ok {
			continue
		}
		if prev >= 0 && minutes+offset < prev {
			offset += 24 * 60
		}
		minutes += offset
		prev = minutes
		ticks = append(ticks, Tick{Pixel: x, Value: minutes, LabelConfidence: word.Confidence})
	}
	return ticks
}

// fitValueAxis reads labels left of each candidate horizontal gridline and
// fits the y-pixel to mg/dL mapping.
func fitValueAxis(gray *image.Gray, reader ocr.RegionReader, major, minor []int) (*AxisMap, []int, error) {
	for _, candidates := range [][]int{major, minor} {
		ticks := make([]Tick, 0, len(candidates))
		for _, y := range candidates {
			region := image.Rect(0, y-labelRegionPx/3, labelRegionPx, y+labelRegionPx/3)
			words, err := reader.ReadRegion(gray, region, ocr.ValueWhitelist)
			if err != nil {
				continue
			}
			word, ok := ocr.BestWord(words)
			if !ok {
				continue
			}
			value, ok := parseValueLabel(word.Text)
			if !ok {
				continue
			}
			ticks = append(ticks, Tick{Pixel: y, Value: value, LabelConfidence: word.Confidence})
		}
		if len(ticks) < 2 {
			continue
		}
		m, err := fitAxis(ticks)
		if err != nil {
			continue
		}
		return m, candidates, nil
	}
	return nil, nil, eris.Wrap(ErrCalibrationFailed, "value axis")
}
