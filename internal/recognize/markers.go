// Package recognize detects candidate data points on a calibrated chart
// frame: plotted dot/vertex markers and any printed numeric annotations next
// to them.
//
// Recognition never fails outright on a malformed chart. A blank or
// unreadable frame yields an empty mark set with overall confidence zero;
// partial and no-data charts are valid real-world input.
package recognize

import (
	"image"
	"math"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
	"go.uber.org/zap"

	"github.com/glucograph/glucograph/internal/calibrate"
	"github.com/glucograph/glucograph/internal/ocr"
	"github.com/glucograph/glucograph/internal/raster"
)

// Kind classifies a recognized visual element. Downstream stages switch
// exhaustively over it.
type Kind string

const (
	// KindPointMarker is a plotted data point (dot or line vertex).
	KindPointMarker Kind = "point_marker"

	// KindNumericLabel is printed digits not attached to a detected marker.
	KindNumericLabel Kind = "numeric_label"

	// KindGridlineTick is ink inside an axis exclusion zone, kept so
	// callers can see what was discarded and why.
	KindGridlineTick Kind = "gridline_tick"
)

// Mark is one recognized visual element on the chart.
type Mark struct {
	// X, Y is the element's center in frame pixel coordinates.
	X int `json:"x"`
	Y int `json:"y"`

	// Kind is the shape classification.
	Kind Kind `json:"kind"`

	// Text is the recognized digits adjacent to the mark, empty for a
	// plotted point without a printed annotation.
	Text string `json:"text,omitempty"`

	// TextConfidence is the aggregated per-character OCR confidence for
	// Text, zero when Text is empty.
	TextConfidence float64 `json:"text_confidence,omitempty"`

	// Confidence is the detection confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// MarkSet is the ordered output of one recognition pass. Order is
// left-to-right pixel position, chronological for standard chart layouts.
type MarkSet struct {
	Marks []Mark `json:"marks"`

	// OverallConfidence is the mean detection confidence across point
	// markers, zero when none were found.
	OverallConfidence float64 `json:"overall_confidence"`
}

// PointMarkers returns only the marks classified as plotted data points.
func (s *MarkSet) PointMarkers() []Mark {
	points := make([]Mark, 0, len(s.Marks))
	for _, m := range s.Marks {
		if m.Kind == KindPointMarker {
			points = append(points, m)
		}
	}
	return points
}

// Marker geometry tuning.
const (
	// minBlobArea and maxBlobArea bound the pixel count of a plausible
	// plotted marker.
	minBlobArea = 4
	maxBlobArea = 400

	// maxBlobExtent bounds a marker's width and height in pixels.
	maxBlobExtent = 22

	// chromaThreshold is the minimum Lab chroma for a pixel to count as
	// series-colored rather than gridline gray.
	chromaThreshold = 0.12

	// darkLevel is the luminance below which a pixel counts as ink on
	// monochrome charts.
	darkLevel = 90

	// exclusionMarginPx widens the axis exclusion zones beyond the
	// outermost gridlines.
	exclusionMarginPx = 6

	// annotationSearchPx is how far above a marker the annotation OCR
	// window reaches.
	annotationSearchPx = 28
)

// Recognize runs the detection and recognition passes over a calibrated
// frame.
//
// The detection pass flood-fills connected series-colored (or, on monochrome
// charts, dark) pixel blobs sized like chart markers, excluding the axis
// bands computed from the calibration frame's gridline positions. The
// recognition pass then attempts to read printed digits in a small window
// above each marker.
func Recognize(r *raster.Raster, frame *calibrate.Frame, reader ocr.RegionReader) (*MarkSet, error) {
	width := r.Width()
	height := r.Height()

	mask := seriesMask(r)
	zone := exclusionZone(frame, width, height)

	visited := make([][]bool, height)
	for y := range visited {
		visited[y] = make([]bool, width)
	}

	marks := make([]Mark, 0)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !mask[y][x] || visited[y][x] {
				continue
			}
			blob := floodFill(mask, visited, x, y, width, height)
			mark, ok := classifyBlob(blob, zone)
			if !ok {
				continue
			}
			marks = append(marks, mark)
		}
	}

	// Recognition pass: read any printed numeric annotation near each
	// detected point.
	for i := range marks {
		if marks[i].Kind != KindPointMarker || reader == nil {
			continue
		}
		text, confidence := readAnnotation(r.Gray, reader, marks[i])
		marks[i].Text = text
		marks[i].TextConfidence = confidence
	}

	sort.SliceStable(marks, func(i, j int) bool { return marks[i].X < marks[j].X })

	overall := 0.0
	points := 0
	for _, m := range marks {
		if m.Kind == KindPointMarker {
			overall += m.Confidence
			points++
		}
	}
	if points > 0 {
		overall /= float64(points)
	}
	if r.LowQuality {
		overall *= 0.8
	}

	zap.L().Debug("marker recognition complete",
		zap.Int("marks", len(marks)),
		zap.Int("point_markers", points),
		zap.Float64("overall_confidence", overall),
	)

	return &MarkSet{Marks: marks, OverallConfidence: overall}, nil
}

// seriesMask marks pixels belonging to the plotted series. Colored charts
// are separated by Lab chroma; when the chart carries too little color to
// tell series from grid, the mask falls back to dark ink.
func seriesMask(r *raster.Raster) [][]bool {
	width := r.Width()
	height := r.Height()
	bounds := r.Color.Bounds()

	mask := make([][]bool, height)
	colored := 0
	for y := 0; y < height; y++ {
		mask[y] = make([]bool, width)
		for x := 0; x < width; x++ {
			c, ok := colorful.MakeColor(r.Color.At(x+bounds.Min.X, y+bounds.Min.Y))
			if !ok {
				continue
			}
			if chroma(c) > chromaThreshold {
				mask[y][x] = true
				colored++
			}
		}
	}
	if colored >= minBlobArea {
		return mask
	}

	// Monochrome chart: fall back to dark ink.
	return raster.DarkMask(r.Gray, darkLevel)
}

// chroma returns the distance from the neutral gray axis in Lab space.
func chroma(c colorful.Color) float64 {
	_, a, b := c.Lab()
	return math.Sqrt(a*a + b*b)
}

// exclusionZone returns a predicate marking the axis bands where tick text
// lives: outside the span of the calibrated gridlines, widened by a margin.
func exclusionZone(frame *calibrate.Frame, width, height int) func(x, y int) bool {
	left, right := 0, width
	if len(frame.VerticalGridX) > 0 {
		left = frame.VerticalGridX[0] - exclusionMarginPx
		right = frame.VerticalGridX[len(frame.VerticalGridX)-1] + exclusionMarginPx
	}
	top, bottom := 0, height
	if len(frame.HorizontalGridY) > 0 {
		top = frame.HorizontalGridY[0] - exclusionMarginPx
		bottom = frame.HorizontalGridY[len(frame.HorizontalGridY)-1] + exclusionMarginPx
	}
	return func(x, y int) bool {
		return x < left || x > right || y < top || y > bottom
	}
}

// floodFill collects one 8-connected blob of mask pixels, stack based to
// avoid recursion depth on large components.
func floodFill(mask, visited [][]bool, startX, startY, width, height int) []image.Point {
	stack := []image.Point{{X: startX, Y: startY}}
	blob := make([]image.Point, 0, 32)

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.X < 0 || p.X >= width || p.Y < 0 || p.Y >= height {
			continue
		}
		if visited[p.Y][p.X] || !mask[p.Y][p.X] {
			continue
		}
		visited[p.Y][p.X] = true
		blob = append(blob, p)

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				stack = append(stack, image.Point{X: p.X + dx, Y: p.Y + dy})
			}
		}
	}
	return blob
}

// classifyBlob turns a connected blob into a Mark, or rejects it as line or
// noise. Compact, roughly square blobs are point markers; anything inside an
// axis exclusion zone is tagged as gridline-tick ink instead.
func classifyBlob(blob []image.Point, excluded func(x, y int) bool) (Mark, bool) {
	if len(blob) < minBlobArea || len(blob) > maxBlobArea {
		return Mark{}, false
	}

	minX, minY := blob[0].X, blob[0].Y
	maxX, maxY := minX, minY
	sumX, sumY := 0, 0
	for _, p := range blob {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
		sumX += p.X
		sumY += p.Y
	}
	w := maxX - minX + 1
	h := maxY - minY + 1
	if w > maxBlobExtent || h > maxBlobExtent {
		return Mark{}, false
	}

	// Connecting line segments are long and thin; markers are compact.
	aspect := float64(w) / float64(h)
	if aspect < 0.4 || aspect > 2.5 {
		return Mark{}, false
	}

	cx := sumX / len(blob)
	cy := sumY / len(blob)

	// Fill ratio against the circumscribed ellipse scores how marker-like
	// the blob is.
	expected := math.Pi * float64(w) * float64(h) / 4.0
	confidence := clamp01(float64(len(blob)) / expected)

	kind := KindPointMarker
	if excluded(cx, cy) {
		kind = KindGridlineTick
	}
	return Mark{X: cx, Y: cy, Kind: kind, Confidence: confidence}, true
}

// readAnnotation OCRs the window above a marker with a digit whitelist and
// aggregates per-character confidence into one score (the word confidence
// gosseract reports is already the mean over characters).
func readAnnotation(gray *image.Gray, reader ocr.RegionReader, m Mark) (string, float64) {
	region := image.Rect(m.X-annotationSearchPx, m.Y-annotationSearchPx, m.X+annotationSearchPx, m.Y-4)
	words, err := reader.ReadRegion(gray, region, ocr.DigitWhitelist)
	if err != nil {
		return "", 0
	}
	word, ok := ocr.BestWord(words)
	if !ok || word.Text == "" {
		return "", 0
	}
	return word.Text, word.Confidence
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
