// Package raster normalizes raw chart images into a canonical grayscale
// frame ready for axis calibration and marker recognition.
//
// Normalization is a pure transform: decode, grayscale, denoise, adaptive
// contrast stretch, crop to the plausible plot area, and deskew. When crop or
// deskew confidence is low the stage degrades gracefully, passing the
// uncropped normalized frame through with a low-quality flag instead of
// failing.
package raster

import (
	"bytes"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/transform"
	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
)

// Sentinel errors for inputs rejected before the pipeline runs.
var (
	ErrUnsupportedFormat = eris.New("raster: byte stream is not a decodable image")
	ErrImageTooSmall     = eris.New("raster: image resolution below usable threshold")
)

// Options tunes normalization. Zero values fall back to defaults.
type Options struct {
	// MinWidth and MinHeight reject images too small to carry a readable
	// chart. Defaults: 200x150.
	MinWidth  int
	MinHeight int

	// DeskewToleranceDegrees is the skew angle below which no rotation is
	// applied. Default: 0.5.
	DeskewToleranceDegrees float64

	// CropConfidenceFloor is the minimum crop confidence required to apply
	// the plot-area crop. Below it the full frame passes through and
	// LowQuality is set. Default: 0.5.
	CropConfidenceFloor float64
}

func (o *Options) applyDefaults() {
	if o.MinWidth == 0 {
		o.MinWidth = 200
	}
	if o.MinHeight == 0 {
		o.MinHeight = 150
	}
	if o.DeskewToleranceDegrees == 0 {
		o.DeskewToleranceDegrees = 0.5
	}
	if o.CropConfidenceFloor == 0 {
		o.CropConfidenceFloor = 0.5
	}
}

// Raster is the canonical frame handed to calibration and recognition.
//
// It is owned exclusively by the pipeline invocation that created it and is
// never shared across concurrent analyses.
type Raster struct {
	// Gray is the normalized grayscale frame.
	Gray *image.Gray

	// Color is the denoised color frame with the same crop and rotation as
	// Gray. Marker recognition uses it to tell series-colored markers from
	// gray gridline ink.
	Color image.Image

	// LowQuality is set when crop or deskew confidence was too low to
	// trust, and the frame passed through uncropped. Downstream stages
	// reduce their confidence accordingly.
	LowQuality bool

	// CropConfidence is the fraction of structural edge content captured
	// by the chosen plot area, in [0,1].
	CropConfidence float64

	// SkewCorrectedDegrees is the rotation applied during deskew, zero when
	// the frame was already level.
	SkewCorrectedDegrees float64
}

// Width returns the frame width in pixels.
func (r *Raster) Width() int { return r.Gray.Bounds().Dx() }

// Height returns the frame height in pixels.
func (r *Raster) Height() int { return r.Gray.Bounds().Dy() }

// Normalize decodes raw image bytes and produces the canonical frame.
//
// Fails with ErrUnsupportedFormat when the bytes cannot be decoded as PNG,
// JPEG, or GIF, and with ErrImageTooSmall when the decoded resolution is
// below the configured threshold. All other degradation is non-fatal: the
// result carries LowQuality instead.
func Normalize(raw []byte, opts Options) (*Raster, error) {
	opts.applyDefaults()

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(ErrUnsupportedFormat, err.Error())
	}

	bounds := img.Bounds()
	if bounds.Dx() < opts.MinWidth || bounds.Dy() < opts.MinHeight {
		return nil, eris.Wrapf(ErrImageTooSmall, "%dx%d below %dx%d",
			bounds.Dx(), bounds.Dy(), opts.MinWidth, opts.MinHeight)
	}

	// Denoise then flatten to grayscale.
	smoothed := blur.Gaussian(img, 1.0)
	gray := toGray(effect.Grayscale(smoothed))

	gray = stretchContrast(gray)

	r := &Raster{Gray: gray, Color: smoothed}

	// Deskew before cropping so the plot-area bounds stay axis aligned.
	if angle := estimateSkew(gray); absf(angle) > opts.DeskewToleranceDegrees {
		opt := &transform.RotationOptions{ResizeBounds: false}
		r.Gray = toGray(transform.Rotate(r.Gray, -angle, opt))
		r.Color = transform.Rotate(r.Color, -angle, opt)
		r.SkewCorrectedDegrees = -angle
	}

	region, confidence := findPlotArea(r.Gray)
	r.CropConfidence = confidence
	if confidence >= opts.CropConfidenceFloor {
		r.Gray = toGray(imaging.Crop(r.Gray, region))
		r.Color = imaging.Crop(r.Color, region)
	} else {
		r.LowQuality = true
	}

	return r, nil
}

// toGray converts any image to *image.Gray with zero-based bounds.
func toGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			// ITU-R BT.601 luminance
			out.Pix[out.PixOffset(x, y)] = uint8(float64(r>>8)*0.299 + float64(g>>8)*0.587 + float64(b>>8)*0.114)
		}
	}
	return out
}

// stretchContrast applies a percentile-based linear stretch, mapping the 2nd
// percentile to black and the 98th to white. Robust against a few saturated
// pixels, unlike a plain min/max stretch.
func stretchContrast(gray *image.Gray) *image.Gray {
	var hist [256]int
	for _, v := range gray.Pix {
		hist[v]++
	}
	total := len(gray.Pix)
	lo := percentileLevel(hist[:], total, 0.02)
	hi := percentileLevel(hist[:], total, 0.98)
	if hi <= lo {
		return gray
	}

	out := image.NewGray(gray.Bounds())
	scale := 255.0 / float64(hi-lo)
	for i, v := range gray.Pix {
		stretched := (float64(v) - float64(lo)) * scale
		if stretched < 0 {
			stretched = 0
		}
		if stretched > 255 {
			stretched = 255
		}
		out.Pix[i] = uint8(stretched)
	}
	return out
}

// percentileLevel returns the gray level at the given cumulative fraction.
func percentileLevel(hist []int, total int, fraction float64) int {
	target := int(float64(total) * fraction)
	cum := 0
	for level, count := range hist {
		cum += count
		if cum >= target {
			return level
		}
	}
	return 255
}

// Crop padding. The gutters below and left of the plot box carry the axis
// tick labels; the crop keeps them so calibration can still read them.
const (
	labelGutterPx = 50
	cropMarginPx  = 8
)

// findPlotArea locates the plot box between the outermost frame-spanning
// gridlines. Confidence is the fraction of all edge pixels captured by that
// box; sparse or partial grids score low and leave the frame uncropped.
func findPlotArea(gray *image.Gray) (image.Rectangle, float64) {
	edges := EdgeMap(gray)
	width := gray.Bounds().Dx()
	height := gray.Bounds().Dy()

	colDensity := make([]int, width)
	rowDensity := make([]int, height)
	totalEdges := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if edges[y][x] {
				colDensity[x]++
				rowDensity[y]++
				totalEdges++
			}
		}
	}
	if totalEdges == 0 {
		return gray.Bounds(), 0
	}

	x1, x2 := structuralSpan(colDensity, height)
	y1, y2 := structuralSpan(rowDensity, width)
	if x2-x1 < width/4 || y2-y1 < height/4 {
		return gray.Bounds(), 0
	}

	inside := 0
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			if edges[y][x] {
				inside++
			}
		}
	}

	rect := image.Rect(x1-labelGutterPx, y1-cropMarginPx, x2+cropMarginPx, y2+labelGutterPx)
	return rect.Intersect(gray.Bounds()), float64(inside) / float64(totalEdges)
}

// structuralSpan returns the range between the outermost bins dense enough to
// be frame-spanning gridlines, meaning at least half the frame's transverse
// extent. Short strokes and marker ink never qualify.
func structuralSpan(density []int, frameExtent int) (int, int) {
	threshold := frameExtent / 2
	first, last := -1, -1
	for i, d := range density {
		if d >= threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return 0, 0
	}
	return first, last + 1
}

// estimateSkew estimates the dominant skew angle of near-horizontal
// structure in degrees, using projection-profile variance: the rotation that
// concentrates edge pixels into the fewest rows is the one that levels the
// gridlines.
func estimateSkew(gray *image.Gray) float64 {
	edges := EdgeMap(gray)
	width := gray.Bounds().Dx()
	height := gray.Bounds().Dy()

	type edgePoint struct{ x, y int }
	points := make([]edgePoint, 0, 4096)
	// Sampling every third pixel keeps the sweep cheap on large frames.
	for y := 0; y < height; y += 3 {
		for x := 0; x < width; x += 3 {
			if edges[y][x] {
				points = append(points, edgePoint{x, y})
			}
		}
	}
	if len(points) < 50 {
		return 0
	}

	bestAngle, bestScore := 0.0, -1.0
	for angle := -10.0; angle <= 10.0; angle += 0.5 {
		slope := angle * degToSlope
		profile := make([]int, height+width/4+1)
		for _, p := range points {
			row := int(float64(p.y) - slope*float64(p.x))
			if row >= 0 && row < len(profile) {
				profile[row]++
			}
		}
		score := profileVariance(profile, len(points))
		if score > bestScore {
			bestScore = score
			bestAngle = angle
		}
	}
	return bestAngle
}

// degToSlope approximates tan(theta) for small angles in degrees.
const degToSlope = 0.0174533

// profileVariance scores how concentrated a projection profile is.
func profileVariance(profile []int, n int) float64 {
	mean := float64(n) / float64(len(profile))
	variance := 0.0
	for _, count := range profile {
		d := float64(count) - mean
		variance += d * d
	}
	return variance / float64(len(profile))
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
