// Package ocr wraps Tesseract (via gosseract) for the small, targeted text
// reads the chart pipeline needs: axis tick labels and printed numeric
// annotations next to plotted markers.
//
// The Engine holds process-wide recognition state resolved once at startup
// and immutable afterwards. Each read creates a short-lived gosseract client;
// clients are not safe for concurrent reuse, engine state is.
package ocr

import (
	"image"
	"image/png"
	"os"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
	"github.com/rotisserie/eris"
)

// Character whitelists for restricted recognition passes.
const (
	DigitWhitelist = "0123456789"
	TimeWhitelist  = "0123456789:apmAPM"
	ValueWhitelist = "0123456789."
)

// Word is one recognized token with its location and confidence.
type Word struct {
	// Text is the recognized token.
	Text string `json:"text"`

	// Confidence is the recognition confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Bounds is the token's bounding box in the coordinates of the image
	// the read was performed against.
	Bounds image.Rectangle `json:"bounds"`
}

// RegionReader reads text restricted to a rectangular region of an image.
//
// The production implementation is *Engine; tests substitute a stub so the
// geometric pipeline can be exercised without a Tesseract installation.
type RegionReader interface {
	ReadRegion(img image.Image, region image.Rectangle, whitelist string) ([]Word, error)
}

// Engine is the production RegionReader backed by Tesseract.
type Engine struct {
	language string

	tessdataOnce sync.Once
	tessdataPath string
	tessdataErr  error
}

// NewEngine creates an Engine for the given Tesseract language code
// (e.g. "eng"). Language data discovery is deferred to the first read.
func NewEngine(language string) *Engine {
	return &Engine{language: language}
}

// ensureTessdata resolves the tessdata directory once for the process
// lifetime. An explicit TESSDATA_PREFIX wins; otherwise gosseract falls back
// to the system default and we record an empty path.
func (e *Engine) ensureTessdata() (string, error) {
	e.tessdataOnce.Do(func() {
		if prefix := os.Getenv("TESSDATA_PREFIX"); prefix != "" {
			if _, err := os.Stat(prefix); err != nil {
				e.tessdataErr = eris.Wrapf(err, "ocr: TESSDATA_PREFIX %q not usable", prefix)
				return
			}
			e.tessdataPath = prefix
		}
	})
	return e.tessdataPath, e.tessdataErr
}

// ReadRegion performs OCR on a rectangular region of an image.
//
// The region is cropped, upscaled 3x (tick labels and marker annotations are
// typically only a few pixels tall), written to a temporary PNG, and read
// with the given character whitelist. Returned bounds are adjusted back to
// the original image coordinates. Empty tokens are dropped.
func (e *Engine) ReadRegion(img image.Image, region image.Rectangle, whitelist string) ([]Word, error) {
	region = region.Intersect(img.Bounds())
	if region.Empty() {
		return nil, nil
	}

	tessdataPath, err := e.ensureTessdata()
	if err != nil {
		return nil, err
	}

	cropped := imaging.Crop(img, region)
	upscaled := imaging.Resize(cropped, cropped.Bounds().Dx()*3, 0, imaging.Lanczos)

	tmpFile, err := os.CreateTemp("", "glucograph-ocr-*.png")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create temp file")
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if err := png.Encode(tmpFile, upscaled); err != nil {
		tmpFile.Close()
		return nil, eris.Wrap(err, "ocr: encode temp image")
	}
	tmpFile.Close()

	client := gosseract.NewClient()
	defer client.Close()

	if tessdataPath != "" {
		if err := client.SetTessdataPrefix(tessdataPath); err != nil {
			return nil, eris.Wrap(err, "ocr: set tessdata path")
		}
	}
	if err := client.SetLanguage(e.language); err != nil {
		return nil, eris.Wrap(err, "ocr: set language")
	}
	if whitelist != "" {
		if err := client.SetWhitelist(whitelist); err != nil {
			return nil, eris.Wrap(err, "ocr: set whitelist")
		}
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return nil, eris.Wrap(err, "ocr: set page segmentation mode")
	}
	if err := client.SetImage(tmpPath); err != nil {
		return nil, eris.Wrap(err, "ocr: set image")
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read region")
	}

	words := make([]Word, 0, len(boxes))
	for _, box := range boxes {
		if box.Word == "" {
			continue
		}
		words = append(words, Word{
			Text:       box.Word,
			Confidence: float64(box.Confidence) / 100.0,
			Bounds: image.Rect(
				region.Min.X+box.Box.Min.X/3,
				region.Min.Y+box.Box.Min.Y/3,
				region.Min.X+box.Box.Max.X/3,
				region.Min.Y+box.Box.Max.Y/3,
			),
		})
	}
	return words, nil
}

// Version returns the Tesseract version string, for diagnostics.
func (e *Engine) Version() string {
	client := gosseract.NewClient()
	defer client.Close()
	return client.Version()
}

var _ RegionReader = (*Engine)(nil)

// BestWord returns the highest-confidence word, or false when none exist.
func BestWord(words []Word) (Word, bool) {
	if len(words) == 0 {
		return Word{}, false
	}
	best := words[0]
	for _, w := range words[1:] {
		if w.Confidence > best.Confidence {
			best = w
		}
	}
	return best, true
}
