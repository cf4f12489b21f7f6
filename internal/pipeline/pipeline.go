// Package pipeline orchestrates one chart extraction: normalize, calibrate,
// recognize, reconstruct.
//
// Each invocation is single threaded over exclusively owned state, so a
// batch of images fans out across worker goroutines with no shared mutable
// state between them. A caller-supplied deadline never discards finished
// work: when it expires mid-pipeline the invocation returns the best partial
// result so far with an incomplete flag.
package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glucograph/glucograph/internal/calibrate"
	"github.com/glucograph/glucograph/internal/glucose"
	"github.com/glucograph/glucograph/internal/ocr"
	"github.com/glucograph/glucograph/internal/raster"
	"github.com/glucograph/glucograph/internal/reconstruct"
	"github.com/glucograph/glucograph/internal/recognize"
)

// Analyzer runs chart extractions. It is immutable after construction and
// safe for concurrent use; per-invocation state lives on the stack of each
// Analyze call.
type Analyzer struct {
	reader  ocr.RegionReader
	image   raster.Options
	extract reconstruct.Options
	workers int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithImageOptions overrides normalization tuning.
func WithImageOptions(opts raster.Options) Option {
	return func(a *Analyzer) { a.image = opts }
}

// WithExtractOptions overrides reconstruction tuning.
func WithExtractOptions(opts reconstruct.Options) Option {
	return func(a *Analyzer) { a.extract = opts }
}

// WithWorkers bounds batch concurrency. Default: 4.
func WithWorkers(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.workers = n
		}
	}
}

// New creates an Analyzer using the given OCR reader, which is shared
// across invocations as initialized-once immutable recognition state.
func New(reader ocr.RegionReader, opts ...Option) *Analyzer {
	a := &Analyzer{reader: reader, workers: 4}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Input is one image to analyze.
type Input struct {
	// Name identifies the image in logs and outcomes (typically a path).
	Name string

	// Raw is the undecoded image bytes.
	Raw []byte

	// Calendar anchors charts that carry time-of-day only.
	Calendar reconstruct.CalendarContext
}

// Outcome is the result of one image analysis. Outcomes are always
// returned, never raised: a fatal per-image error lands in FailureReason
// with zero readings, so one bad image cannot abort a batch.
type Outcome struct {
	// ID identifies the analysis invocation.
	ID uuid.UUID `json:"id"`

	// Name echoes the input name.
	Name string `json:"name"`

	// Readings is the extracted, ordered reading sequence.
	Readings []glucose.Reading `json:"readings"`

	// Unresolved lists marks that could not be resolved to a reading.
	Unresolved []reconstruct.Unresolved `json:"unresolved,omitempty"`

	// CalibrationConfidence is the frame confidence, zero when calibration
	// failed.
	CalibrationConfidence float64 `json:"calibration_confidence"`

	// RecognitionConfidence is the marker recognizer's overall confidence.
	RecognitionConfidence float64 `json:"recognition_confidence"`

	// Incomplete is set when the deadline expired mid-pipeline or some
	// marks went unresolved. Readings remain valid.
	Incomplete bool `json:"incomplete"`

	// FailureReason is set when the image was unusable end to end
	// (undecodable, too small, or uncalibratable).
	FailureReason string `json:"failure_reason,omitempty"`
}

// Failed reports whether the image produced no usable extraction at all.
func (o *Outcome) Failed() bool {
	return o.FailureReason != ""
}

// Analyze runs the full extraction pipeline over one image.
func (a *Analyzer) Analyze(ctx context.Context, in Input) Outcome {
	out := Outcome{ID: uuid.New(), Name: in.Name}
	log := zap.L().With(zap.String("analysis_id", out.ID.String()), zap.String("image", in.Name))

	frame, marks, done := a.extractMarks(ctx, in, &out, log)
	if !done {
		return out
	}

	if err := ctx.Err(); err != nil {
		out.Incomplete = true
		log.Warn("deadline expired before reconstruction")
		return out
	}

	result := reconstruct.Reconstruct(marks, frame, in.Calendar, a.extract)
	out.Readings = result.Readings
	out.Unresolved = result.Unresolved
	out.Incomplete = out.Incomplete || result.Incomplete

	log.Info("analysis complete",
		zap.Int("readings", len(out.Readings)),
		zap.Int("unresolved", len(out.Unresolved)),
		zap.Bool("incomplete", out.Incomplete),
	)
	return out
}

// extractMarks runs the image stages, filling confidence fields on the
// outcome as they become known. It returns false when the pipeline cannot
// continue; the outcome then already carries the failure reason or the
// incomplete flag.
func (a *Analyzer) extractMarks(ctx context.Context, in Input, out *Outcome, log *zap.Logger) (*calibrate.Frame, *recognize.MarkSet, bool) {
	r, err := raster.Normalize(in.Raw, a.image)
	if err != nil {
		out.FailureReason = eris.ToString(err, false)
		log.Warn("image rejected", zap.Error(err))
		return nil, nil, false
	}
	if err := ctx.Err(); err != nil {
		out.Incomplete = true
		return nil, nil, false
	}

	frame, err := calibrate.Calibrate(r, a.reader)
	if err != nil {
		// No reliable domain mapping exists; the image yields zero
		// readings but the failure reason travels with the outcome.
		out.FailureReason = eris.ToString(err, false)
		log.Warn("calibration failed", zap.Error(err))
		return nil, nil, false
	}
	out.CalibrationConfidence = frame.Confidence
	if err := ctx.Err(); err != nil {
		out.Incomplete = true
		return nil, nil, false
	}

	marks, err := recognize.Recognize(r, frame, a.reader)
	if err != nil {
		// Recognition degrades, it does not fail; an error here means the
		// OCR backend itself is broken.
		out.FailureReason = eris.ToString(err, false)
		log.Error("marker recognition error", zap.Error(err))
		return nil, nil, false
	}
	out.RecognitionConfidence = marks.OverallConfidence
	return frame, marks, true
}

// AnalyzeBatch analyzes images in parallel worker tasks. Every input yields
// an outcome at the matching index; a fatal error on one image never aborts
// the rest.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, inputs []Input) []Outcome {
	outcomes := make([]Outcome, len(inputs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, in := range inputs {
		g.Go(func() error {
			outcomes[i] = a.Analyze(ctx, in)
			return nil
		})
	}
	// Workers never return errors; outcomes carry per-image failures.
	_ = g.Wait()
	return outcomes
}
