// Package glucose defines the domain model shared by the extraction pipeline
// and the pattern engine: glucose readings, reading histories, and the
// bounds of physiologically plausible values.
package glucose

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Plausible value bounds in mg/dL. Values outside this band are treated as
// recognition noise, never as data.
const (
	MinPlausible = 40.0
	MaxPlausible = 500.0
)

// MeasurementType tags how a reading was taken relative to meals.
type MeasurementType string

const (
	Fasting     MeasurementType = "fasting"
	PostMeal    MeasurementType = "post_meal"
	Random      MeasurementType = "random"
	Unspecified MeasurementType = "unspecified"
)

// Source tags where a reading came from.
type Source string

const (
	SourceManual Source = "manual"
	SourceImage  Source = "image"
)

// Reading is a single glucose measurement.
//
// Readings are immutable once stored. A correction never rewrites history in
// place; it is a new Reading whose SupersedesID points at the reading it
// replaces, preserving auditability.
type Reading struct {
	// ID uniquely identifies the reading.
	ID uuid.UUID `json:"id"`

	// Timestamp is the resolved date and time of the measurement.
	Timestamp time.Time `json:"timestamp"`

	// Value is the glucose level in mg/dL, bounded to [MinPlausible, MaxPlausible].
	Value float64 `json:"value"`

	// Type records the measurement context (fasting, post-meal, ...).
	Type MeasurementType `json:"type"`

	// Source records whether the reading was entered manually or derived
	// from a chart image.
	Source Source `json:"source"`

	// Confidence is a [0,1] trust score. Image-derived readings carry
	// confidence < 1.0 unless an exact OCR match against a printed numeric
	// label corroborated the value.
	Confidence float64 `json:"confidence"`

	// Discrepancy is set when the OCR-read value and the geometrically
	// derived value disagreed and geometry won.
	Discrepancy bool `json:"discrepancy,omitempty"`

	// DateAnchored is set when the chart supplied a time of day only and the
	// date was anchored from caller-supplied calendar context.
	DateAnchored bool `json:"date_anchored,omitempty"`

	// SupersedesID points at an earlier reading this one corrects, if any.
	SupersedesID *uuid.UUID `json:"supersedes_id,omitempty"`
}

// Plausible reports whether the value lies inside the physiological band.
func Plausible(value float64) bool {
	return value >= MinPlausible && value <= MaxPlausible
}

// History is a timestamp-sorted snapshot of readings for one user.
//
// The pattern engine receives a History as a read-only view for the duration
// of one evaluation call; it is never mutated by this core.
type History struct {
	readings []Reading
}

// NewHistory builds a History from readings, sorting by timestamp and
// dropping exact duplicates (same timestamp and value). The input slice is
// not modified.
func NewHistory(readings []Reading) History {
	sorted := make([]Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	deduped := sorted[:0]
	for i, r := range sorted {
		if i > 0 {
			prev := deduped[len(deduped)-1]
			if r.Timestamp.Equal(prev.Timestamp) && r.Value == prev.Value {
				continue
			}
		}
		deduped = append(deduped, r)
	}
	return History{readings: deduped}
}

// Readings returns the snapshot in timestamp order. Callers must not modify
// the returned slice.
func (h History) Readings() []Reading {
	return h.readings
}

// Len returns the number of readings in the snapshot.
func (h History) Len() int {
	return len(h.readings)
}

// Between returns the readings with Timestamp in [from, to).
func (h History) Between(from, to time.Time) []Reading {
	lo := sort.Search(len(h.readings), func(i int) bool {
		return !h.readings[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(h.readings), func(i int) bool {
		return !h.readings[i].Timestamp.Before(to)
	})
	return h.readings[lo:hi]
}
