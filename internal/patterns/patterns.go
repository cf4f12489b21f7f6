// Package patterns runs a fixed battery of rule-based detectors over a
// reading history snapshot and surfaces clinically meaningful patterns as
// findings.
//
// Every threshold and window is configuration: the values are clinically
// sensitive and likely to require tuning, so none are hardwired. Defaults
// live in DefaultConfig.
package patterns

import (
	"time"

	"github.com/glucograph/glucograph/internal/glucose"
)

// Kind enumerates the pattern detectors.
type Kind string

const (
	DawnPhenomenon        Kind = "dawn_phenomenon"
	PostMealSpike         Kind = "post_meal_spike"
	NocturnalHypoglycemia Kind = "nocturnal_hypoglycemia"
	HighVariability       Kind = "high_variability"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo    Severity = "informational"
	SeverityCaution Severity = "caution"
	SeverityUrgent  Severity = "urgent"
)

// Finding is one triggered detector rule.
//
// A finding is a derived view over history, recomputed on every evaluation
// and never persisted as authoritative state. It carries no presentation
// text: RationaleKey keys a rationale template owned by the presentation
// collaborator.
type Finding struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`

	// WindowStart and WindowEnd bound the evidence window.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// Evidence is the reading subset that triggered the rule.
	Evidence []glucose.Reading `json:"evidence"`

	// RationaleKey selects the human-readable rationale template.
	RationaleKey string `json:"rationale_key"`
}

// Config holds the detector thresholds and windows. Time-of-day bounds are
// minutes after midnight.
type Config struct {
	// Dawn phenomenon: rise between the pre-dawn baseline window and the
	// waking window, recurring on a fraction of observed days.
	DawnBaselineStartMin int     `mapstructure:"dawn_baseline_start_min"`
	DawnBaselineEndMin   int     `mapstructure:"dawn_baseline_end_min"`
	DawnWakeStartMin     int     `mapstructure:"dawn_wake_start_min"`
	DawnWakeEndMin       int     `mapstructure:"dawn_wake_end_min"`
	DawnDelta            float64 `mapstructure:"dawn_delta"`
	RecurrenceFraction   float64 `mapstructure:"recurrence_fraction"`

	// MinRecurrence is the minimum number of corroborating days or
	// readings for recurring-pattern findings. Single-point false
	// positives are excluded by keeping this at 2 or more.
	MinRecurrence int `mapstructure:"min_recurrence"`

	// Post-meal spike.
	PostMealInterval time.Duration `mapstructure:"post_meal_interval"`
	SpikeCeiling     float64       `mapstructure:"spike_ceiling"`

	// Nocturnal hypoglycemia. The overnight window wraps midnight when
	// start > end.
	OvernightStartMin int     `mapstructure:"overnight_start_min"`
	OvernightEndMin   int     `mapstructure:"overnight_end_min"`
	HypoFloor         float64 `mapstructure:"hypo_floor"`

	// High variability over a rolling window.
	VariabilityWindow time.Duration `mapstructure:"variability_window"`
	StdDevThreshold   float64       `mapstructure:"stddev_threshold"`
	CVThreshold       float64       `mapstructure:"cv_threshold"`

	// Severity tiers: a rule's breach factor (how far past threshold,
	// relative to the threshold) is graded against these multiples.
	CautionFactor float64 `mapstructure:"caution_factor"`
	UrgentFactor  float64 `mapstructure:"urgent_factor"`
}

// DefaultConfig returns the recommended detector configuration.
func DefaultConfig() Config {
	return Config{
		DawnBaselineStartMin: 3 * 60, // 03:00
		DawnBaselineEndMin:   5 * 60, // 05:00
		DawnWakeStartMin:     6 * 60, // 06:00
		DawnWakeEndMin:       8 * 60, // 08:00
		DawnDelta:            20,
		RecurrenceFraction:   0.5,
		MinRecurrence:        2,
		PostMealInterval:     2 * time.Hour,
		SpikeCeiling:         180,
		OvernightStartMin:    22 * 60, // 22:00
		OvernightEndMin:      6 * 60,  // 06:00
		HypoFloor:            70,
		VariabilityWindow:    24 * time.Hour,
		StdDevThreshold:      50,
		CVThreshold:          0.36,
		CautionFactor:        0.1,
		UrgentFactor:         0.25,
	}
}

// severityFor grades a breach factor against the configured tiers.
func severityFor(breach float64, cfg Config) Severity {
	switch {
	case breach >= cfg.UrgentFactor:
		return SeverityUrgent
	case breach >= cfg.CautionFactor:
		return SeverityCaution
	default:
		return SeverityInfo
	}
}

// minuteOfDay returns minutes after midnight in the timestamp's location.
func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// inClockWindow reports whether a timestamp's time of day falls in
// [start, end) minutes, wrapping midnight when start > end.
func inClockWindow(t time.Time, startMin, endMin int) bool {
	m := minuteOfDay(t)
	if startMin <= endMin {
		return m >= startMin && m < endMin
	}
	return m >= startMin || m < endMin
}
