package patterns

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/glucograph/glucograph/internal/glucose"
)

// Evaluate runs every detector rule over a history snapshot and returns the
// triggered findings.
//
// The call is stateless and never mutates the snapshot; meals are externally
// logged meal timestamps used by the post-meal detector. Recurring-pattern
// rules (dawn phenomenon, variability) require at least cfg.MinRecurrence
// corroborating readings; a single extreme reading is sufficient for urgent
// low/high findings.
func Evaluate(history glucose.History, meals []time.Time, cfg Config) []Finding {
	findings := make([]Finding, 0, 4)
	for _, detect := range []func(glucose.History, []time.Time, Config) *Finding{
		detectDawn,
		detectPostMeal,
		detectNocturnal,
		detectVariability,
	} {
		if f := detect(history, meals, cfg); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

// detectDawn looks for rises of at least DawnDelta between the pre-dawn
// baseline window and the waking window, recurring on at least
// RecurrenceFraction of the days that observed both windows.
func detectDawn(history glucose.History, _ []time.Time, cfg Config) *Finding {
	type dayObs struct {
		baseline []float64
		wake     []float64
		evidence []glucose.Reading
	}
	days := make(map[string]*dayObs)
	order := make([]string, 0)

	for _, r := range history.Readings() {
		inBaseline := inClockWindow(r.Timestamp, cfg.DawnBaselineStartMin, cfg.DawnBaselineEndMin)
		inWake := inClockWindow(r.Timestamp, cfg.DawnWakeStartMin, cfg.DawnWakeEndMin)
		if !inBaseline && !inWake {
			continue
		}
		key := r.Timestamp.Format("2006-01-02")
		obs, ok := days[key]
		if !ok {
			obs = &dayObs{}
			days[key] = obs
			order = append(order, key)
		}
		if inBaseline {
			obs.baseline = append(obs.baseline, r.Value)
		} else {
			obs.wake = append(obs.wake, r.Value)
		}
		obs.evidence = append(obs.evidence, r)
	}
	sort.Strings(order)

	observedDays := 0
	hitDays := 0
	maxRise := 0.0
	evidence := make([]glucose.Reading, 0)
	for _, key := range order {
		obs := days[key]
		if len(obs.baseline) == 0 || len(obs.wake) == 0 {
			continue
		}
		observedDays++
		rise := stat.Mean(obs.wake, nil) - stat.Mean(obs.baseline, nil)
		if rise >= cfg.DawnDelta {
			hitDays++
			evidence = append(evidence, obs.evidence...)
			if rise > maxRise {
				maxRise = rise
			}
		}
	}

	if hitDays < cfg.MinRecurrence || observedDays == 0 {
		return nil
	}
	if float64(hitDays) < cfg.RecurrenceFraction*float64(observedDays) {
		return nil
	}

	breach := (maxRise - cfg.DawnDelta) / cfg.DawnDelta
	return newFinding(DawnPhenomenon, severityFor(breach, cfg), evidence)
}

// detectPostMeal fires when a post-meal-tagged reading, or an image-derived
// reading within PostMealInterval after a logged meal, exceeds the spike
// ceiling. A single extreme reading is sufficient.
func detectPostMeal(history glucose.History, meals []time.Time, cfg Config) *Finding {
	evidence := make([]glucose.Reading, 0)
	maxValue := 0.0
	for _, r := range history.Readings() {
		if r.Value <= cfg.SpikeCeiling {
			continue
		}
		if r.Type != glucose.PostMeal && !afterMeal(r, meals, cfg.PostMealInterval) {
			continue
		}
		evidence = append(evidence, r)
		if r.Value > maxValue {
			maxValue = r.Value
		}
	}
	if len(evidence) == 0 {
		return nil
	}

	breach := (maxValue - cfg.SpikeCeiling) / cfg.SpikeCeiling
	return newFinding(PostMealSpike, severityFor(breach, cfg), evidence)
}

// afterMeal reports whether an image-derived reading falls within the
// configured interval after any logged meal timestamp.
func afterMeal(r glucose.Reading, meals []time.Time, interval time.Duration) bool {
	if r.Source != glucose.SourceImage {
		return false
	}
	for _, meal := range meals {
		elapsed := r.Timestamp.Sub(meal)
		if elapsed >= 0 && elapsed <= interval {
			return true
		}
	}
	return false
}

// detectNocturnal fires on any reading inside the overnight window below the
// hypoglycemia floor. A single reading is sufficient; severity reflects how
// deep the lowest excursion went.
func detectNocturnal(history glucose.History, _ []time.Time, cfg Config) *Finding {
	evidence := make([]glucose.Reading, 0)
	lowest := cfg.HypoFloor
	for _, r := range history.Readings() {
		if !inClockWindow(r.Timestamp, cfg.OvernightStartMin, cfg.OvernightEndMin) {
			continue
		}
		if r.Value >= cfg.HypoFloor {
			continue
		}
		evidence = append(evidence, r)
		if r.Value < lowest {
			lowest = r.Value
		}
	}
	if len(evidence) == 0 {
		return nil
	}

	breach := (cfg.HypoFloor - lowest) / cfg.HypoFloor
	return newFinding(NocturnalHypoglycemia, severityFor(breach, cfg), evidence)
}

// detectVariability slides a rolling window over the snapshot and fires when
// any window's standard deviation or coefficient of variation exceeds its
// threshold. Windows with fewer than MinRecurrence readings never fire.
func detectVariability(history glucose.History, _ []time.Time, cfg Config) *Finding {
	readings := history.Readings()
	worstBreach := 0.0
	var worst []glucose.Reading

	for i := range readings {
		end := readings[i].Timestamp.Add(cfg.VariabilityWindow)
		values := make([]float64, 0)
		j := i
		for j < len(readings) && readings[j].Timestamp.Before(end) {
			values = append(values, readings[j].Value)
			j++
		}
		if len(values) < cfg.MinRecurrence {
			continue
		}

		sd := stat.StdDev(values, nil)
		mean := stat.Mean(values, nil)
		cv := 0.0
		if mean > 0 {
			cv = sd / mean
		}

		breach := (sd - cfg.StdDevThreshold) / cfg.StdDevThreshold
		if cvBreach := (cv - cfg.CVThreshold) / cfg.CVThreshold; cvBreach > breach {
			breach = cvBreach
		}
		if breach >= 0 && (worst == nil || breach > worstBreach) {
			worstBreach = breach
			worst = readings[i:j]
		}
	}

	if worst == nil {
		return nil
	}
	return newFinding(HighVariability, severityFor(worstBreach, cfg), worst)
}

// newFinding assembles a finding with its evidence window and rationale key.
func newFinding(kind Kind, severity Severity, evidence []glucose.Reading) *Finding {
	start, end := evidence[0].Timestamp, evidence[0].Timestamp
	for _, r := range evidence[1:] {
		if r.Timestamp.Before(start) {
			start = r.Timestamp
		}
		if r.Timestamp.After(end) {
			end = r.Timestamp
		}
	}
	return &Finding{
		Kind:         kind,
		Severity:     severity,
		WindowStart:  start,
		WindowEnd:    end,
		Evidence:     evidence,
		RationaleKey: string(kind),
	}
}
