package analyzer

import (
	"fmt"
	"math"

	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// Labels produced by the heuristic classifier.
const (
	LabelCardiacStress = "Cardiac Stress Pattern"
	LabelInfection     = "Potential Infection Signal"
	LabelFatigue       = "High Fatigue Warning"
	LabelUnusual       = "Unusual Physiological Correlation"
)

// Scorer is the part of a Model that Analyze needs.
type Scorer interface {
	Trained() bool
	Score(f vitals.Features) (Verdict, float64, error)
}

type rule struct {
	label string
	match func(vitals.Features) bool
}

// rules are evaluated in order; all comparisons are strict.
var rules = []rule{
	{LabelCardiacStress, func(f vitals.Features) bool { return f.HeartRate > 100 && f.ActivityLevel < 20 }},
	{LabelInfection, func(f vitals.Features) bool { return f.Temperature > 38.0 && f.SpO2 < 95 }},
	{LabelFatigue, func(f vitals.Features) bool { return f.SleepQuality < 60 && f.ActivityLevel > 70 }},
}

// Analyze scores r and labels it when the verdict is anomalous. An untrained
// scorer yields vitals.Untrained.
func Analyze(r vitals.Reading, s Scorer) (vitals.Analysis, error) {
	if !s.Trained() {
		return vitals.Untrained(), nil
	}

	f := r.Features()
	verdict, raw, err := s.Score(f)
	if err != nil {
		return vitals.Analysis{}, fmt.Errorf("score reading: %w", err)
	}

	a := vitals.Analysis{
		RiskScore: RiskScore(raw),
		Anomalies: []string{},
		IsAnomaly: verdict == Anomalous,
	}
	if a.IsAnomaly {
		a.Anomalies = Classify(f)
	}
	return a, nil
}

// Classify applies the heuristic rules to f. It never returns an empty slice:
// when no rule fires the fallback label is used.
func Classify(f vitals.Features) []string {
	labels := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.match(f) {
			labels = append(labels, r.label)
		}
	}
	if len(labels) == 0 {
		labels = append(labels, LabelUnusual)
	}
	return labels
}

// RiskScore maps a raw decision score onto 0..100. Raw scores are expected to
// fall roughly in [-0.5, 0.5]; anything outside is clamped.
func RiskScore(raw float64) int {
	risk := math.Round((0.5 - raw) * 100)
	switch {
	case risk < 0 || math.IsNaN(risk):
		return 0
	case risk > 100:
		return 100
	}
	return int(risk)
}
