// Package vitals defines the physiological records that flow through the
// monitor: generated readings, their analysis results and derived anomaly
// records.
package vitals

import (
	"errors"
	"fmt"
	"time"
)

// TimeFormat is the sortable textual form used for reading timestamps.
const TimeFormat = "2006-01-02T15:04:05.000000"

// Names of the synthetic patterns the simulator can inject.
const (
	PatternCardiacStress = "Cardiac Stress"
	PatternInfectionRisk = "Infection Risk"
	PatternHighFatigue   = "High Fatigue"
)

// FeatureNames lists the canonical features in model order.
var FeatureNames = []string{
	"heart_rate",
	"spo2",
	"temperature",
	"activity_level",
	"sleep_quality",
}

// ErrMissingFeature is returned when a raw record lacks a canonical feature.
var ErrMissingFeature = errors.New("missing feature")

// Features is the feature-only view of a reading. It is the only shape the
// anomaly model accepts.
type Features struct {
	HeartRate     float64 `json:"heart_rate"`
	SpO2          float64 `json:"spo2"`
	Temperature   float64 `json:"temperature"`
	ActivityLevel float64 `json:"activity_level"`
	SleepQuality  float64 `json:"sleep_quality"`
}

// Vector returns the features in FeatureNames order.
func (f Features) Vector() []float64 {
	return []float64{f.HeartRate, f.SpO2, f.Temperature, f.ActivityLevel, f.SleepQuality}
}

// FeaturesFromMap builds Features from a name-keyed map. Every canonical
// feature must be present; extra keys are ignored.
func FeaturesFromMap(m map[string]float64) (Features, error) {
	var vec [5]float64
	for i, name := range FeatureNames {
		v, ok := m[name]
		if !ok {
			return Features{}, fmt.Errorf("%w: %s", ErrMissingFeature, name)
		}
		vec[i] = v
	}
	return Features{
		HeartRate:     vec[0],
		SpO2:          vec[1],
		Temperature:   vec[2],
		ActivityLevel: vec[3],
		SleepQuality:  vec[4],
	}, nil
}

// Analysis is the scoring outcome attached to a reading.
// Anomalies is non-empty iff IsAnomaly is true.
type Analysis struct {
	RiskScore int      `json:"risk_score"`
	Anomalies []string `json:"anomalies"`
	IsAnomaly bool     `json:"is_anomaly"`
}

// Untrained is the analysis reported while the model is warming up.
func Untrained() Analysis {
	return Analysis{RiskScore: 0, Anomalies: []string{}, IsAnomaly: false}
}

// Reading is one timestamped five-feature sample, enriched with its Analysis
// once scored.
type Reading struct {
	ID            string  `json:"_id,omitempty"`
	Timestamp     string  `json:"timestamp"`
	HeartRate     float64 `json:"heart_rate"`
	SpO2          float64 `json:"spo2"`
	Temperature   float64 `json:"temperature"`
	ActivityLevel float64 `json:"activity_level"`
	SleepQuality  float64 `json:"sleep_quality"`

	// AnomalyInjected names the synthetic pattern used at generation time.
	// Ground truth only; it never reaches the model.
	AnomalyInjected *string `json:"anomaly_injected"`

	Analysis
}

// NewReading creates an unscored reading stamped at t.
func NewReading(t time.Time, f Features) Reading {
	return Reading{
		Timestamp:     t.UTC().Format(TimeFormat),
		HeartRate:     f.HeartRate,
		SpO2:          f.SpO2,
		Temperature:   f.Temperature,
		ActivityLevel: f.ActivityLevel,
		SleepQuality:  f.SleepQuality,
		Analysis:      Untrained(),
	}
}

// Features projects the reading onto the canonical features, dropping the
// identifier, timestamp, ground truth and analysis fields.
func (r Reading) Features() Features {
	return Features{
		HeartRate:     r.HeartRate,
		SpO2:          r.SpO2,
		Temperature:   r.Temperature,
		ActivityLevel: r.ActivityLevel,
		SleepQuality:  r.SleepQuality,
	}
}

// Project applies Reading.Features to a batch.
func Project(history []Reading) []Features {
	out := make([]Features, len(history))
	for i, r := range history {
		out[i] = r.Features()
	}
	return out
}

// AnomalyRecord is the append-only log entry written for every anomalous
// reading.
type AnomalyRecord struct {
	ID           string   `json:"_id,omitempty"`
	Timestamp    string   `json:"timestamp"`
	Risks        []string `json:"risks"`
	RiskScore    int      `json:"risk_score"`
	DataSnapshot Reading  `json:"data_snapshot"`
}

// NewAnomalyRecord derives the anomaly log entry for an enriched reading.
func NewAnomalyRecord(r Reading) AnomalyRecord {
	risks := make([]string, len(r.Anomalies))
	copy(risks, r.Anomalies)
	return AnomalyRecord{
		Timestamp:    r.Timestamp,
		Risks:        risks,
		RiskScore:    r.RiskScore,
		DataSnapshot: r,
	}
}
