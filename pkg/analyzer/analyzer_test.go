package analyzer

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/vitalguard/pkg/vitals"
)

type stubScorer struct {
	trained bool
	verdict Verdict
	raw     float64
	err     error
	calls   int
}

func (s *stubScorer) Trained() bool { return s.trained }

func (s *stubScorer) Score(vitals.Features) (Verdict, float64, error) {
	s.calls++
	return s.verdict, s.raw, s.err
}

func reading(f vitals.Features) vitals.Reading {
	return vitals.NewReading(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), f)
}

func normalFeatures() vitals.Features {
	return vitals.Features{HeartRate: 78, SpO2: 97.5, Temperature: 36.8, ActivityLevel: 30, SleepQuality: 86}
}

func TestAnalyzeUntrained(t *testing.T) {
	inputs := []vitals.Features{
		normalFeatures(),
		{HeartRate: 180, SpO2: 80, Temperature: 40, ActivityLevel: 0, SleepQuality: 10},
		{},
	}

	for _, f := range inputs {
		s := &stubScorer{trained: false, verdict: Anomalous, raw: -1}
		a, err := Analyze(reading(f), s)
		require.NoError(t, err)
		assert.Equal(t, vitals.Analysis{RiskScore: 0, Anomalies: []string{}, IsAnomaly: false}, a)
		assert.Zero(t, s.calls, "untrained scorer must not be called")
	}

	a, err := Analyze(reading(normalFeatures()), NewModel())
	require.NoError(t, err)
	assert.Equal(t, vitals.Untrained(), a)
}

func TestAnalyzeHeuristics(t *testing.T) {
	tests := []struct {
		name     string
		features vitals.Features
		want     []string
	}{
		{
			name:     "heart rate on boundary",
			features: vitals.Features{HeartRate: 100, SpO2: 98, Temperature: 36.6, ActivityLevel: 15, SleepQuality: 85},
			want:     []string{LabelUnusual},
		},
		{
			name:     "heart rate above boundary",
			features: vitals.Features{HeartRate: 101, SpO2: 98, Temperature: 36.6, ActivityLevel: 15, SleepQuality: 85},
			want:     []string{LabelCardiacStress},
		},
		{
			name:     "activity on boundary",
			features: vitals.Features{HeartRate: 130, SpO2: 98, Temperature: 36.6, ActivityLevel: 20, SleepQuality: 85},
			want:     []string{LabelUnusual},
		},
		{
			name:     "infection",
			features: vitals.Features{HeartRate: 80, SpO2: 93, Temperature: 38.6, ActivityLevel: 30, SleepQuality: 85},
			want:     []string{LabelInfection},
		},
		{
			name:     "temperature on boundary",
			features: vitals.Features{HeartRate: 80, SpO2: 93, Temperature: 38.0, ActivityLevel: 30, SleepQuality: 85},
			want:     []string{LabelUnusual},
		},
		{
			name:     "fatigue",
			features: vitals.Features{HeartRate: 80, SpO2: 98, Temperature: 36.6, ActivityLevel: 75, SleepQuality: 55},
			want:     []string{LabelFatigue},
		},
		{
			name:     "cardiac and infection co-occur in rule order",
			features: vitals.Features{HeartRate: 140, SpO2: 90, Temperature: 39, ActivityLevel: 5, SleepQuality: 85},
			want:     []string{LabelCardiacStress, LabelInfection},
		},
		{
			name:     "no rule matches",
			features: vitals.Features{HeartRate: 60, SpO2: 99, Temperature: 35.5, ActivityLevel: 50, SleepQuality: 95},
			want:     []string{LabelUnusual},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &stubScorer{trained: true, verdict: Anomalous, raw: -0.1}
			a, err := Analyze(reading(tt.features), s)
			require.NoError(t, err)
			assert.True(t, a.IsAnomaly)
			assert.Equal(t, tt.want, a.Anomalies)
			assert.Equal(t, 60, a.RiskScore)
		})
	}
}

func TestAnalyzeNormalVerdict(t *testing.T) {
	// Rules only run for anomalous verdicts.
	f := vitals.Features{HeartRate: 140, SpO2: 90, Temperature: 39, ActivityLevel: 5, SleepQuality: 85}
	s := &stubScorer{trained: true, verdict: Normal, raw: 0.2}

	a, err := Analyze(reading(f), s)
	require.NoError(t, err)
	assert.False(t, a.IsAnomaly)
	assert.Empty(t, a.Anomalies)
	assert.NotNil(t, a.Anomalies)
	assert.Equal(t, 30, a.RiskScore)
}

func TestAnalyzeScoreError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Analyze(reading(normalFeatures()), &stubScorer{trained: true, err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		raw  float64
		want int
	}{
		{-0.5, 100},
		{0.5, 0},
		{0, 50},
		{0.123, 38},
		{-0.126, 63},
		{2.0, 0},
		{-3.0, 100},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskScore(tt.raw), "raw=%v", tt.raw)
	}

	prev := RiskScore(-5)
	for raw := -5.0; raw <= 5.0; raw += 0.01 {
		got := RiskScore(raw)
		assert.LessOrEqual(t, got, prev, "raw=%v", raw)
		assert.GreaterOrEqual(t, got, 0)
		assert.LessOrEqual(t, got, 100)
		prev = got
	}
}

func TestRetrain(t *testing.T) {
	t.Run("below minimum", func(t *testing.T) {
		m := NewModel()
		require.NoError(t, m.Retrain(normalHistory(19, 1)))
		assert.False(t, m.Trained())

		_, _, err := m.Score(normalFeatures())
		assert.ErrorIs(t, err, ErrNotTrained)
	})

	t.Run("at minimum", func(t *testing.T) {
		m := NewModel()
		require.NoError(t, m.Retrain(normalHistory(20, 1)))
		assert.True(t, m.Trained())
	})

	t.Run("small batch after training keeps model trained", func(t *testing.T) {
		m := NewModel()
		require.NoError(t, m.Retrain(normalHistory(30, 1)))
		require.NoError(t, m.Retrain(normalHistory(3, 2)))
		assert.True(t, m.Trained())
	})

	t.Run("custom minimum", func(t *testing.T) {
		m := NewModel(WithMinHistory(5))
		require.NoError(t, m.Retrain(normalHistory(5, 1)))
		assert.True(t, m.Trained())
	})
}

func TestRetrainIsDeterministic(t *testing.T) {
	history := normalHistory(60, 3)
	probe := vitals.Features{HeartRate: 95, SpO2: 96, Temperature: 37.0, ActivityLevel: 12, SleepQuality: 80}

	a, b := NewModel(), NewModel()
	require.NoError(t, a.Retrain(history))
	require.NoError(t, b.Retrain(history))

	va, ra, err := a.Score(probe)
	require.NoError(t, err)
	vb, rb, err := b.Score(probe)
	require.NoError(t, err)
	assert.Equal(t, va, vb)
	assert.Equal(t, ra, rb)
}

func TestEndToEndCardiacStress(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.Retrain(normalHistory(25, 42)))
	require.True(t, m.Trained())

	r := reading(vitals.Features{HeartRate: 150, SpO2: 98, Temperature: 36.6, ActivityLevel: 5, SleepQuality: 85})
	a, err := Analyze(r, m)
	require.NoError(t, err)

	assert.True(t, a.IsAnomaly)
	assert.Contains(t, a.Anomalies, LabelCardiacStress)
	assert.GreaterOrEqual(t, a.RiskScore, 50)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "anomalous", Anomalous.String())
}

// normalHistory draws n distinct readings around the physiological baselines.
func normalHistory(n int, seed int64) []vitals.Features {
	rng := rand.New(rand.NewSource(seed))
	out := make([]vitals.Features, n)
	for i := range out {
		out[i] = vitals.Features{
			HeartRate:     float64(70 + rng.Intn(21)),
			SpO2:          96 + rng.Float64()*2,
			Temperature:   36.4 + rng.Float64()*0.7,
			ActivityLevel: float64(10 + rng.Intn(41)),
			SleepQuality:  float64(80 + rng.Intn(11)),
		}
	}
	return out
}
