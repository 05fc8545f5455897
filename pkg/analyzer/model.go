// Package analyzer turns raw readings into risk scores and anomaly labels.
//
// A Model wraps an Isolation Forest fitted on a sliding window of recent
// readings. Analyze combines the model's verdict with fixed domain rules.
package analyzer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hed1ad/vitalguard/pkg/detectors"
	"github.com/hed1ad/vitalguard/pkg/detectors/iforest"
	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// MinHistory is the smallest batch a retrain will fit on.
const MinHistory = 20

// ErrNotTrained is returned when scoring before the first successful retrain.
var ErrNotTrained = errors.New("analyzer: model not trained")

// Verdict is the binary outcome of scoring a reading.
type Verdict int

const (
	Normal Verdict = iota
	Anomalous
)

func (v Verdict) String() string {
	if v == Anomalous {
		return "anomalous"
	}
	return "normal"
}

// Model owns the fitted outlier model and its trained flag.
type Model struct {
	mu         sync.RWMutex
	forest     *iforest.IsolationForest
	trained    bool
	minHistory int
	logger     zerolog.Logger
}

// Option configures a Model.
type Option func(*Model)

// WithDetectorConfig sets the forest hyperparameters.
func WithDetectorConfig(cfg detectors.Config) Option {
	return func(m *Model) {
		m.forest = iforest.New(iforest.WithConfig(cfg))
	}
}

// WithMinHistory overrides MinHistory.
func WithMinHistory(n int) Option {
	return func(m *Model) {
		m.minHistory = n
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Model) {
		m.logger = l.With().Str("component", "model").Logger()
	}
}

// NewModel creates an untrained model with contamination 0.1 and seed 42
// unless configured otherwise.
func NewModel(opts ...Option) *Model {
	m := &Model{
		forest:     iforest.New(iforest.WithConfig(detectors.DefaultConfig())),
		minHistory: MinHistory,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Retrain refits the model from scratch on history. Batches smaller than the
// minimum history are ignored and leave the trained flag untouched.
func (m *Model) Retrain(history []vitals.Features) error {
	if len(history) < m.minHistory {
		m.logger.Debug().Int("size", len(history)).Int("min", m.minHistory).Msg("history too small, skipping retrain")
		return nil
	}

	data := make([][]float64, len(history))
	for i, f := range history {
		data[i] = f.Vector()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.forest.Fit(data); err != nil {
		return fmt.Errorf("fit forest: %w", err)
	}
	m.trained = true

	m.logger.Debug().Int("size", len(history)).Float64("threshold", m.forest.Threshold()).Msg("model retrained")
	return nil
}

// Trained reports whether a retrain has succeeded.
func (m *Model) Trained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trained
}

// Score returns the verdict and raw decision score for f. Lower raw scores are
// more anomalous.
func (m *Model) Score(f vitals.Features) (Verdict, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return Normal, 0, ErrNotTrained
	}

	s, err := m.forest.Evaluate(f.Vector())
	if err != nil {
		return Normal, 0, fmt.Errorf("evaluate: %w", err)
	}
	if s.IsAnomaly {
		return Anomalous, s.Decision, nil
	}
	return Normal, s.Decision, nil
}
