// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

// Detector is the common interface for all anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on historical data, replacing any previous fit.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// ScoreSamples returns anomaly scores in [0, 1] for the given samples.
	// Higher values indicate anomalies.
	ScoreSamples(data [][]float64) ([]float64, error)

	// Decision returns the signed separation of a single sample from the
	// fitted threshold. Lower values are more anomalous; negative values are
	// outliers.
	Decision(sample []float64) (float64, error)
}

// Score represents an anomaly detection result.
type Score struct {
	// Value is the anomaly score in [0, 1].
	Value float64
	// Decision is the threshold-relative score; negative means anomalous.
	Decision float64
	// IsAnomaly indicates if the score exceeds the threshold.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64
	// RandomSeed for reproducibility.
	RandomSeed int64
	// Trees is the ensemble size for tree-based detectors.
	Trees int
	// SampleSize caps the subsample drawn per tree.
	SampleSize int
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.1,
		RandomSeed:    42,
		Trees:         100,
		SampleSize:    256,
	}
}
