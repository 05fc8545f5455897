// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/vitalguard/pkg/detectors"
)

var (
	// ErrEmptyData is returned when Fit receives no samples or no features.
	ErrEmptyData = errors.New("empty training data")
	// ErrNotTrained is returned when scoring before the first Fit.
	ErrNotTrained = errors.New("model not trained")
	// ErrDimensionMismatch is returned for rows whose width differs from the fit.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
)

// eulerGamma is the Euler-Mascheroni constant.
const eulerGamma = 0.5772156649

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64

	// Trained model
	trees     []*iTree
	nFeatures int
	trained   bool

	// Statistics from training
	avgPathLength float64
	offset        float64
}

// iTree represents a single isolation tree.
type iTree struct {
	root *node
}

// node is a node in the isolation tree.
type node struct {
	// Split parameters (for internal nodes)
	splitFeature int
	splitValue   float64

	// Children
	left  *node
	right *node

	// Leaf information
	size int // number of samples that reached this leaf
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// WithConfig applies a shared detector configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(f *IsolationForest) {
		f.contamination = cfg.Contamination
		f.seed = cfg.RandomSeed
		if cfg.Trees > 0 {
			f.nTrees = cfg.Trees
		}
		if cfg.SampleSize > 0 {
			f.sampleSize = cfg.SampleSize
		}
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	def := detectors.DefaultConfig()
	f := &IsolationForest{
		nTrees:        def.Trees,
		sampleSize:    def.SampleSize,
		contamination: def.Contamination,
		seed:          def.RandomSeed,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

var _ detectors.Detector = (*IsolationForest)(nil)

// Fit trains the Isolation Forest on the provided data. Every call is a full
// refit from a freshly seeded source, so identical data yields an identical
// forest.
func (f *IsolationForest) Fit(data [][]float64) error {
	if len(data) == 0 || len(data[0]) == 0 {
		return ErrEmptyData
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrDimensionMismatch, i, len(row), nFeatures)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	rng := rand.New(rand.NewSource(f.seed))

	// Adjust sample size if needed
	sampleSize := f.sampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	// Build trees
	trees := make([]*iTree, f.nTrees)
	for i := range trees {
		// Sample without replacement
		indices := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		trees[i] = &iTree{root: buildNode(rng, sample, nFeatures, 0, maxDepth)}
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.avgPathLength = averagePathLength(float64(sampleSize))
	if f.avgPathLength == 0 {
		f.avgPathLength = 1
	}
	f.trained = true

	// Threshold is the (1 - contamination) quantile of the training scores.
	scores := make([]float64, nSamples)
	for i, row := range data {
		scores[i] = f.score(row)
	}
	f.offset = percentile(scores, 100*(1-f.contamination))

	return nil
}

func buildNode(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return &node{size: n}
	}

	// Random feature and split value
	feature := rng.Intn(nFeatures)

	// Find min/max for this feature
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}

	// If all values are the same, return leaf
	if minVal == maxVal {
		return &node{size: n}
	}

	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		splitFeature: feature,
		splitValue:   splitValue,
		left:         buildNode(rng, leftData, nFeatures, depth+1, maxDepth),
		right:        buildNode(rng, rightData, nFeatures, depth+1, maxDepth),
	}
}

// ScoreSamples returns anomaly scores for the given samples.
func (f *IsolationForest) ScoreSamples(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}

	scores := make([]float64, len(data))
	for i, sample := range data {
		if len(sample) != f.nFeatures {
			return nil, fmt.Errorf("%w: sample %d has %d features, want %d", ErrDimensionMismatch, i, len(sample), f.nFeatures)
		}
		scores[i] = f.score(sample)
	}

	return scores, nil
}

// Decision returns offset minus the anomaly score of sample. Lower values are
// more anomalous and values below zero are outliers.
func (f *IsolationForest) Decision(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, ErrNotTrained
	}
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("%w: got %d features, want %d", ErrDimensionMismatch, len(sample), f.nFeatures)
	}

	return f.offset - f.score(sample), nil
}

// Evaluate scores a single sample and classifies it against the threshold.
func (f *IsolationForest) Evaluate(sample []float64) (detectors.Score, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return detectors.Score{}, ErrNotTrained
	}
	if len(sample) != f.nFeatures {
		return detectors.Score{}, fmt.Errorf("%w: got %d features, want %d", ErrDimensionMismatch, len(sample), f.nFeatures)
	}

	value := f.score(sample)
	decision := f.offset - value
	return detectors.Score{
		Value:     value,
		Decision:  decision,
		IsAnomaly: decision < 0,
		Features:  sample,
	}, nil
}

// score computes 2^(-E[h(x)] / c(psi)); callers hold the lock.
func (f *IsolationForest) score(sample []float64) float64 {
	var totalPath float64
	for _, tree := range f.trees {
		totalPath += pathLength(sample, tree.root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	return math.Pow(2, -avgPath/f.avgPathLength)
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.left == nil && n.right == nil {
		// Leaf node: add expected path length for remaining isolation
		return float64(currentDepth) + averagePathLength(float64(n.size))
	}

	if sample[n.splitFeature] < n.splitValue {
		return pathLength(sample, n.left, currentDepth+1)
	}
	return pathLength(sample, n.right, currentDepth+1)
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, H(i) ~ ln(i) + gamma
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// Threshold returns the anomaly score above which samples are outliers.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.offset
}

// Trained reports whether Fit has completed at least once.
func (f *IsolationForest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.trained
}

// percentile calculates the p-th percentile of data with linear interpolation
// between closest ranks.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	rank := float64(len(sorted)-1) * p / 100
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
