package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const eulerGamma = 0.5772156649

// ErrNotFitted is returned when scoring before Fit.
var ErrNotFitted = errors.New("model is not fitted")

// IsolationTree represents a single tree in the Isolation Forest
type IsolationTree struct {
	splitFeature int
	splitValue   float64
	left         *IsolationTree
	right        *IsolationTree
	size         int
	isLeaf       bool
}

// ForestOptions configures an IsolationForest.
type ForestOptions struct {
	NumTrees      int     // default 100
	MaxSamples    int     // per-tree sub-sample cap, default 256
	Contamination float64 // expected outlier share, default 0.1
	Seed          int64   // default 42
}

// IsolationForest scores points by how quickly random axis-aligned splits
// isolate them. Scores follow the scikit-learn convention: ScoreSamples is the
// negated anomaly score, and DecisionFunction subtracts the contamination
// offset so that negative values are outliers.
type IsolationForest struct {
	trees         []*IsolationTree
	numTrees      int
	maxSamples    int
	contamination float64
	seed          int64

	subSampleSize int
	maxDepth      int
	numFeatures   int
	offset        float64
}

// NewIsolationForest creates an unfitted forest.
func NewIsolationForest(opts ForestOptions) *IsolationForest {
	if opts.NumTrees <= 0 {
		opts.NumTrees = 100
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 256
	}
	if opts.Contamination <= 0 || opts.Contamination > 0.5 {
		opts.Contamination = 0.1
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return &IsolationForest{
		numTrees:      opts.NumTrees,
		maxSamples:    opts.MaxSamples,
		contamination: opts.Contamination,
		seed:          opts.Seed,
	}
}

// Fit trains the forest on data. The same data and seed always yield the same model.
func (f *IsolationForest) Fit(data [][]float64) error {
	if len(data) == 0 {
		return errors.New("fit: no samples")
	}
	dims := len(data[0])
	if dims == 0 {
		return errors.New("fit: samples have no features")
	}
	for i, row := range data {
		if len(row) != dims {
			return fmt.Errorf("fit: sample %d has %d features, want %d", i, len(row), dims)
		}
	}

	rng := rand.New(rand.NewSource(f.seed))
	f.numFeatures = dims
	f.subSampleSize = min(f.maxSamples, len(data))
	f.maxDepth = int(math.Ceil(math.Log2(float64(max(f.subSampleSize, 2)))))

	f.trees = make([]*IsolationTree, 0, f.numTrees)
	for i := 0; i < f.numTrees; i++ {
		sample := sampleRows(rng, data, f.subSampleSize)
		f.trees = append(f.trees, f.buildTree(rng, sample, 0))
	}

	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.score(row)
	}
	f.offset = percentile(scores, f.contamination*100)
	return nil
}

// Fitted reports whether Fit has completed.
func (f *IsolationForest) Fitted() bool {
	return len(f.trees) > 0
}

// Offset is the decision threshold learned from the training scores.
func (f *IsolationForest) Offset() float64 {
	return f.offset
}

// ScoreSamples returns the negated anomaly score of x, in [-1, 0).
// Lower is more abnormal.
func (f *IsolationForest) ScoreSamples(x []float64) (float64, error) {
	if err := f.check(x); err != nil {
		return 0, err
	}
	return f.score(x), nil
}

// DecisionFunction returns ScoreSamples(x) - Offset(). Negative means outlier.
func (f *IsolationForest) DecisionFunction(x []float64) (float64, error) {
	s, err := f.ScoreSamples(x)
	if err != nil {
		return 0, err
	}
	return s - f.offset, nil
}

// Predict reports whether x is an outlier.
func (f *IsolationForest) Predict(x []float64) (bool, error) {
	d, err := f.DecisionFunction(x)
	if err != nil {
		return false, err
	}
	return d < 0, nil
}

func (f *IsolationForest) check(x []float64) error {
	if !f.Fitted() {
		return ErrNotFitted
	}
	if len(x) != f.numFeatures {
		return fmt.Errorf("got %d features, model expects %d", len(x), f.numFeatures)
	}
	return nil
}

func (f *IsolationForest) score(x []float64) float64 {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.subSampleSize)
	if c == 0 {
		// Single training sample: depth and c are both zero.
		return -0.5
	}
	return -math.Pow(2, -avg/c)
}

// sampleRows draws n rows without replacement.
func sampleRows(rng *rand.Rand, data [][]float64, n int) [][]float64 {
	idx := rng.Perm(len(data))[:n]
	out := make([][]float64, n)
	for i, j := range idx {
		out[i] = data[j]
	}
	return out
}

// buildTree recursively builds an isolation tree
func (f *IsolationForest) buildTree(rng *rand.Rand, data [][]float64, depth int) *IsolationTree {
	if len(data) <= 1 || depth >= f.maxDepth {
		return &IsolationTree{size: len(data), isLeaf: true}
	}

	// Only features that still vary can split the node.
	var candidates []int
	for j := 0; j < f.numFeatures; j++ {
		if lo, hi := featureRange(data, j); hi > lo {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &IsolationTree{size: len(data), isLeaf: true}
	}

	feature := candidates[rng.Intn(len(candidates))]
	lo, hi := featureRange(data, feature)
	split := lo + rng.Float64()*(hi-lo)

	left, right := splitData(data, feature, split)
	if len(left) == 0 || len(right) == 0 {
		return &IsolationTree{size: len(data), isLeaf: true}
	}

	return &IsolationTree{
		splitFeature: feature,
		splitValue:   split,
		left:         f.buildTree(rng, left, depth+1),
		right:        f.buildTree(rng, right, depth+1),
		size:         len(data),
	}
}

// pathLength calculates the path length for a data point in a tree
func pathLength(tree *IsolationTree, x []float64, depth int) float64 {
	if tree.isLeaf {
		// Unbuilt subtree below the height limit is estimated by c(size).
		return float64(depth) + averagePathLength(tree.size)
	}
	if x[tree.splitFeature] <= tree.splitValue {
		return pathLength(tree.left, x, depth+1)
	}
	return pathLength(tree.right, x, depth+1)
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func featureRange(data [][]float64, feature int) (float64, float64) {
	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		v := row[feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func splitData(data [][]float64, feature int, split float64) ([][]float64, [][]float64) {
	var left, right [][]float64
	for _, row := range data {
		if row[feature] <= split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return left, right
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}
