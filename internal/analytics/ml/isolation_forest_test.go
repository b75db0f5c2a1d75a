package ml

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaussianCluster(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		row := make([]float64, dims)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		data[i] = row
	}
	return data
}

func TestIsolationForestSeparatesOutlier(t *testing.T) {
	data := gaussianCluster(200, 3, 7)
	forest := NewIsolationForest(ForestOptions{})
	require.NoError(t, forest.Fit(data))

	inlier, err := forest.DecisionFunction([]float64{0, 0, 0})
	require.NoError(t, err)
	outlier, err := forest.DecisionFunction([]float64{8, -8, 8})
	require.NoError(t, err)

	assert.Greater(t, inlier, 0.0, "cluster centre should be an inlier")
	assert.Less(t, outlier, 0.0, "far point should be an outlier")
	assert.Less(t, outlier, inlier)

	isOutlier, err := forest.Predict([]float64{8, -8, 8})
	require.NoError(t, err)
	assert.True(t, isOutlier)
}

func TestIsolationForestScoreRange(t *testing.T) {
	data := gaussianCluster(50, 2, 3)
	forest := NewIsolationForest(ForestOptions{})
	require.NoError(t, forest.Fit(data))

	for _, row := range data {
		s, err := forest.ScoreSamples(row)
		require.NoError(t, err)
		assert.True(t, s < 0 && s >= -1, "score %f out of range", s)
	}
}

func TestIsolationForestContaminationOffset(t *testing.T) {
	data := gaussianCluster(100, 4, 11)
	forest := NewIsolationForest(ForestOptions{Contamination: 0.1})
	require.NoError(t, forest.Fit(data))

	flagged := 0
	for _, row := range data {
		d, err := forest.DecisionFunction(row)
		require.NoError(t, err)
		if d < 0 {
			flagged++
		}
	}
	assert.InDelta(t, 10, flagged, 2)
}

func TestIsolationForestDeterministic(t *testing.T) {
	data := gaussianCluster(80, 5, 21)
	probe := []float64{1, 2, -1, 0.5, 3}

	a := NewIsolationForest(ForestOptions{Seed: 42})
	b := NewIsolationForest(ForestOptions{Seed: 42})
	require.NoError(t, a.Fit(data))
	require.NoError(t, b.Fit(data))

	da, err := a.DecisionFunction(probe)
	require.NoError(t, err)
	db, err := b.DecisionFunction(probe)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Equal(t, a.Offset(), b.Offset())

	// Refitting the same instance reproduces the model.
	require.NoError(t, a.Fit(data))
	again, err := a.DecisionFunction(probe)
	require.NoError(t, err)
	assert.Equal(t, da, again)
}

func TestIsolationForestSmallSample(t *testing.T) {
	forest := NewIsolationForest(ForestOptions{})
	require.NoError(t, forest.Fit([][]float64{{1, 1}}))
	s, err := forest.ScoreSamples([]float64{5, 5})
	require.NoError(t, err)
	// A single-sample forest has c(1) = 0; the score is pinned to -0.5.
	assert.Equal(t, -0.5, s)
}

func TestIsolationForestConstantFeatures(t *testing.T) {
	data := [][]float64{{1, 5}, {1, 5}, {1, 5}, {1, 5}}
	forest := NewIsolationForest(ForestOptions{})
	require.NoError(t, forest.Fit(data))
	d, err := forest.DecisionFunction([]float64{1, 5})
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-12)
}

func TestIsolationForestErrors(t *testing.T) {
	forest := NewIsolationForest(ForestOptions{})
	_, err := forest.ScoreSamples([]float64{1})
	assert.ErrorIs(t, err, ErrNotFitted)

	assert.Error(t, forest.Fit(nil))
	assert.Error(t, forest.Fit([][]float64{{1, 2}, {1}}))

	require.NoError(t, forest.Fit([][]float64{{1, 2}, {2, 3}, {3, 4}}))
	_, err = forest.DecisionFunction([]float64{1})
	assert.Error(t, err)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 2*(math.Log(255)+eulerGamma)-2*255.0/256, averagePathLength(256), 1e-12)
}

func TestPercentileLinear(t *testing.T) {
	vals := []float64{4, 1, 3, 2, 5}
	assert.Equal(t, 1.0, percentile(vals, 0))
	assert.Equal(t, 5.0, percentile(vals, 100))
	assert.InDelta(t, 1.4, percentile(vals, 10), 1e-12)
	assert.Equal(t, []float64{4, 1, 3, 2, 5}, vals, "input must not be reordered")
}
