package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardScaler(t *testing.T) {
	data := [][]float64{{1, 10, 7}, {3, 20, 7}, {5, 30, 7}}
	var s StandardScaler
	out, err := s.FitTransform(data)
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{3, 20, 7}, s.Mean, 1e-12)
	// Zero-variance column keeps scale 1.
	assert.Equal(t, 1.0, s.Scale[2])

	for j := 0; j < 2; j++ {
		sum := 0.0
		for i := range out {
			sum += out[i][j]
		}
		assert.InDelta(t, 0, sum, 1e-12)
	}
	assert.InDelta(t, -1.224744871, out[0][0], 1e-9)
	assert.Equal(t, 0.0, out[1][2])
}

func TestStandardScalerErrors(t *testing.T) {
	var s StandardScaler
	_, err := s.Transform([]float64{1})
	assert.ErrorIs(t, err, ErrNotFitted)

	assert.Error(t, s.Fit(nil))
	assert.Error(t, s.Fit([][]float64{{1, 2}, {3}}))

	require.NoError(t, s.Fit([][]float64{{1, 2}, {3, 4}}))
	_, err = s.Transform([]float64{1, 2, 3})
	assert.Error(t, err)
}
