package ml

import (
	"errors"
	"fmt"
	"math"
)

// StandardScaler removes the mean and scales each feature to unit variance.
// Features with zero variance are left unscaled.
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

// Fit learns per-feature mean and population standard deviation.
func (s *StandardScaler) Fit(data [][]float64) error {
	if len(data) == 0 {
		return errors.New("scaler: no samples")
	}
	dims := len(data[0])
	mean := make([]float64, dims)
	for i, row := range data {
		if len(row) != dims {
			return fmt.Errorf("scaler: sample %d has %d features, want %d", i, len(row), dims)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(data))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, dims)
	for _, row := range data {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}

	s.Mean, s.Scale = mean, scale
	return nil
}

// Transform scales x with the fitted parameters.
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if s.Mean == nil {
		return nil, ErrNotFitted
	}
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("scaler: got %d features, want %d", len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// FitTransform fits on data and returns the scaled rows.
func (s *StandardScaler) FitTransform(data [][]float64) ([][]float64, error) {
	if err := s.Fit(data); err != nil {
		return nil, err
	}
	out := make([][]float64, len(data))
	for i, row := range data {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}
