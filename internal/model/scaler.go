// Package model loads and evaluates the trained scoring capability:
// a fitted standard scaler plus an exported isolation forest.
package model

import (
	"fmt"
	"math"
)

// StandardScaler applies the feature scaling fitted during training:
// (x - mean) / scale per feature.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform scales an ordered feature vector. The input is not modified.
func (s *StandardScaler) Transform(vec []float64) ([]float64, error) {
	if len(vec) != len(s.Mean) {
		return nil, fmt.Errorf("expected %d features, got %d", len(s.Mean), len(vec))
	}

	scaled := make([]float64, len(vec))
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature %d is not finite: %v", i, v)
		}
		scaled[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return scaled, nil
}

// validate checks the fitted parameters for shape and degenerate scales.
func (s *StandardScaler) validate(featureCount int) error {
	if len(s.Mean) != featureCount {
		return fmt.Errorf("scaler mean has %d entries, want %d", len(s.Mean), featureCount)
	}
	if len(s.Scale) != featureCount {
		return fmt.Errorf("scaler scale has %d entries, want %d", len(s.Scale), featureCount)
	}
	for i, sc := range s.Scale {
		if sc == 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
			return fmt.Errorf("scaler scale[%d] is degenerate: %v", i, sc)
		}
	}
	return nil
}
