package domain

import "time"

// ScoringCapability is the boundary to the trained outlier-detection model.
// Implementations must be safe for unsynchronized concurrent reads: the
// capability is loaded once before serving and treated as read-only.
//
// Sign convention (fixed per deployment): DecisionScore returns a real number
// where negative means anomalous and positive means normal. The normalizer
// depends on this convention; artifact loaders verify it at load time.
type ScoringCapability interface {
	// Transform applies the fitted feature scaling to an ordered vector of
	// FeatureCount elements and returns a same-shape scaled vector.
	Transform(vec []float64) ([]float64, error)

	// DecisionScore returns the unbounded decision score for a scaled vector.
	DecisionScore(scaled []float64) (float64, error)

	// Info describes the loaded model.
	Info() ModelInfo
}

// ModelInfo describes a loaded scoring capability.
type ModelInfo struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	TrainedAt  time.Time `json:"trainedAt"`
	Estimators int       `json:"estimators"`
	Features   []string  `json:"features"`
}

// ModelConfig holds configuration for loading the scoring capability.
type ModelConfig struct {
	// Path to the JSON model artifact (scaler + forest export).
	Path string

	// SkipCalibration disables the load-time calibration self-check.
	// Only meant for development; production artifacts must calibrate.
	SkipCalibration bool
}
