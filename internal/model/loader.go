package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Artifact is the on-disk JSON export of a trained model: fitted scaler,
// isolation forest, and calibration points for the load-time self-check.
type Artifact struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trainedAt"`

	// FeatureNames must match domain.FeatureNames in order; a reordered
	// artifact would silently score garbage, so order is enforced.
	FeatureNames []string `json:"featureNames"`

	Scaler StandardScaler  `json:"scaler"`
	Forest IsolationForest `json:"forest"`

	// Calibration points pin the sign convention: each raw feature vector
	// must produce a decision score with the expected sign. Protects against
	// artifacts exported with an inverted or shifted convention.
	Calibration []CalibrationPoint `json:"calibration,omitempty"`
}

// CalibrationPoint is a known input with its expected decision-score sign.
type CalibrationPoint struct {
	Features []float64 `json:"features"`
	// WantSign is -1 (anomalous), 0 (boundary, |score| < 1e-6), or 1 (normal).
	WantSign int `json:"wantSign"`
}

// Capability is the loaded, immutable scoring capability. It implements
// domain.ScoringCapability and is safe for concurrent use.
type Capability struct {
	scaler StandardScaler
	forest IsolationForest
	info   domain.ModelInfo
}

// Load reads and validates a model artifact from disk. It fails on shape
// mismatches, malformed trees, and calibration violations; a service must
// not start scoring with an artifact that does not pass.
func Load(cfg domain.ModelConfig) (*Capability, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}

	cap, err := New(&art)
	if err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", cfg.Path, err)
	}

	if !cfg.SkipCalibration {
		if err := calibrate(cap, art.Calibration); err != nil {
			return nil, fmt.Errorf("model artifact %s failed calibration: %w", cfg.Path, err)
		}
	}

	return cap, nil
}

// New builds a capability from a parsed artifact, validating shape.
func New(art *Artifact) (*Capability, error) {
	if len(art.FeatureNames) != domain.FeatureCount {
		return nil, fmt.Errorf("artifact has %d features, want %d", len(art.FeatureNames), domain.FeatureCount)
	}
	for i, name := range art.FeatureNames {
		if name != domain.FeatureNames[i] {
			return nil, fmt.Errorf("feature %d is %q, want %q (order is fixed)", i, name, domain.FeatureNames[i])
		}
	}
	if err := art.Scaler.validate(domain.FeatureCount); err != nil {
		return nil, fmt.Errorf("scaler: %w", err)
	}
	if err := art.Forest.validate(domain.FeatureCount); err != nil {
		return nil, fmt.Errorf("forest: %w", err)
	}

	name := art.Name
	if name == "" {
		name = "isolation-forest"
	}

	return &Capability{
		scaler: art.Scaler,
		forest: art.Forest,
		info: domain.ModelInfo{
			Name:       name,
			Version:    art.Version,
			TrainedAt:  art.TrainedAt,
			Estimators: len(art.Forest.Trees),
			Features:   domain.FeatureNames,
		},
	}, nil
}

// calibrate verifies the sign convention on the artifact's own points.
func calibrate(cap *Capability, points []CalibrationPoint) error {
	if len(points) == 0 {
		return fmt.Errorf("artifact carries no calibration points")
	}

	for i, p := range points {
		scaled, err := cap.Transform(p.Features)
		if err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		score, err := cap.DecisionScore(scaled)
		if err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}

		switch {
		case p.WantSign < 0 && score >= 0:
			return fmt.Errorf("point %d: expected anomalous (negative), got %v", i, score)
		case p.WantSign > 0 && score <= 0:
			return fmt.Errorf("point %d: expected normal (positive), got %v", i, score)
		case p.WantSign == 0 && math.Abs(score) > 1e-6:
			return fmt.Errorf("point %d: expected boundary score, got %v", i, score)
		}
	}
	return nil
}

// Transform applies the fitted feature scaling.
func (c *Capability) Transform(vec []float64) ([]float64, error) {
	return c.scaler.Transform(vec)
}

// DecisionScore evaluates the forest on a scaled vector.
func (c *Capability) DecisionScore(scaled []float64) (float64, error) {
	return c.forest.DecisionScore(scaled)
}

// Info describes the loaded model.
func (c *Capability) Info() domain.ModelInfo {
	return c.info
}
