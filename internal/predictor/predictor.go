// Package predictor runs the scoring pipeline: feature validation, the
// external scoring capability, score normalization, and explanation.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Error taxonomy. Handlers map these to 503 / 400 / 500 respectively.
var (
	// ErrNotReady signals the scoring capability is not loaded. Callers are
	// expected to retry later; the service attempts no computation.
	ErrNotReady = errors.New("scoring capability not ready")

	// ErrInvalidInput signals malformed or out-of-domain feature values.
	ErrInvalidInput = errors.New("invalid input")

	// ErrScoring signals an unexpected failure inside the capability.
	ErrScoring = errors.New("scoring failed")
)

// Service orchestrates a single prediction. It holds no per-request state;
// concurrent Predict calls share only the read-only capability, swapped
// atomically on model reload.
type Service struct {
	mu         sync.RWMutex
	capability domain.ScoringCapability
	overrides  *rules.Engine
}

// NewService creates a predictor around a loaded capability. A nil
// capability is allowed; Predict then fails with ErrNotReady until
// SetCapability is called.
func NewService(capability domain.ScoringCapability, overrides *rules.Engine) *Service {
	return &Service{
		capability: capability,
		overrides:  overrides,
	}
}

// SetCapability swaps the scoring capability. Used by model hot-reload;
// in-flight predictions keep the capability they started with.
func (s *Service) SetCapability(capability domain.ScoringCapability) {
	s.mu.Lock()
	s.capability = capability
	s.mu.Unlock()
}

// Ready reports whether a capability is loaded.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capability != nil
}

// ModelInfo returns the loaded model's description, or false if none.
func (s *Service) ModelInfo() (domain.ModelInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.capability == nil {
		return domain.ModelInfo{}, false
	}
	return s.capability.Info(), true
}

// Input carries one scoring request through the pipeline.
type Input struct {
	TenantID string
	TraceID  string
	Features domain.TransactionFeatures
}

// Predict scores a transaction. The returned prediction carries the rounded
// contract fields; the decision itself is always taken on the unrounded
// normalized score.
func (s *Service) Predict(ctx context.Context, input *Input) (*domain.Prediction, error) {
	start := time.Now()

	s.mu.RLock()
	capability := s.capability
	s.mu.RUnlock()

	if capability == nil {
		return nil, ErrNotReady
	}

	if err := input.Features.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	scaled, err := capability.Transform(input.Features.Vector())
	if err != nil {
		return nil, fmt.Errorf("%w: transform: %s", ErrScoring, err)
	}

	raw, err := capability.DecisionScore(scaled)
	if err != nil {
		return nil, fmt.Errorf("%w: decision score: %s", ErrScoring, err)
	}

	// A non-finite decision score is a capability bug, not caller input.
	norm, err := scoring.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScoring, err)
	}

	explanation := explain.Generate(&input.Features, norm.Score, norm.IsAnomaly)

	pred := &domain.Prediction{
		ID:           uuid.New().String(),
		TenantID:     input.TenantID,
		AnomalyScore: scoring.Round4(norm.Score),
		IsAnomaly:    norm.IsAnomaly,
		Confidence:   scoring.Round4(scoring.Confidence(norm.Score)),
		Explanation:  explanation,
		RawScore:     raw,
		Features:     input.Features,
		Timestamp:    time.Now().UTC(),
	}

	if s.overrides != nil {
		pred.Overrides = s.overrides.Evaluate(ctx, &input.Features, norm.Score, norm.IsAnomaly)
	}

	pred.Metadata = domain.PredictionMetadata{
		TraceID:      input.TraceID,
		ScoreMs:      time.Since(start).Milliseconds(),
		ModelVersion: capability.Info().Version,
	}

	return pred, nil
}
