// Package stats aggregates per-tenant prediction statistics.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Snapshot summarizes recent scoring activity for one tenant.
type Snapshot struct {
	TenantID         string  `json:"tenantId"`
	WindowSeconds    int     `json:"windowSeconds"`
	TotalPredictions int     `json:"totalPredictions"`
	Anomalies        int     `json:"anomalies"`
	AnomalyRate      float64 `json:"anomalyRate"`
	AvgAnomalyScore  float64 `json:"avgAnomalyScore"`
	OverridesFired   int     `json:"overridesFired"`
}

// Service computes prediction statistics over the persisted history and
// tracks request volume through cache counters.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new stats service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// RecordRequest bumps the tenant's rolling request counter and returns the
// new count within the window. Counting failures are not fatal to scoring.
func (s *Service) RecordRequest(ctx context.Context, tenantID string, window time.Duration) (int64, error) {
	if s.cache == nil {
		return 0, nil
	}
	return s.cache.IncrementCounter(ctx, tenantID, "requests", window)
}

// Compute builds a snapshot of predictions made within the window.
func (s *Service) Compute(ctx context.Context, tenantID string, window time.Duration) (*Snapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if s.repo == nil {
		return nil, fmt.Errorf("no data source available")
	}

	since := time.Now().Add(-window)
	preds, err := s.repo.ListPredictions(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}

	snap := &Snapshot{
		TenantID:         tenantID,
		WindowSeconds:    int(window.Seconds()),
		TotalPredictions: len(preds),
	}

	var scoreSum float64
	for _, p := range preds {
		if p.IsAnomaly {
			snap.Anomalies++
		}
		scoreSum += p.AnomalyScore
		snap.OverridesFired += len(p.Overrides)
	}

	if len(preds) > 0 {
		snap.AnomalyRate = float64(snap.Anomalies) / float64(len(preds))
		snap.AvgAnomalyScore = scoreSum / float64(len(preds))
	}
	return snap, nil
}
