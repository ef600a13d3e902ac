// Package worker provides async scoring for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/predictor"
)

// Worker scores transactions asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	predictor *predictor.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, pred *predictor.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		predictor: pred,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicPredictionRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicPredictionRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicPredictionRequested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRequest(ctx, msg.TenantID, msg)
}

// ScoringRequest is the message payload for async scoring.
type ScoringRequest struct {
	TenantID string                     `json:"tenantId"`
	TraceID  string                     `json:"traceId"`
	Features domain.TransactionFeatures `json:"features"`
}

// processRequest scores a transaction through the prediction pipeline.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	// Parse message
	var req ScoringRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse scoring request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if req.TenantID != "" {
		tenantID = req.TenantID
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing scoring request",
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	pred, err := w.predictor.Predict(ctx, &predictor.Input{
		TenantID: tenantID,
		TraceID:  traceID,
		Features: req.Features,
	})
	if err != nil {
		// Bad input is the publisher's problem; log and drop rather than retry.
		if errors.Is(err, predictor.ErrInvalidInput) {
			slog.Warn("dropping invalid scoring request",
				"tenant_id", tenantID,
				"trace_id", traceID,
				"error", err,
			)
			return nil
		}
		slog.Error("scoring failed",
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	pred.Metadata.TotalMs = time.Since(start).Milliseconds()

	// Persist the prediction
	if w.repo != nil {
		if err := w.repo.SavePrediction(ctx, tenantID, pred); err != nil {
			slog.Error("failed to save prediction",
				"prediction_id", pred.ID,
				"error", err,
			)
		}
	}

	// Publish the result
	resultPayload, _ := json.Marshal(pred)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicPredictionCompleted, resultPayload); err != nil {
		slog.Error("failed to publish prediction",
			"prediction_id", pred.ID,
			"error", err,
		)
	}

	// Anomalies additionally go to the alert topic
	if pred.IsAnomaly {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAnomalyAlert, resultPayload); err != nil {
			slog.Error("failed to publish anomaly alert",
				"prediction_id", pred.ID,
				"error", err,
			)
		}
	}

	slog.Info("scoring request processed",
		"prediction_id", pred.ID,
		"tenant_id", tenantID,
		"anomaly_score", pred.AnomalyScore,
		"is_anomaly", pred.IsAnomaly,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
