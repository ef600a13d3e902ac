package api

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/predictor"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// GlobalTenantID is used for overrides that apply to all tenants.
const GlobalTenantID = "*"

// predictionCacheTTL bounds how long a cached prediction is served. The
// model is deterministic per vector, so this mostly limits memory.
const predictionCacheTTL = 5 * time.Minute

// statsDefaultWindow is the lookback for GET /stats when none is given.
const statsDefaultWindow = time.Hour

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	predictor *predictor.Service
	overrides *rules.Engine
	stats     *stats.Service
	modelCfg  domain.ModelConfig
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, pred *predictor.Service, overrides *rules.Engine, statsSvc *stats.Service, modelCfg domain.ModelConfig, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		predictor: pred,
		overrides: overrides,
		stats:     statsSvc,
		modelCfg:  modelCfg,
		version:   version,
	}
}

// Predict handles POST /predict requests.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	// Parse request
	var features domain.TransactionFeatures
	if err := json.NewDecoder(r.Body).Decode(&features); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Reject early before any computation when the model is absent
	if !h.predictor.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "model not loaded",
		})
		return
	}

	// Per-tenant request volume tracking, best-effort
	if h.stats != nil {
		if _, err := h.stats.RecordRequest(ctx, tenantID, time.Minute); err != nil {
			slog.Warn("failed to record request", "error", err)
		}
	}

	// Cache lookup keyed by feature vector and model version
	hash := h.vectorHash(&features)
	if h.cache != nil {
		cached, err := h.cache.GetPrediction(ctx, tenantID, hash)
		if err != nil {
			slog.Warn("prediction cache lookup failed", "error", err)
		} else if cached != nil {
			cached.Metadata.CacheHit = true
			cached.Metadata.TraceID = traceID
			cached.Metadata.TotalMs = time.Since(start).Milliseconds()
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	pred, err := h.predictor.Predict(ctx, &predictor.Input{
		TenantID: tenantID,
		TraceID:  traceID,
		Features: features,
	})
	if err != nil {
		h.writePredictError(w, err)
		return
	}

	// Persist if repository is available; scoring result wins over storage errors
	if h.repo != nil {
		if err := h.repo.SavePrediction(ctx, tenantID, pred); err != nil {
			slog.Error("failed to save prediction", "prediction_id", pred.ID, "error", err)
		}
	}

	// Cache for identical future vectors
	if h.cache != nil {
		if err := h.cache.SetPrediction(ctx, tenantID, hash, pred, predictionCacheTTL); err != nil {
			slog.Warn("failed to cache prediction", "error", err)
		}
	}

	// Publish events
	if h.bus != nil {
		payload, _ := json.Marshal(pred)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicPredictionCompleted, payload); err != nil {
			slog.Error("failed to publish prediction", "prediction_id", pred.ID, "error", err)
		}
		if pred.IsAnomaly {
			if err := h.bus.Publish(ctx, tenantID, domain.TopicAnomalyAlert, payload); err != nil {
				slog.Error("failed to publish anomaly alert", "prediction_id", pred.ID, "error", err)
			}
		}
	}

	pred.Metadata.TotalMs = time.Since(start).Milliseconds()

	writeJSON(w, http.StatusOK, pred)
}

// writePredictError maps pipeline errors onto the HTTP error contract.
func (h *Handler) writePredictError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, predictor.ErrNotReady):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "model not loaded",
		})
	case errors.Is(err, predictor.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		slog.Error("prediction failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "prediction failed",
		})
	}
}

// vectorHash fingerprints the defaulted feature vector plus the model
// version, so a model reload naturally invalidates prior entries.
func (h *Handler) vectorHash(f *domain.TransactionFeatures) string {
	hash := fnv.New64a()
	var buf [8]byte
	for _, v := range f.Vector() {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		hash.Write(buf[:])
	}
	if info, ok := h.predictor.ModelInfo(); ok {
		hash.Write([]byte(info.Version))
	}
	return fmt.Sprintf("%016x", hash.Sum64())
}

// GetPrediction retrieves a prediction by ID.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	predID := chi.URLParam(r, "id")

	if predID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "prediction id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	pred, err := h.repo.GetPrediction(ctx, tenantID, predID)
	if err != nil {
		slog.Error("failed to get prediction", "id", predID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "prediction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, pred)
}

// Stats returns per-tenant prediction statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "stats not available",
		})
		return
	}

	window := statsDefaultWindow
	if s := r.URL.Query().Get("windowSecs"); s != "" {
		var secs int
		if _, err := fmt.Sscanf(s, "%d", &secs); err != nil || secs <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "windowSecs must be a positive integer",
			})
			return
		}
		window = time.Duration(secs) * time.Second
	}

	snap, err := h.stats.Compute(ctx, tenantID, window)
	if err != nil {
		slog.Error("failed to compute stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute stats",
		})
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// ModelInfo returns the loaded model description.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	info, ok := h.predictor.ModelInfo()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "model not loaded",
		})
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// ReloadModel loads the model artifact from disk and swaps it in.
// A load failure keeps the current model serving.
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	capability, err := model.Load(h.modelCfg)
	if err != nil {
		slog.Error("model reload failed", "path", h.modelCfg.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "model reload failed: " + err.Error(),
		})
		return
	}

	h.predictor.SetCapability(capability)

	info := capability.Info()
	slog.Info("model reloaded",
		"path", h.modelCfg.Path,
		"version", info.Version,
		"estimators", info.Estimators,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "model reloaded successfully",
		"model":   info,
	})
}

// ListOverrides returns all loaded policy overrides.
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	if h.overrides == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "override engine not available",
		})
		return
	}

	loaded := h.overrides.Loaded()

	writeJSON(w, http.StatusOK, map[string]any{
		"overrides": loaded,
		"count":     len(loaded),
		"source":    "database",
	})
}

// CreateOverrideRequest is the request body for creating an override.
type CreateOverrideRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Action      string `json:"action"`
	Reason      string `json:"reason,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// CreateOverride creates a new policy override and saves it to the database.
// Overrides are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /overrides/reload to hot-reload into the engine.
func (h *Handler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	cfg := &domain.OverrideConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Action:      req.Action,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression and action before persisting
	if h.overrides != nil {
		if err := h.overrides.Validate(cfg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid override: " + err.Error(),
			})
			return
		}
	}

	if h.repo != nil {
		if err := h.repo.SaveOverrideConfig(ctx, GlobalTenantID, cfg); err != nil {
			slog.Error("failed to save override config", "id", cfg.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save override",
			})
			return
		}
	}

	slog.Info("override created", "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"override": cfg,
		"message":  "Override created. Call POST /overrides/reload to apply changes.",
	})
}

// ReloadOverrides reloads all overrides from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadOverrides(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}
	if h.overrides == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "override engine not available",
		})
		return
	}

	configs, err := h.repo.ListOverrideConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list overrides from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load overrides from database",
		})
		return
	}

	if err := h.overrides.Reload(configs); err != nil {
		slog.Error("failed to reload overrides into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload overrides: " + err.Error(),
		})
		return
	}

	slog.Info("overrides reloaded from database", "count", len(configs))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "overrides reloaded successfully",
		"count":   len(configs),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"version":     h.version,
		"modelLoaded": h.predictor.Ready(),
	})
}

// Ready returns whether the server is ready to score traffic.
// It reports 503 until a model is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.predictor.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "model not loaded",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
