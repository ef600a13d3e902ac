package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/predictor"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// fixedCapability scores every vector with the same raw decision score.
type fixedCapability struct {
	score float64
}

func (c *fixedCapability) Transform(vec []float64) ([]float64, error) { return vec, nil }
func (c *fixedCapability) DecisionScore(scaled []float64) (float64, error) {
	return c.score, nil
}
func (c *fixedCapability) Info() domain.ModelInfo {
	return domain.ModelInfo{Name: "fixed", Version: "fixed-1", Estimators: 1}
}

// createTestServer builds a full server with SQLite repo, in-memory cache,
// channel bus, and a stub capability returning rawScore for every vector.
// Pass a nil capability to simulate a server whose model never loaded.
func createTestServer(t *testing.T, capability domain.ScoringCapability) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	memCache := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create override engine: %v", err)
	}

	pred := predictor.NewService(capability, engine)
	statsSvc := stats.NewService(repo, memCache)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8020,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	modelCfg := domain.ModelConfig{Path: "/nonexistent/model.json"}

	return NewServer(cfg, repo, memCache, eventBus, pred, engine, statsSvc, modelCfg, "test-v1")
}

func postPredict(t *testing.T, server *Server, tenantID string, features domain.TransactionFeatures) *httptest.ResponseRecorder {
	t.Helper()

	body, _ := json.Marshal(features)
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestPredictEndpoint(t *testing.T) {
	// Raw -1 normalizes to 0.7311: anomalous.
	server := createTestServer(t, &fixedCapability{score: -1})

	t.Run("AnomalousPrediction", func(t *testing.T) {
		rr := postPredict(t, server, "tenant-001", domain.TransactionFeatures{
			Amount:     7500.50,
			NewAccount: true,
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var pred domain.Prediction
		if err := json.Unmarshal(rr.Body.Bytes(), &pred); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if pred.ID == "" {
			t.Error("expected predictionId in response")
		}
		if pred.TenantID != "tenant-001" {
			t.Errorf("expected tenantId 'tenant-001', got '%s'", pred.TenantID)
		}
		if pred.AnomalyScore != 0.7311 {
			t.Errorf("expected anomalyScore 0.7311, got %v", pred.AnomalyScore)
		}
		if !pred.IsAnomaly {
			t.Error("expected isAnomaly true")
		}
		if pred.Confidence != 0.4621 {
			t.Errorf("expected confidence 0.4621, got %v", pred.Confidence)
		}
		want := "Anomaly detected (score: 0.73). Risk factors: high amount ($7,500.50), new account"
		if pred.Explanation != want {
			t.Errorf("expected explanation %q, got %q", want, pred.Explanation)
		}
		if pred.RawScore != -1 {
			t.Errorf("expected rawScore -1, got %v", pred.RawScore)
		}
		if pred.Metadata.ModelVersion != "fixed-1" {
			t.Errorf("expected modelVersion 'fixed-1', got '%s'", pred.Metadata.ModelVersion)
		}
		if pred.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
	})

	t.Run("NormalPrediction", func(t *testing.T) {
		normalServer := createTestServer(t, &fixedCapability{score: 10})

		rr := postPredict(t, normalServer, "tenant-001", domain.TransactionFeatures{
			Amount: 150,
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var pred domain.Prediction
		json.Unmarshal(rr.Body.Bytes(), &pred)

		if pred.AnomalyScore != 0 {
			t.Errorf("expected anomalyScore 0, got %v", pred.AnomalyScore)
		}
		if pred.IsAnomaly {
			t.Error("expected isAnomaly false")
		}
		want := "Normal transaction (score: 0.00). No significant anomalies detected."
		if pred.Explanation != want {
			t.Errorf("expected explanation %q, got %q", want, pred.Explanation)
		}
	})

	t.Run("CachedPrediction", func(t *testing.T) {
		features := domain.TransactionFeatures{Amount: 321.99, RiskFlagCount: 1}

		first := postPredict(t, server, "tenant-cache", features)
		if first.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", first.Code)
		}
		var firstPred domain.Prediction
		json.Unmarshal(first.Body.Bytes(), &firstPred)
		if firstPred.Metadata.CacheHit {
			t.Error("first request must not be a cache hit")
		}

		second := postPredict(t, server, "tenant-cache", features)
		if second.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", second.Code)
		}
		var secondPred domain.Prediction
		json.Unmarshal(second.Body.Bytes(), &secondPred)
		if !secondPred.Metadata.CacheHit {
			t.Error("identical vector must be served from cache")
		}
		if secondPred.AnomalyScore != firstPred.AnomalyScore {
			t.Errorf("cached score %v differs from original %v", secondPred.AnomalyScore, firstPred.AnomalyScore)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString(`{"amount":100}`))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		rr := postPredict(t, server, "tenant-001", domain.TransactionFeatures{Amount: -100})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["error"] == "" {
			t.Error("expected error detail in response")
		}
	})

	t.Run("ModelNotLoaded", func(t *testing.T) {
		notReady := createTestServer(t, nil)

		rr := postPredict(t, notReady, "tenant-001", domain.TransactionFeatures{Amount: 100})

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["error"] != "model not loaded" {
			t.Errorf("expected error 'model not loaded', got '%s'", resp["error"])
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := postPredict(t, server, "tenant-001", domain.TransactionFeatures{Amount: 100})

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestGetPredictionEndpoint(t *testing.T) {
	server := createTestServer(t, &fixedCapability{score: -1})

	t.Run("Found", func(t *testing.T) {
		rr := postPredict(t, server, "tenant-001", domain.TransactionFeatures{Amount: 250})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var pred domain.Prediction
		json.Unmarshal(rr.Body.Bytes(), &pred)

		req := httptest.NewRequest(http.MethodGet, "/predictions/"+pred.ID, nil)
		req.Header.Set("X-Tenant-ID", "tenant-001")

		getRR := httptest.NewRecorder()
		server.Router().ServeHTTP(getRR, req)

		if getRR.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", getRR.Code, getRR.Body.String())
		}

		var stored domain.Prediction
		if err := json.Unmarshal(getRR.Body.Bytes(), &stored); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if stored.ID != pred.ID {
			t.Errorf("expected prediction %s, got %s", pred.ID, stored.ID)
		}
		if stored.AnomalyScore != pred.AnomalyScore {
			t.Errorf("expected anomalyScore %v, got %v", pred.AnomalyScore, stored.AnomalyScore)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/predictions/no-such-id", nil)
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rr := postPredict(t, server, "tenant-a", domain.TransactionFeatures{Amount: 42})
		var pred domain.Prediction
		json.Unmarshal(rr.Body.Bytes(), &pred)

		req := httptest.NewRequest(http.MethodGet, "/predictions/"+pred.ID, nil)
		req.Header.Set("X-Tenant-ID", "tenant-b")

		getRR := httptest.NewRecorder()
		server.Router().ServeHTTP(getRR, req)

		if getRR.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for other tenant, got %d", getRR.Code)
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	server := createTestServer(t, &fixedCapability{score: -1})

	t.Run("Snapshot", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rr := postPredict(t, server, "tenant-stats", domain.TransactionFeatures{
				Amount:        float64(100 + i),
				RiskFlagCount: i,
			})
			if rr.Code != http.StatusOK {
				t.Fatalf("predict %d failed: %d", i, rr.Code)
			}
		}

		req := httptest.NewRequest(http.MethodGet, "/stats?windowSecs=3600", nil)
		req.Header.Set("X-Tenant-ID", "tenant-stats")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var snap stats.Snapshot
		if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if snap.TotalPredictions != 3 {
			t.Errorf("expected 3 predictions, got %d", snap.TotalPredictions)
		}
		if snap.Anomalies != 3 {
			t.Errorf("expected 3 anomalies, got %d", snap.Anomalies)
		}
		if snap.AnomalyRate != 1.0 {
			t.Errorf("expected anomaly rate 1.0, got %v", snap.AnomalyRate)
		}
	})

	t.Run("InvalidWindow", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats?windowSecs=-5", nil)
		req.Header.Set("X-Tenant-ID", "tenant-stats")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestModelEndpoints(t *testing.T) {
	t.Run("ModelInfo", func(t *testing.T) {
		server := createTestServer(t, &fixedCapability{score: -1})

		req := httptest.NewRequest(http.MethodGet, "/model", nil)
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var info domain.ModelInfo
		json.Unmarshal(rr.Body.Bytes(), &info)
		if info.Version != "fixed-1" {
			t.Errorf("expected version 'fixed-1', got '%s'", info.Version)
		}
	})

	t.Run("ModelInfoNotLoaded", func(t *testing.T) {
		server := createTestServer(t, nil)

		req := httptest.NewRequest(http.MethodGet, "/model", nil)
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("ReloadFailureKeepsModel", func(t *testing.T) {
		// modelCfg points at a nonexistent artifact, so reload must fail
		// while the current capability keeps serving.
		server := createTestServer(t, &fixedCapability{score: -1})

		req := httptest.NewRequest(http.MethodPost, "/model/reload", nil)
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}

		predRR := postPredict(t, server, "tenant-001", domain.TransactionFeatures{Amount: 100})
		if predRR.Code != http.StatusOK {
			t.Errorf("expected old model to keep serving, got %d", predRR.Code)
		}
	})
}

func TestOverrideEndpoints(t *testing.T) {
	server := createTestServer(t, &fixedCapability{score: -1})

	t.Run("CreateOverride", func(t *testing.T) {
		reqBody := CreateOverrideRequest{
			ID:         "ovr-001",
			Name:       "Hard Amount Limit",
			Expression: "amount > 50000.0",
			Action:     "alert",
			Reason:     "amount exceeds hard limit",
			Enabled:    true,
		}
		body, _ := json.Marshal(reqBody)

		req := httptest.NewRequest(http.MethodPost, "/overrides", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreateOverrideInvalidExpression", func(t *testing.T) {
		reqBody := CreateOverrideRequest{
			ID:         "ovr-bad",
			Name:       "Broken",
			Expression: "amount >>> oops",
			Action:     "alert",
			Enabled:    true,
		}
		body, _ := json.Marshal(reqBody)

		req := httptest.NewRequest(http.MethodPost, "/overrides", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateOverrideMissingFields", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/overrides", bytes.NewBufferString(`{"id":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ReloadOverrides", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/overrides/reload", nil)
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if count, _ := resp["count"].(float64); count != 1 {
			t.Errorf("expected 1 override reloaded, got %v", resp["count"])
		}
	})

	t.Run("ListOverrides", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/overrides", nil)
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if count, _ := resp["count"].(float64); count != 1 {
			t.Errorf("expected 1 override, got %v", resp["count"])
		}
	})

	t.Run("OverrideAttachedToPrediction", func(t *testing.T) {
		rr := postPredict(t, server, "tenant-001", domain.TransactionFeatures{Amount: 75000})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var pred domain.Prediction
		json.Unmarshal(rr.Body.Bytes(), &pred)
		if len(pred.Overrides) != 1 {
			t.Fatalf("expected 1 triggered override, got %d", len(pred.Overrides))
		}
		if pred.Overrides[0].OverrideID != "ovr-001" {
			t.Errorf("expected override 'ovr-001', got '%s'", pred.Overrides[0].OverrideID)
		}
		// The override never alters the model verdict.
		if pred.AnomalyScore != 0.7311 {
			t.Errorf("expected anomalyScore 0.7311, got %v", pred.AnomalyScore)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		server := createTestServer(t, &fixedCapability{score: -1})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%v'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%v'", resp["version"])
		}
		if loaded, _ := resp["modelLoaded"].(bool); !loaded {
			t.Error("expected modelLoaded true")
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		server := createTestServer(t, &fixedCapability{score: -1})

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReadyWithoutModel", func(t *testing.T) {
		server := createTestServer(t, nil)

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["ready"] != "false" {
			t.Errorf("expected ready 'false', got '%s'", resp["ready"])
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
