package domain

import (
	"time"
)

// Prediction is the complete scoring result for a transaction.
// It lives for a single request/response cycle and is additionally
// persisted for later retrieval; nothing in the scoring path reads it back.
type Prediction struct {
	ID       string `json:"predictionId"`
	TenantID string `json:"tenantId"`

	// Contract fields returned to the caller. AnomalyScore and Confidence
	// carry 4-decimal rounding; the decision is taken on the unrounded score.
	AnomalyScore float64 `json:"anomalyScore"`
	IsAnomaly    bool    `json:"isAnomaly"`
	Confidence   float64 `json:"confidence"`
	Explanation  string  `json:"explanation"`

	// RawScore is the capability's unbounded decision score, kept for audit.
	RawScore float64 `json:"rawScore"`

	// Features echoes the (defaulted) input used for scoring.
	Features TransactionFeatures `json:"features"`

	// Overrides lists triggered policy overrides, if any. They never alter
	// the contract fields above.
	Overrides []OverrideResult `json:"overrides,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	Metadata PredictionMetadata `json:"metadata"`
}

// PredictionMetadata carries processing information for observability.
type PredictionMetadata struct {
	TraceID      string `json:"traceId"`
	ScoreMs      int64  `json:"scoreMs"`
	TotalMs      int64  `json:"totalMs"`
	ModelVersion string `json:"modelVersion"`
	CacheHit     bool   `json:"cacheHit,omitempty"`
}
