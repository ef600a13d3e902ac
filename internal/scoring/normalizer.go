// Package scoring normalizes raw model decision scores into bounded,
// decision-ready anomaly scores.
package scoring

import (
	"fmt"
	"math"
)

// DecisionThreshold is the anomaly-score boundary. Scores strictly above it
// flag the transaction as anomalous; exactly the threshold does not.
const DecisionThreshold = 0.5

// Result is the normalized output for a single raw decision score.
// Score is unrounded; apply Round4 before surfacing it to callers.
type Result struct {
	Score     float64
	IsAnomaly bool
}

// Normalize maps a raw decision score to a bounded anomaly score in [0,1]
// via a logistic squash: 1 / (1 + exp(raw)). The mapping is monotonically
// decreasing in the raw score (negative = anomalous), sends 0 to exactly 0.5,
// and saturates to 1 or 0 for large-magnitude inputs without overflow.
//
// Non-finite inputs are a contract violation by the capability and are
// rejected rather than propagated into the response.
func Normalize(raw float64) (Result, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return Result{}, fmt.Errorf("decision score must be finite, got %v", raw)
	}

	// exp overflows to +Inf for large raw; 1/(1+Inf) saturates cleanly to 0.
	score := 1.0 / (1.0 + math.Exp(raw))

	return Result{
		Score:     score,
		IsAnomaly: score > DecisionThreshold,
	}, nil
}

// Confidence expresses distance from the decision boundary as a 0-1
// certainty measure: 0 at the boundary, 1 at either extreme.
func Confidence(score float64) float64 {
	return math.Abs(score-DecisionThreshold) * 2
}

// Round4 applies the cosmetic 4-decimal rounding used for surfaced scores.
// The decision rule always runs on the unrounded value.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
