// Package explain renders deterministic, human-readable rationales for
// anomaly predictions.
package explain

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Indicator thresholds. Fixed per deployment; changing them changes the
// explanation contract with downstream consumers.
const (
	// HighAmountThreshold flags transactions above this amount.
	HighAmountThreshold = 5000.0

	// RiskFlagThreshold flags transactions with more risk flags than this.
	RiskFlagThreshold = 2
)

// currency formats amounts with English digit grouping ("7,500.50").
var currency = message.NewPrinter(language.English)

// Generate assembles the rationale string for a prediction. It scans the
// risk indicators in fixed order, so clause ordering in the output is stable
// and part of the contract. The embedded score is formatted to 2 decimals,
// independent of the 4-decimal rounding on the machine-readable field.
//
// The function is pure: identical inputs produce byte-identical output.
func Generate(features *domain.TransactionFeatures, anomalyScore float64, isAnomaly bool) string {
	riskFactors := indicators(features)

	if isAnomaly {
		if len(riskFactors) > 0 {
			return fmt.Sprintf("Anomaly detected (score: %.2f). Risk factors: %s",
				anomalyScore, strings.Join(riskFactors, ", "))
		}
		return fmt.Sprintf("Anomaly detected (score: %.2f). Transaction pattern deviates significantly from normal behavior.",
			anomalyScore)
	}
	return fmt.Sprintf("Normal transaction (score: %.2f). No significant anomalies detected.",
		anomalyScore)
}

// indicators returns the matching risk-indicator clauses in scan order:
// high amount, new account, international transfer, unusual hour, risk flags.
func indicators(f *domain.TransactionFeatures) []string {
	var clauses []string

	if f.Amount > HighAmountThreshold {
		clauses = append(clauses, currency.Sprintf("high amount ($%.2f)", f.Amount))
	}
	if f.NewAccount {
		clauses = append(clauses, "new account")
	}
	if f.InternationalTransfer {
		clauses = append(clauses, "international transfer")
	}
	if f.UnusualHour {
		clauses = append(clauses, "unusual hour")
	}
	if f.RiskFlagCount > RiskFlagThreshold {
		clauses = append(clauses, fmt.Sprintf("multiple risk flags (%d)", f.RiskFlagCount))
	}

	return clauses
}
