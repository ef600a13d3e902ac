// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"fmt"
	"math"
)

// FeatureNames lists the model input features in training order.
// The order is part of the contract with the trained model artifact:
// vectors handed to the scoring capability must follow it exactly.
var FeatureNames = []string{
	"amount",
	"accountAgeDays",
	"confidence",
	"totalCost",
	"newAccount",
	"internationalTransfer",
	"unusualHour",
	"riskFlagCount",
}

// FeatureCount is the fixed arity of the model input vector.
const FeatureCount = 8

// TransactionFeatures is the fixed 8-field feature record for a single
// transaction. Optional fields use pointers so that "absent" and "zero"
// stay distinguishable during validation; absent fields take neutral
// defaults (0, 0.0, false) before scoring.
type TransactionFeatures struct {
	Amount                float64  `json:"amount"`
	AccountAgeDays        *int     `json:"accountAgeDays,omitempty"`
	Confidence            *float64 `json:"confidence,omitempty"`
	TotalCost             *float64 `json:"totalCost,omitempty"`
	NewAccount            bool     `json:"newAccount,omitempty"`
	InternationalTransfer bool     `json:"internationalTransfer,omitempty"`
	UnusualHour           bool     `json:"unusualHour,omitempty"`
	RiskFlagCount         int      `json:"riskFlagCount,omitempty"`
}

// Validate checks domain invariants on the feature record.
// It returns a descriptive error on the first violation found.
func (f *TransactionFeatures) Validate() error {
	if math.IsNaN(f.Amount) || math.IsInf(f.Amount, 0) {
		return fmt.Errorf("amount must be a finite number")
	}
	if f.Amount < 0 {
		return fmt.Errorf("amount must be >= 0, got %v", f.Amount)
	}
	if f.Confidence != nil {
		c := *f.Confidence
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("confidence must be a finite number")
		}
		if c < 0 || c > 1 {
			return fmt.Errorf("confidence must be in [0,1], got %v", c)
		}
	}
	if f.TotalCost != nil {
		tc := *f.TotalCost
		if math.IsNaN(tc) || math.IsInf(tc, 0) {
			return fmt.Errorf("totalCost must be a finite number")
		}
		if tc < 0 {
			return fmt.Errorf("totalCost must be >= 0, got %v", tc)
		}
	}
	if f.RiskFlagCount < 0 {
		return fmt.Errorf("riskFlagCount must be >= 0, got %d", f.RiskFlagCount)
	}
	return nil
}

// Vector returns the ordered 8-element model input vector with neutral
// defaults applied for absent optional fields. Booleans encode as 0/1.
func (f *TransactionFeatures) Vector() []float64 {
	vec := make([]float64, FeatureCount)
	vec[0] = f.Amount
	if f.AccountAgeDays != nil {
		vec[1] = float64(*f.AccountAgeDays)
	}
	if f.Confidence != nil {
		vec[2] = *f.Confidence
	}
	if f.TotalCost != nil {
		vec[3] = *f.TotalCost
	}
	vec[4] = boolToFloat(f.NewAccount)
	vec[5] = boolToFloat(f.InternationalTransfer)
	vec[6] = boolToFloat(f.UnusualHour)
	vec[7] = float64(f.RiskFlagCount)
	return vec
}

func boolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
