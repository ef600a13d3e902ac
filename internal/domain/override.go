package domain

// OverrideConfig defines a deployment policy override: a CEL expression over
// the transaction features and normalized score that, when true, attaches an
// action to the prediction. Overrides never change the model verdict fields.
type OverrideConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression, must evaluate to bool.
	Expression string `json:"expression"`

	// Action applied when the expression holds: "alert" or "review".
	Action string `json:"action"`

	// Reason surfaced with the triggered override.
	Reason string `json:"reason"`

	Enabled bool `json:"enabled"`
}

// OverrideResult is the outcome of evaluating a single override.
type OverrideResult struct {
	OverrideID string `json:"overrideId"`
	Name       string `json:"name"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

// Override actions.
const (
	OverrideActionAlert  = "alert"
	OverrideActionReview = "review"
)
