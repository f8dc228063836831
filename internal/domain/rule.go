package domain

import "time"

// ExclusionRule removes channels from an account's eligible set when its
// CEL expression evaluates to true.
//
// Variables available to the expression:
//
//	owed_amount, probability, cost_on_success, cost_on_failure (double)
//	account_id, home_bank, channel_id, settlement_bank, routing_class (string)
type ExclusionRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL boolean expression
	Expression string `json:"expression"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
