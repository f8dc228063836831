package domain

import "time"

// Account is the unit of decision: one outstanding credit to collect.
// The predictive-model adapter fills ID, OwedAmount, HomeBank and
// Probabilities; each pipeline stage then adds exactly one field.
type Account struct {
	ID         string  `json:"accountId"`
	OwedAmount float64 `json:"owedAmount"`
	HomeBank   string  `json:"homeBank"`

	// Probabilities keeps the model's scoring order.
	Probabilities *ChannelMap[float64] `json:"probabilities"`

	// ChannelCosts holds entries only for channels with nonzero probability.
	ChannelCosts *ChannelMap[ChannelCost] `json:"channelCosts,omitempty"`

	// ExpectedValues has exactly the key set of Probabilities.
	ExpectedValues *ChannelMap[float64] `json:"expectedValues,omitempty"`

	Selection *Selection `json:"selection,omitempty"`
}

// NewAccount creates an account with an empty probability map.
func NewAccount(id, homeBank string, owedAmount float64) *Account {
	return &Account{
		ID:            id,
		OwedAmount:    owedAmount,
		HomeBank:      homeBank,
		Probabilities: NewChannelMap[float64](0),
	}
}

// SelectedChannel returns the chosen channel ID, or "" when none was chosen.
func (a *Account) SelectedChannel() string {
	if a.Selection == nil || a.Selection.Outcome != OutcomeSelected {
		return ""
	}
	return a.Selection.ChannelID
}

// SelectionOutcome describes how selection ended for an account.
type SelectionOutcome string

const (
	// OutcomeSelected means a best channel was chosen.
	OutcomeSelected SelectionOutcome = "selected"

	// OutcomeNoEligibleChannel means no scored channel survived filtering.
	OutcomeNoEligibleChannel SelectionOutcome = "no_eligible_channel"
)

// Selection is the result of the best channel selector.
type Selection struct {
	Outcome       SelectionOutcome `json:"outcome"`
	ChannelID     string           `json:"channelId,omitempty"`
	ExpectedValue float64          `json:"expectedValue"`
}

// AccountFailure reports an account that could not be processed.
type AccountFailure struct {
	AccountID string `json:"accountId"`
	Stage     string `json:"stage"`
	Reason    string `json:"reason"`
}

// Run is the outcome of one optimization pass over an account batch.
type Run struct {
	ID        string           `json:"runId"`
	TenantID  string           `json:"tenantId"`
	CreatedAt time.Time        `json:"createdAt"`
	Accounts  []*Account       `json:"accounts"`
	Failures  []AccountFailure `json:"failures,omitempty"`
	Metadata  RunMetadata      `json:"metadata"`
}

// RunMetadata contains processing information for a run.
type RunMetadata struct {
	TraceID          string `json:"traceId,omitempty"`
	CatalogChannels  int    `json:"catalogChannels"`
	AccountsReceived int    `json:"accountsReceived"`
	Selected         int    `json:"selected"`
	NoEligible       int    `json:"noEligible"`
	Failed           int    `json:"failed"`
	ExclusionRules   int    `json:"exclusionRules"`
	TotalMs          int64  `json:"totalMs"`
	EngineVersion    string `json:"engineVersion"`
}
