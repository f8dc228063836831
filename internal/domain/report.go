package domain

import "time"

// AccountRecord is the per-account row of a run report.
type AccountRecord struct {
	AccountID       string           `json:"accountId" msgpack:"account_id"`
	HomeBank        string           `json:"homeBank" msgpack:"home_bank"`
	OwedAmount      float64          `json:"owedAmount" msgpack:"owed_amount"`
	SelectedChannel string           `json:"selectedChannel,omitempty" msgpack:"selected_channel"`
	DisplayName     string           `json:"displayName,omitempty" msgpack:"display_name"`
	ExpectedValue   float64          `json:"expectedValue" msgpack:"expected_value"`
	Outcome         SelectionOutcome `json:"outcome" msgpack:"outcome"`
}

// ProbabilityRecord is one (account, channel) probability.
// Position is the channel's index in the model's scoring order.
type ProbabilityRecord struct {
	AccountID   string  `json:"accountId" msgpack:"account_id"`
	ChannelID   string  `json:"channelId" msgpack:"channel_id"`
	DisplayName string  `json:"displayName,omitempty" msgpack:"display_name"`
	Position    int     `json:"position" msgpack:"position"`
	Probability float64 `json:"probability" msgpack:"probability"`
}

// CostRecord is one costed (account, channel) pair.
type CostRecord struct {
	AccountID     string  `json:"accountId" msgpack:"account_id"`
	ChannelID     string  `json:"channelId" msgpack:"channel_id"`
	DisplayName   string  `json:"displayName,omitempty" msgpack:"display_name"`
	CostOnSuccess float64 `json:"costOnSuccess" msgpack:"cost_on_success"`
	CostOnFailure float64 `json:"costOnFailure" msgpack:"cost_on_failure"`
	FeeKind       FeeKind `json:"feeKind" msgpack:"fee_kind"`
}

// ExpectedValueRecord is one scored (account, channel) expected value.
type ExpectedValueRecord struct {
	AccountID     string  `json:"accountId" msgpack:"account_id"`
	ChannelID     string  `json:"channelId" msgpack:"channel_id"`
	DisplayName   string  `json:"displayName,omitempty" msgpack:"display_name"`
	ExpectedValue float64 `json:"expectedValue" msgpack:"expected_value"`
	Selected      bool    `json:"selected" msgpack:"selected"`
}

// ChannelShare is the selection count of one channel within a run.
type ChannelShare struct {
	ChannelID   string  `json:"channelId" msgpack:"channel_id"`
	DisplayName string  `json:"displayName,omitempty" msgpack:"display_name"`
	Count       int     `json:"count" msgpack:"count"`
	Share       float64 `json:"share" msgpack:"share"`
}

// RunSummary aggregates a run for reporting.
type RunSummary struct {
	Accounts           int            `json:"accounts" msgpack:"accounts"`
	Selected           int            `json:"selected" msgpack:"selected"`
	NoEligible         int            `json:"noEligible" msgpack:"no_eligible"`
	Failed             int            `json:"failed" msgpack:"failed"`
	TotalOwed          float64        `json:"totalOwed" msgpack:"total_owed"`
	TotalExpectedValue float64        `json:"totalExpectedValue" msgpack:"total_expected_value"`
	MeanExpectedValue  float64        `json:"meanExpectedValue" msgpack:"mean_expected_value"`
	StdDevExpected     float64        `json:"stdDevExpectedValue" msgpack:"std_dev_expected_value"`
	Channels           []ChannelShare `json:"channels" msgpack:"channels"`
}

// RunReport is the flattened, storable form of a run.
type RunReport struct {
	RunID          string                `json:"runId" msgpack:"run_id"`
	TenantID       string                `json:"tenantId" msgpack:"tenant_id"`
	CreatedAt      time.Time             `json:"createdAt" msgpack:"created_at"`
	Accounts       []AccountRecord       `json:"accounts" msgpack:"accounts"`
	Probabilities  []ProbabilityRecord   `json:"probabilities" msgpack:"probabilities"`
	Costs          []CostRecord          `json:"costs" msgpack:"costs"`
	ExpectedValues []ExpectedValueRecord `json:"expectedValues" msgpack:"expected_values"`
	Failures       []AccountFailure      `json:"failures,omitempty" msgpack:"failures"`
	Summary        RunSummary            `json:"summary" msgpack:"summary"`
	Metadata       RunMetadata           `json:"metadata" msgpack:"metadata"`
}

// RunInfo is a run listing entry.
type RunInfo struct {
	RunID     string      `json:"runId"`
	TenantID  string      `json:"tenantId"`
	CreatedAt time.Time   `json:"createdAt"`
	Metadata  RunMetadata `json:"metadata"`
}
