package domain

import (
	"fmt"
	"strings"
)

// RoutingClass determines which accounts may use a channel.
type RoutingClass string

const (
	// RoutingDomestic channels are usable only by accounts of the same settlement bank.
	RoutingDomestic RoutingClass = "DOMESTIC"

	// RoutingInterbank channels are usable by accounts of any bank.
	RoutingInterbank RoutingClass = "INTERBANK"
)

// ParseRoutingClass normalizes a routing class value.
// The legacy "INTERBANCARIO" spelling maps to INTERBANK.
func ParseRoutingClass(s string) (RoutingClass, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(RoutingDomestic):
		return RoutingDomestic, nil
	case string(RoutingInterbank), "INTERBANCARIO":
		return RoutingInterbank, nil
	default:
		return "", fmt.Errorf("%w: unknown routing class %q", ErrSchema, s)
	}
}

// FeeKind tags how a channel charges for a collection attempt.
type FeeKind string

const (
	// FeeFlat charges the same fee whatever the outcome.
	FeeFlat FeeKind = "flat"

	// FeeFailureOnly charges the failure fee only when the attempt fails.
	FeeFailureOnly FeeKind = "failure_only"
)

// FeePolicy is the resolved fee rule of a channel.
type FeePolicy struct {
	Kind   FeeKind `json:"kind" msgpack:"kind"`
	Amount float64 `json:"amount" msgpack:"amount"`
}

// FlatFee returns a policy that applies amount in full on every attempt.
func FlatFee(amount float64) FeePolicy {
	return FeePolicy{Kind: FeeFlat, Amount: amount}
}

// FailureOnlyFee returns a policy that applies amount weighted by the failure chance.
func FailureOnlyFee(amount float64) FeePolicy {
	return FeePolicy{Kind: FeeFailureOnly, Amount: amount}
}

// ResolveFeePolicy derives the fee policy from a cost schedule.
// Equal success and failure costs mean a flat per-attempt fee.
func ResolveFeePolicy(costOnSuccess, costOnFailure float64) FeePolicy {
	if costOnFailure == costOnSuccess {
		return FlatFee(costOnFailure)
	}
	return FailureOnlyFee(costOnFailure)
}

// Penalty returns the fee term for an attempt with success probability p.
func (f FeePolicy) Penalty(p float64) float64 {
	switch f.Kind {
	case FeeFlat:
		return f.Amount
	case FeeFailureOnly:
		return f.Amount * (1 - p)
	default:
		return 0
	}
}

// Channel is a payment channel ("issuer") bound to a settlement bank.
type Channel struct {
	ID             string       `json:"channelId"`
	DisplayName    string       `json:"displayName"`
	SettlementBank string       `json:"settlementBank"`
	RoutingClass   RoutingClass `json:"routingClass"`
	CostOnSuccess  float64      `json:"costOnSuccess"`
	CostOnFailure  float64      `json:"costOnFailure"`

	// Fee is resolved once when the catalog is built.
	Fee FeePolicy `json:"fee"`
}

// Interbank reports whether the channel is usable by accounts of any bank.
func (c *Channel) Interbank() bool {
	return c.RoutingClass == RoutingInterbank
}

// Cost returns the channel's cost schedule.
func (c *Channel) Cost() ChannelCost {
	return ChannelCost{
		CostOnSuccess: c.CostOnSuccess,
		CostOnFailure: c.CostOnFailure,
		Fee:           c.Fee,
	}
}

// ChannelCost is the cost schedule attached to an account for one channel.
type ChannelCost struct {
	CostOnSuccess float64   `json:"costOnSuccess"`
	CostOnFailure float64   `json:"costOnFailure"`
	Fee           FeePolicy `json:"fee"`
}

// Policy returns the resolved fee policy, resolving it from the raw costs
// when the schedule was built outside a catalog.
func (c ChannelCost) Policy() FeePolicy {
	if c.Fee.Kind != "" {
		return c.Fee
	}
	return ResolveFeePolicy(c.CostOnSuccess, c.CostOnFailure)
}
