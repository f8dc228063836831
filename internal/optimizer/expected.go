package optimizer

import "github.com/opensource-finance/kestrel/internal/domain"

// ExpectedValue returns owed*p plus the fee penalty of cost.
// A nil cost is treated as free.
func ExpectedValue(owed, p float64, cost *domain.ChannelCost) float64 {
	return owed*p + Penalty(p, cost)
}

// Penalty returns the policy-determined fee term, zero without a cost schedule.
func Penalty(p float64, cost *domain.ChannelCost) float64 {
	if cost == nil {
		return 0
	}
	return cost.Policy().Penalty(p)
}

// ComputeExpectedValues fills ExpectedValues for every scored channel,
// including zeroed ones, in probability order.
func ComputeExpectedValues(acct *domain.Account) {
	values := domain.NewChannelMap[float64](acct.Probabilities.Len())
	acct.Probabilities.Range(func(id string, p float64) bool {
		var cost *domain.ChannelCost
		if c, ok := acct.ChannelCosts.Get(id); ok {
			cost = &c
		}
		values.Set(id, ExpectedValue(acct.OwedAmount, p, cost))
		return true
	})
	acct.ExpectedValues = values
}

// Penalties is a diagnostic view: the penalty per scored channel, or nil
// where the account has no cost data for that channel.
// It is not used for selection.
func Penalties(acct *domain.Account) *domain.ChannelMap[*float64] {
	out := domain.NewChannelMap[*float64](acct.Probabilities.Len())
	acct.Probabilities.Range(func(id string, p float64) bool {
		c, ok := acct.ChannelCosts.Get(id)
		if !ok {
			out.Set(id, nil)
			return true
		}
		penalty := c.Policy().Penalty(p)
		out.Set(id, &penalty)
		return true
	})
	return out
}
