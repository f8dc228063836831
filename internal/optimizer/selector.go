package optimizer

import (
	"gonum.org/v1/gonum/floats"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SelectBest picks the channel with the highest expected value among the
// channels that kept a nonzero probability, ties going to the first channel in
// scoring order. A channel zeroed by eligibility or exclusion is never picked,
// even when its expected value ties the maximum. Accounts with no such channel
// get OutcomeNoEligibleChannel.
func SelectBest(acct *domain.Account) *domain.Selection {
	ids, values := candidates(acct)
	if len(ids) == 0 {
		return &domain.Selection{Outcome: domain.OutcomeNoEligibleChannel}
	}

	best := floats.MaxIdx(values)
	return &domain.Selection{
		Outcome:       domain.OutcomeSelected,
		ChannelID:     ids[best],
		ExpectedValue: values[best],
	}
}

// candidates returns the scored channels with nonzero probability and their
// expected values, in expected-value order.
func candidates(acct *domain.Account) ([]string, []float64) {
	var (
		ids    []string
		values []float64
	)
	acct.ExpectedValues.Range(func(id string, ev float64) bool {
		if p, ok := acct.Probabilities.Get(id); ok && p != 0 {
			ids = append(ids, id)
			values = append(values, ev)
		}
		return true
	})
	return ids, values
}
