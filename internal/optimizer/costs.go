package optimizer

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnrichCosts attaches the catalog cost schedule of every channel with nonzero
// probability. Zero-probability channels get no entry. A nonzero channel with
// no catalog entry is an integrity error and leaves ChannelCosts unset.
func EnrichCosts(cat *catalog.Catalog, acct *domain.Account) error {
	costs := domain.NewChannelMap[domain.ChannelCost](acct.Probabilities.Len())

	var missing error
	acct.Probabilities.Range(func(id string, p float64) bool {
		if p == 0 {
			return true
		}
		ch, ok := cat.Lookup(id)
		if !ok {
			missing = fmt.Errorf("%w: %s", domain.ErrUnknownChannel, id)
			return false
		}
		costs.Set(id, ch.Cost())
		return true
	})
	if missing != nil {
		return missing
	}

	acct.ChannelCosts = costs
	return nil
}
