package optimizer

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// FilterEligibility zeroes the probability of every scored channel the account
// may not use. A channel is eligible when it settles at the account's home bank
// or routes INTERBANK. Keys are never added or removed. A scored channel
// missing from the catalog is zeroed too, with a warning when its probability
// was nonzero.
func FilterEligibility(cat *catalog.Catalog, acct *domain.Account) {
	avail := cat.Availability(acct.HomeBank)
	for _, id := range acct.Probabilities.Keys() {
		i := cat.IndexOf(id)
		if i >= 0 && avail[i] {
			continue
		}
		if p, _ := acct.Probabilities.Get(id); i < 0 && p != 0 {
			slog.Warn("scored channel not in catalog, zeroed",
				"account_id", acct.ID,
				"channel_id", id,
				"probability", p,
			)
		}
		acct.Probabilities.Set(id, 0)
	}
}

// Screen excludes additional (account, channel) pairs after eligibility filtering.
type Screen interface {
	Excluded(ctx context.Context, acct *domain.Account, ch *domain.Channel, probability float64) (bool, error)
	Count() int
}

// ApplyExclusions zeroes eligible channels matched by the screen.
// Screen errors keep the channel.
func ApplyExclusions(ctx context.Context, cat *catalog.Catalog, screen Screen, acct *domain.Account) int {
	if screen == nil || screen.Count() == 0 {
		return 0
	}

	excluded := 0
	for _, id := range acct.Probabilities.Keys() {
		p, _ := acct.Probabilities.Get(id)
		if p == 0 {
			continue
		}
		ch, ok := cat.Lookup(id)
		if !ok {
			continue
		}

		hit, err := screen.Excluded(ctx, acct, ch, p)
		if err != nil {
			slog.Warn("exclusion rule failed",
				"account_id", acct.ID,
				"channel_id", id,
				"error", err,
			)
			continue
		}
		if hit {
			acct.Probabilities.Set(id, 0)
			excluded++
		}
	}
	return excluded
}
