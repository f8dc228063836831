package optimizer

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ValidateAccount rejects accounts that must not enter the pipeline.
// With strict set, scoring a channel missing from cat is a schema error.
func ValidateAccount(acct *domain.Account, cat *catalog.Catalog, strict bool) error {
	if acct == nil {
		return fmt.Errorf("%w: account is required", domain.ErrSchema)
	}
	if acct.ID == "" {
		return fmt.Errorf("%w: account_id is required", domain.ErrSchema)
	}
	if acct.HomeBank == "" {
		return fmt.Errorf("%w: home_bank is required", domain.ErrSchema)
	}
	if acct.Probabilities == nil {
		return fmt.Errorf("%w: probabilities are required", domain.ErrSchema)
	}
	if math.IsNaN(acct.OwedAmount) || math.IsInf(acct.OwedAmount, 0) || acct.OwedAmount < 0 {
		return fmt.Errorf("%w: owed_amount must be a non-negative amount, got %v", domain.ErrRange, acct.OwedAmount)
	}

	var err error
	acct.Probabilities.Range(func(id string, p float64) bool {
		if id == "" {
			err = fmt.Errorf("%w: empty channel_id in probabilities", domain.ErrSchema)
			return false
		}
		if math.IsNaN(p) || p < 0 || p > 1 {
			err = fmt.Errorf("%w: probability for %s must be in [0,1], got %v", domain.ErrRange, id, p)
			return false
		}
		if strict && cat.IndexOf(id) < 0 {
			err = fmt.Errorf("%w: %s", domain.ErrUnknownChannel, id)
			return false
		}
		return true
	})
	return err
}
