// Package catalog holds the immutable channel catalog used by an optimization run.
package catalog

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Catalog is a read-only snapshot of the channel catalog.
// Channels live in an arena indexed by position; eligibility is precomputed
// per settlement bank as an availability vector over that arena.
type Catalog struct {
	channels  []domain.Channel
	index     map[string]int
	byBank    map[string][]bool
	interbank []bool
}

// New validates rows, resolves fee policies and builds the snapshot.
// Any invalid row rejects the whole catalog.
func New(rows []domain.Channel) (*Catalog, error) {
	c := &Catalog{
		channels:  make([]domain.Channel, 0, len(rows)),
		index:     make(map[string]int, len(rows)),
		byBank:    make(map[string][]bool),
		interbank: make([]bool, len(rows)),
	}

	for i, row := range rows {
		if err := validateRow(row); err != nil {
			return nil, fmt.Errorf("catalog row %d: %w", i+1, err)
		}
		if _, dup := c.index[row.ID]; dup {
			return nil, fmt.Errorf("catalog row %d: %w: %s", i+1, domain.ErrDuplicateChannel, row.ID)
		}

		row.Fee = domain.ResolveFeePolicy(row.CostOnSuccess, row.CostOnFailure)
		c.index[row.ID] = len(c.channels)
		c.channels = append(c.channels, row)
	}

	for i := range c.channels {
		if c.channels[i].Interbank() {
			c.interbank[i] = true
		}
	}
	for i := range c.channels {
		bank := c.channels[i].SettlementBank
		avail, ok := c.byBank[bank]
		if !ok {
			avail = make([]bool, len(c.channels))
			copy(avail, c.interbank)
			c.byBank[bank] = avail
		}
		avail[i] = true
	}

	return c, nil
}

func validateRow(row domain.Channel) error {
	if row.ID == "" {
		return fmt.Errorf("%w: channel_id is required", domain.ErrSchema)
	}
	if row.SettlementBank == "" {
		return fmt.Errorf("%w: settlement_bank is required for %s", domain.ErrSchema, row.ID)
	}
	if row.RoutingClass != domain.RoutingDomestic && row.RoutingClass != domain.RoutingInterbank {
		return fmt.Errorf("%w: invalid routing_class %q for %s", domain.ErrSchema, row.RoutingClass, row.ID)
	}
	if !validAmount(row.CostOnSuccess) {
		return fmt.Errorf("%w: cost_on_success must be a non-negative amount for %s", domain.ErrRange, row.ID)
	}
	if !validAmount(row.CostOnFailure) {
		return fmt.Errorf("%w: cost_on_failure must be a non-negative amount for %s", domain.ErrRange, row.ID)
	}
	return nil
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

// Len returns the number of channels.
func (c *Catalog) Len() int {
	return len(c.channels)
}

// Lookup returns the channel for an ID.
func (c *Catalog) Lookup(channelID string) (*domain.Channel, bool) {
	i, ok := c.index[channelID]
	if !ok {
		return nil, false
	}
	return &c.channels[i], true
}

// IndexOf returns the arena position of a channel, or -1.
func (c *Catalog) IndexOf(channelID string) int {
	if i, ok := c.index[channelID]; ok {
		return i
	}
	return -1
}

// Availability returns the eligibility vector for accounts of homeBank.
// Banks with no channels of their own only see INTERBANK channels.
// The returned slice must not be modified.
func (c *Catalog) Availability(homeBank string) []bool {
	if avail, ok := c.byBank[homeBank]; ok {
		return avail
	}
	return c.interbank
}

// Eligible reports whether a channel may be used by accounts of homeBank.
// Channels missing from the catalog are never eligible.
func (c *Catalog) Eligible(homeBank, channelID string) bool {
	i := c.IndexOf(channelID)
	if i < 0 {
		return false
	}
	return c.Availability(homeBank)[i]
}

// Channels returns a copy of the catalog rows in load order.
func (c *Catalog) Channels() []domain.Channel {
	out := make([]domain.Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Banks returns the number of distinct settlement banks.
func (c *Catalog) Banks() int {
	return len(c.byBank)
}

// DisplayName returns the channel's display name, or "" if unknown.
func (c *Catalog) DisplayName(channelID string) string {
	if ch, ok := c.Lookup(channelID); ok {
		return ch.DisplayName
	}
	return ""
}
