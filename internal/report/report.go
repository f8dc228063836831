// Package report flattens runs into the record sets consumed by reporting
// and visualization clients.
package report

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Build flattens run into per-account, per-probability, per-cost and
// per-expected-value records, joining display names from cat.
// cat may be nil, in which case display names are left empty.
func Build(run *domain.Run, cat *catalog.Catalog) *domain.RunReport {
	rep := &domain.RunReport{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		CreatedAt:      run.CreatedAt,
		Accounts:       make([]domain.AccountRecord, 0, len(run.Accounts)),
		Probabilities:  []domain.ProbabilityRecord{},
		Costs:          []domain.CostRecord{},
		ExpectedValues: []domain.ExpectedValueRecord{},
		Failures:       run.Failures,
		Metadata:       run.Metadata,
	}

	name := func(id string) string {
		if cat == nil {
			return ""
		}
		return cat.DisplayName(id)
	}

	for _, acct := range run.Accounts {
		selected := acct.SelectedChannel()

		rec := domain.AccountRecord{
			AccountID:       acct.ID,
			HomeBank:        acct.HomeBank,
			OwedAmount:      acct.OwedAmount,
			SelectedChannel: selected,
			DisplayName:     name(selected),
			Outcome:         domain.OutcomeNoEligibleChannel,
		}
		if acct.Selection != nil {
			rec.Outcome = acct.Selection.Outcome
			rec.ExpectedValue = acct.Selection.ExpectedValue
		}
		rep.Accounts = append(rep.Accounts, rec)

		pos := 0
		acct.Probabilities.Range(func(id string, p float64) bool {
			rep.Probabilities = append(rep.Probabilities, domain.ProbabilityRecord{
				AccountID:   acct.ID,
				ChannelID:   id,
				DisplayName: name(id),
				Position:    pos,
				Probability: p,
			})
			pos++
			return true
		})

		acct.ChannelCosts.Range(func(id string, c domain.ChannelCost) bool {
			rep.Costs = append(rep.Costs, domain.CostRecord{
				AccountID:     acct.ID,
				ChannelID:     id,
				DisplayName:   name(id),
				CostOnSuccess: c.CostOnSuccess,
				CostOnFailure: c.CostOnFailure,
				FeeKind:       c.Policy().Kind,
			})
			return true
		})

		acct.ExpectedValues.Range(func(id string, ev float64) bool {
			rep.ExpectedValues = append(rep.ExpectedValues, domain.ExpectedValueRecord{
				AccountID:     acct.ID,
				ChannelID:     id,
				DisplayName:   name(id),
				ExpectedValue: ev,
				Selected:      id == selected,
			})
			return true
		})
	}

	rep.Summary = Summarize(rep.Accounts, len(rep.Failures))
	return rep
}

// FilterByBank returns a copy of rep restricted to accounts of homeBank.
// An empty bank returns rep unchanged. Failures carry no bank and are
// dropped from a filtered report.
func FilterByBank(rep *domain.RunReport, homeBank string) *domain.RunReport {
	if homeBank == "" {
		return rep
	}

	out := *rep
	out.Accounts = []domain.AccountRecord{}
	out.Probabilities = []domain.ProbabilityRecord{}
	out.Costs = []domain.CostRecord{}
	out.ExpectedValues = []domain.ExpectedValueRecord{}
	out.Failures = nil

	keep := make(map[string]struct{})
	for _, rec := range rep.Accounts {
		if rec.HomeBank == homeBank {
			keep[rec.AccountID] = struct{}{}
			out.Accounts = append(out.Accounts, rec)
		}
	}
	for _, rec := range rep.Probabilities {
		if _, ok := keep[rec.AccountID]; ok {
			out.Probabilities = append(out.Probabilities, rec)
		}
	}
	for _, rec := range rep.Costs {
		if _, ok := keep[rec.AccountID]; ok {
			out.Costs = append(out.Costs, rec)
		}
	}
	for _, rec := range rep.ExpectedValues {
		if _, ok := keep[rec.AccountID]; ok {
			out.ExpectedValues = append(out.ExpectedValues, rec)
		}
	}

	out.Summary = Summarize(out.Accounts, 0)
	return &out
}

// Summarize aggregates account records. Expected value statistics cover
// selected accounts only. Channel shares are ordered by count, ties by
// first appearance.
func Summarize(accounts []domain.AccountRecord, failed int) domain.RunSummary {
	s := domain.RunSummary{
		Accounts: len(accounts) + failed,
		Failed:   failed,
		Channels: []domain.ChannelShare{},
	}

	var values []float64
	index := make(map[string]int)
	for _, rec := range accounts {
		s.TotalOwed += rec.OwedAmount

		if rec.Outcome != domain.OutcomeSelected {
			s.NoEligible++
			continue
		}
		s.Selected++
		values = append(values, rec.ExpectedValue)

		i, ok := index[rec.SelectedChannel]
		if !ok {
			i = len(s.Channels)
			index[rec.SelectedChannel] = i
			s.Channels = append(s.Channels, domain.ChannelShare{
				ChannelID:   rec.SelectedChannel,
				DisplayName: rec.DisplayName,
			})
		}
		s.Channels[i].Count++
	}

	s.TotalExpectedValue = floats.Sum(values)
	if len(values) > 0 {
		s.MeanExpectedValue = stat.Mean(values, nil)
	}
	if len(values) > 1 {
		s.StdDevExpected = stat.StdDev(values, nil)
	}

	for i := range s.Channels {
		s.Channels[i].Share = float64(s.Channels[i].Count) / float64(s.Selected)
	}
	sort.SliceStable(s.Channels, func(i, j int) bool {
		return s.Channels[i].Count > s.Channels[j].Count
	})

	return s
}
