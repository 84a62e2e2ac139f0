/*
accrual.go - Turning one policy into candidate ledger rows

PURPOSE:
  For one eligible policy and one run family, resolves the chain, the
  cycle, the premium basis and each level's marginal rate, then builds
  the rows that family owes. Every row passes the RunContext dedup check
  before it is returned.

FAMILY SCOPE:
  advance  annual world, cycle 1, advance rate > 0
           amount = round2(premium x marginal x advance_rate)
  paythru  annual world cycle 1 (prorated), every term-world cycle
           amount = installment (see proration.go)
  renewal  annual world, cycle >= 2, one lump per cycle
           amount = round2(premium x marginal)

DEDUP:
  Key (policy, agent, cycle) is skipped when already written this pay
  period, or when the family already holds Cap rows for it:
    advance 1, renewal 1, paythru cycleMonths (divisor for prorated rows).

This file does no writing. The runner decides whether rows are persisted
(commit) or only collected (preview).
*/
package commission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PolicyAccrual is what evaluating one policy produced.
type PolicyAccrual struct {
	Policy  Policy
	Cycle   int
	Entries []LedgerEntry
	Skips   map[SkipReason]int
}

func (pa *PolicyAccrual) skip(r SkipReason) {
	if pa.Skips == nil {
		pa.Skips = make(map[SkipReason]int)
	}
	pa.Skips[r]++
}

// EntryTypeFor maps a family and phase onto the persisted entry taxonomy.
func EntryTypeFor(family RunFamily, phase Phase) EntryType {
	if phase == PhaseOverride {
		return EntryOverride
	}
	switch family {
	case FamilyAdvance:
		return EntryAdvance
	case FamilyRenewal:
		return EntryRenewal
	}
	if phase == PhaseRenewal {
		return EntryRenewal
	}
	return EntryPaythru
}

// inScope reports whether a family pays a policy at a cycle.
func inScope(family RunFamily, chain Chain, cycle int) bool {
	termWorld := IsTermWorld(chain.TermLengthMonths)
	switch family {
	case FamilyAdvance:
		return !termWorld && cycle == 1 && chain.AdvanceRate.IsPositive()
	case FamilyPaythru:
		return termWorld || cycle == 1
	case FamilyRenewal:
		return !termWorld && cycle >= 2
	}
	return false
}

// AccruePolicy evaluates one policy for the run described by rc.
func AccruePolicy(ctx context.Context, rc *RunContext, p Policy, maxDepth int) (PolicyAccrual, error) {
	out := PolicyAccrual{Policy: p}

	chain, err := BuildChain(ctx, rc, p, maxDepth)
	if err != nil {
		return out, err
	}
	if chain.Empty() {
		writer, err := rc.Agent(ctx, p.AgentID)
		if err != nil {
			return out, err
		}
		if writer == nil {
			out.skip(SkipNoWritingAgent)
		} else {
			out.skip(SkipNoSchedule)
		}
		return out, nil
	}
	if chain.Truncated {
		out.skip(SkipChainTruncated)
	}

	cycle := chain.CycleFor(p, rc.AsOf)
	out.Cycle = cycle
	if !inScope(rc.Family, chain, cycle) {
		out.skip(SkipOutOfScope)
		return out, nil
	}

	term, err := rc.store.FindPolicyTerm(ctx, p.ID, rc.AsOf)
	if err != nil {
		return out, fmt.Errorf("load term for policy %s: %w", p.ID, err)
	}
	premium, ok := ResolveCyclePremium(p, term, chain.TermLengthMonths)
	if !ok {
		out.skip(SkipNoPremium)
		return out, nil
	}

	for _, share := range chain.Stack(cycle) {
		entry, reason := rc.buildEntry(p, chain, share, cycle, premium)
		if reason != "" {
			out.skip(reason)
			continue
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// buildEntry computes one share's row and runs it through dedup.
func (rc *RunContext) buildEntry(p Policy, chain Chain, share Share, cycle int, premium decimal.Decimal) (LedgerEntry, SkipReason) {
	commission := CycleCommission(premium, share.EffectiveRate)
	meta := EntryMeta{
		RunFamily:        rc.Family,
		CycleIndex:       cycle,
		Phase:            share.Phase,
		Carrier:          p.Carrier,
		ProductLine:      p.ProductLine,
		PolicyType:       p.PolicyType,
		TermLengthMonths: chain.TermLengthMonths,
		PremiumUsed:      premium,
		RatePortion:      share.EffectiveRate,
		LevelRate:        share.LevelRate,
		ChainPosition:    share.Position,
	}

	var (
		amount decimal.Decimal
		limit  = 1
	)
	switch rc.Family {
	case FamilyAdvance:
		meta.PayDate = rc.PeriodKey
		advanceRate := chain.AdvanceRate
		meta.AdvanceRateApplied = &advanceRate
		amount = AdvanceAmount(commission, chain.AdvanceRate)

	case FamilyPaythru:
		inst, reason := PaythruInstallment(p, chain, cycle, commission, rc.AsOf)
		if reason != "" {
			return LedgerEntry{}, reason
		}
		asEarned := p.AsEarned
		advanceRate := inst.AdvanceRate
		monthsAdvanced := inst.MonthsAdvanced
		divisor := inst.DivisorMonths
		meta.PayMonth = rc.PeriodKey
		meta.AsEarned = &asEarned
		meta.AdvanceRateApplied = &advanceRate
		meta.MonthsAdvanced = &monthsAdvanced
		meta.DivisorMonths = &divisor
		amount = inst.Amount
		limit = inst.Cap

	case FamilyRenewal:
		meta.RenewalYear = rc.AsOf.Year()
		amount = Round2(commission)
	}

	if !amount.IsPositive() {
		return LedgerEntry{}, SkipNothingToPay
	}

	key := AccrualKey{PolicyID: p.ID, AgentID: share.Link.Agent.ID, CycleIndex: cycle}
	if reason := rc.Admit(key, limit); reason != "" {
		return LedgerEntry{}, reason
	}

	return LedgerEntry{
		ID:          EntryID(uuid.NewString()),
		AgentID:     key.AgentID,
		PolicyID:    p.ID,
		Amount:      amount,
		Type:        EntryTypeFor(rc.Family, share.Phase),
		RunFamily:   rc.Family,
		PeriodKey:   rc.PeriodKey,
		CycleIndex:  cycle,
		EffectiveAt: rc.AsOf,
		Meta:        meta,
	}, ""
}
