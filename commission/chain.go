/*
chain.go - Upline chain and rate stacking

PURPOSE:
  Walks from the writing agent up through recruiter_id pointers and
  computes the marginal ("override") rate each level is owed.

CHAIN RULES:
  - Iterative walk with a visited set, bounded at MaxChainDepth nodes.
  - A missing agent, a recruiter cycle, or a level with no schedule stops
    the walk BEFORE that node. Nodes above it are never reached.
  - The first node's schedule fixes the term length and the global
    advance rate (0 for as-earned policies) for the whole chain.

DIFFERENTIAL:
  prev := 0
  for each node, writing agent first:
      level    := rate_for(node, cycle)
      marginal := level - prev
      prev      = level
      emit node only if marginal > 0

  For a chain whose level rates never decrease, the marginals sum to the
  top node's rate.

EXAMPLE:
  agent base 0.80, manager base 0.90, AP 1200:
    agent   -> 0.80 x 1200 = 960.00 (trail)
    manager -> 0.10 x 1200 = 120.00 (override)
*/
package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxChainDepth bounds the upline walk.
const DefaultMaxChainDepth = 10

// Link is one resolved node of the chain.
type Link struct {
	Agent    Agent
	Schedule Schedule
}

// Chain is the ordered (agent, schedule) list for one policy.
type Chain struct {
	Links            []Link
	TermLengthMonths int
	AdvanceRate      decimal.Decimal

	// Truncated is set when the walk stopped on a cycle or the depth bound
	// rather than at the root.
	Truncated bool
}

func (c Chain) Empty() bool { return len(c.Links) == 0 }

// BuildChain resolves the upline chain for a policy. Schedules are taken
// as of the policy's issue date.
func BuildChain(ctx context.Context, rc *RunContext, p Policy, maxDepth int) (Chain, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxChainDepth
	}

	var chain Chain
	visited := make(map[AgentID]bool)
	next := p.AgentID

	for next != "" {
		if visited[next] || len(chain.Links) >= maxDepth {
			chain.Truncated = true
			break
		}
		visited[next] = true

		agent, err := rc.Agent(ctx, next)
		if err != nil {
			return Chain{}, err
		}
		if agent == nil {
			break
		}
		sched, err := rc.Schedule(ctx, KeyFor(p, agent.Level), p.IssuedAt)
		if err != nil {
			return Chain{}, err
		}
		if sched == nil {
			break
		}

		chain.Links = append(chain.Links, Link{Agent: *agent, Schedule: *sched})
		next = agent.RecruiterID
	}

	if !chain.Empty() {
		first := chain.Links[0].Schedule
		chain.TermLengthMonths = NormalizeTermLength(first.TermLengthMonths)
		if !p.AsEarned {
			chain.AdvanceRate = first.AdvanceRate
		}
	}
	return chain, nil
}

// Share is one node's marginal portion of the rate at a cycle.
type Share struct {
	Link          Link
	Position      int // 0 is the writing agent
	LevelRate     decimal.Decimal
	EffectiveRate decimal.Decimal
	Phase         Phase
}

// Stack applies the differential to the chain at a cycle. Nodes whose
// marginal rate is not positive are omitted.
func (c Chain) Stack(cycle int) []Share {
	var shares []Share
	prev := decimal.Zero
	for i, link := range c.Links {
		level := link.Schedule.RateFor(cycle)
		marginal := level.Sub(prev)
		prev = level
		if !marginal.IsPositive() {
			continue
		}
		shares = append(shares, Share{
			Link:          link,
			Position:      i,
			LevelRate:     level,
			EffectiveRate: marginal,
			Phase:         PhaseFor(i, cycle),
		})
	}
	return shares
}

// PhaseFor tags a chain position at a cycle.
func PhaseFor(position, cycle int) Phase {
	switch {
	case position > 0:
		return PhaseOverride
	case cycle <= 1:
		return PhaseTrail
	default:
		return PhaseRenewal
	}
}

// CycleFor is the chain's cycle index for a policy at a date.
func (c Chain) CycleFor(p Policy, asOf time.Time) int {
	return CycleIndex(p.IssuedAt, asOf, c.TermLengthMonths)
}
