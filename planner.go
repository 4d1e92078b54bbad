package crosspay

import (
	"math/big"
	"sort"
	"strings"
)

// Plan selects which balances to draw from to cover target.
//
// Candidates are every positive (wallet, chain) balance in the snapshot except
// the recipient wallet's own, taken smallest-first: draining dust before large
// reserves keeps the number of touched sources down and minimizes leftover
// fragmentation. Ties keep the snapshot's order (stable sort). This is a
// single-pass greedy bin-fill, not an optimal knapsack; it guarantees only
// "covers as much as possible, fewest-balance-first" and that no source is
// ever overdrawn.
//
// The returned plan is immutable; callers must check RemainingUncovered before
// executing any leg.
func Plan(target *big.Int, recipientWallet string, snapshot []ChainBalance) *AllocationPlan {
	plan := &AllocationPlan{
		TargetAmount:       new(big.Int).Set(target),
		TotalTaken:         new(big.Int),
		RemainingUncovered: new(big.Int).Set(target),
	}
	if target.Sign() <= 0 {
		plan.RemainingUncovered.SetInt64(0)
		return plan
	}

	candidates := make([]ChainBalance, 0, len(snapshot))
	for _, b := range snapshot {
		if b.Amount == nil || b.Amount.Sign() <= 0 {
			continue
		}
		if strings.EqualFold(b.Wallet, recipientWallet) {
			continue
		}
		candidates = append(candidates, b)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Amount.Cmp(candidates[j].Amount) < 0
	})

	remaining := new(big.Int).Set(target)
	for _, cand := range candidates {
		if remaining.Sign() == 0 {
			break
		}

		take := new(big.Int).Set(cand.Amount)
		if take.Cmp(remaining) > 0 {
			take.Set(remaining)
		}

		plan.Sources = append(plan.Sources, SourceAllocation{
			Wallet: cand.Wallet,
			Chain:  cand.Chain,
			Amount: take,
		})
		plan.TotalTaken.Add(plan.TotalTaken, take)
		remaining.Sub(remaining, take)
	}

	plan.RemainingUncovered.Set(remaining)
	return plan
}
