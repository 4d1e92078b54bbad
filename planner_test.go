package crosspay

import (
	"math/big"
	"testing"
)

func atomic(v int64) *big.Int {
	return big.NewInt(v)
}

func snapshot() []ChainBalance {
	return []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: atomic(5_000_000)},
		{Wallet: "0xW2", Chain: "base", Amount: atomic(3_000_000)},
		{Wallet: "0xW3", Chain: "arbitrum", Amount: atomic(20_000_000)},
	}
}

func TestPlan_SmallestFirst(t *testing.T) {
	plan := Plan(atomic(7_000_000), "0xRecipient", snapshot())

	if len(plan.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(plan.Sources))
	}

	// The 3.0 balance drains fully before the 5.0 balance is touched.
	first := plan.Sources[0]
	if first.Wallet != "0xW2" || first.Chain != "base" {
		t.Errorf("expected first draw from 0xW2/base, got %s/%s", first.Wallet, first.Chain)
	}
	if first.Amount.Cmp(atomic(3_000_000)) != 0 {
		t.Errorf("expected first draw of 3000000, got %s", first.Amount)
	}

	second := plan.Sources[1]
	if second.Wallet != "0xW1" || second.Chain != "ethereum" {
		t.Errorf("expected second draw from 0xW1/ethereum, got %s/%s", second.Wallet, second.Chain)
	}
	if second.Amount.Cmp(atomic(4_000_000)) != 0 {
		t.Errorf("expected second draw of 4000000, got %s", second.Amount)
	}

	if plan.TotalTaken.Cmp(atomic(7_000_000)) != 0 {
		t.Errorf("expected total 7000000, got %s", plan.TotalTaken)
	}
	if plan.RemainingUncovered.Sign() != 0 {
		t.Errorf("expected full coverage, got remaining %s", plan.RemainingUncovered)
	}
}

func TestPlan_Shortfall(t *testing.T) {
	plan := Plan(atomic(100_000_000), "0xRecipient", []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: atomic(4_000_000)},
		{Wallet: "0xW2", Chain: "base", Amount: atomic(6_000_000)},
	})

	if plan.TotalTaken.Cmp(atomic(10_000_000)) != 0 {
		t.Errorf("expected total 10000000, got %s", plan.TotalTaken)
	}
	if plan.RemainingUncovered.Cmp(atomic(90_000_000)) != 0 {
		t.Errorf("expected remaining 90000000, got %s", plan.RemainingUncovered)
	}
	// Every source drains fully when the target cannot be covered.
	for _, src := range plan.Sources {
		if src.Amount.Sign() <= 0 {
			t.Errorf("source %s/%s allocated non-positive amount %s", src.Wallet, src.Chain, src.Amount)
		}
	}
}

func TestPlan_NeverOverdraws(t *testing.T) {
	snap := snapshot()
	plan := Plan(atomic(22_000_000), "0xRecipient", snap)

	byKey := make(map[string]*big.Int)
	for _, b := range snap {
		byKey[b.Wallet+"/"+b.Chain] = b.Amount
	}
	for _, src := range plan.Sources {
		available := byKey[src.Wallet+"/"+src.Chain]
		if available == nil {
			t.Fatalf("allocation from unknown source %s/%s", src.Wallet, src.Chain)
		}
		if src.Amount.Cmp(available) > 0 {
			t.Errorf("source %s/%s overdrawn: %s > %s", src.Wallet, src.Chain, src.Amount, available)
		}
	}
}

func TestPlan_ExcludesRecipientWallet(t *testing.T) {
	snap := append(snapshot(), ChainBalance{Wallet: "0xRecipient", Chain: "base", Amount: atomic(50_000_000)})
	plan := Plan(atomic(7_000_000), "0xrecipient", snap) // case-insensitive match

	for _, src := range plan.Sources {
		if src.Wallet == "0xRecipient" {
			t.Errorf("plan drew %s from the recipient's own wallet", src.Amount)
		}
	}
}

func TestPlan_SkipsEmptyBalances(t *testing.T) {
	plan := Plan(atomic(1_000_000), "0xRecipient", []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: atomic(0)},
		{Wallet: "0xW2", Chain: "base", Amount: nil},
		{Wallet: "0xW3", Chain: "arbitrum", Amount: atomic(2_000_000)},
	})

	if len(plan.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(plan.Sources))
	}
	if plan.Sources[0].Wallet != "0xW3" {
		t.Errorf("expected draw from 0xW3, got %s", plan.Sources[0].Wallet)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	a := Plan(atomic(7_000_000), "0xRecipient", snapshot())
	b := Plan(atomic(7_000_000), "0xRecipient", snapshot())

	if len(a.Sources) != len(b.Sources) {
		t.Fatalf("plans differ in length: %d vs %d", len(a.Sources), len(b.Sources))
	}
	for i := range a.Sources {
		if a.Sources[i] != b.Sources[i] && a.Sources[i].Amount.Cmp(b.Sources[i].Amount) != 0 {
			t.Errorf("plans diverge at source %d", i)
		}
		if a.Sources[i].Wallet != b.Sources[i].Wallet || a.Sources[i].Chain != b.Sources[i].Chain {
			t.Errorf("plans diverge at source %d: %v vs %v", i, a.Sources[i], b.Sources[i])
		}
	}
}

func TestPlan_ZeroTarget(t *testing.T) {
	plan := Plan(atomic(0), "0xRecipient", snapshot())

	if len(plan.Sources) != 0 {
		t.Errorf("expected no sources for zero target, got %d", len(plan.Sources))
	}
	if plan.RemainingUncovered.Sign() != 0 {
		t.Errorf("expected zero remaining, got %s", plan.RemainingUncovered)
	}
}

func TestPlan_TieKeepsSnapshotOrder(t *testing.T) {
	plan := Plan(atomic(3_000_000), "0xRecipient", []ChainBalance{
		{Wallet: "0xA", Chain: "ethereum", Amount: atomic(2_000_000)},
		{Wallet: "0xB", Chain: "base", Amount: atomic(2_000_000)},
	})

	if len(plan.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(plan.Sources))
	}
	if plan.Sources[0].Wallet != "0xA" {
		t.Errorf("expected tie broken by snapshot order (0xA first), got %s", plan.Sources[0].Wallet)
	}
}

func TestGroupByWallet(t *testing.T) {
	plan := &AllocationPlan{
		Sources: []SourceAllocation{
			{Wallet: "0xW1", Chain: "ethereum", Amount: atomic(1_000_000)},
			{Wallet: "0xW2", Chain: "base", Amount: atomic(2_000_000)},
			{Wallet: "0xW1", Chain: "arbitrum", Amount: atomic(3_000_000)},
		},
	}

	grouped := plan.GroupByWallet()
	if len(grouped) != 2 {
		t.Fatalf("expected 2 wallets, got %d", len(grouped))
	}

	if grouped[0].Wallet != "0xW1" {
		t.Errorf("expected 0xW1 first, got %s", grouped[0].Wallet)
	}
	if grouped[0].Total.Cmp(atomic(4_000_000)) != 0 {
		t.Errorf("expected 0xW1 total 4000000, got %s", grouped[0].Total)
	}
	if len(grouped[0].Chains) != 2 {
		t.Errorf("expected 0xW1 to span 2 chains, got %d", len(grouped[0].Chains))
	}
	if grouped[1].Total.Cmp(atomic(2_000_000)) != 0 {
		t.Errorf("expected 0xW2 total 2000000, got %s", grouped[1].Total)
	}
}
