package crosspay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
)

type mockBalances struct {
	GetBalancesFunc func(ctx context.Context, wallets []string) ([]ChainBalance, error)
}

func (m *mockBalances) GetBalances(ctx context.Context, wallets []string) ([]ChainBalance, error) {
	return m.GetBalancesFunc(ctx, wallets)
}

type mockCredential struct {
	addr string
}

func (m *mockCredential) Address() string { return m.addr }

func (m *mockCredential) Sign(digest []byte) ([]byte, error) {
	return make([]byte, 65), nil
}

type mockKeyring struct {
	UnlockFunc func(wallet, secret string) (Credential, error)
}

func (m *mockKeyring) Unlock(wallet, secret string) (Credential, error) {
	if m.UnlockFunc != nil {
		return m.UnlockFunc(wallet, secret)
	}
	return &mockCredential{addr: wallet}, nil
}

type mockSettler struct {
	mu      sync.Mutex
	direct  []directCall
	bridges []bridgeCall

	TransferDirectFunc func(ctx context.Context, cred Credential, chain, recipient string, amount *big.Int) (*CrossChainReceipt, error)
	BridgeFunc         func(ctx context.Context, cred Credential, sourceChain string, amount *big.Int, cfg CrossChainConfig, progress func(LegState)) (*CrossChainReceipt, error)
}

type directCall struct {
	chain     string
	recipient string
	amount    *big.Int
}

type bridgeCall struct {
	sourceChain string
	amount      *big.Int
	cfg         CrossChainConfig
}

func (m *mockSettler) TransferDirect(ctx context.Context, cred Credential, chain, recipient string, amount *big.Int) (*CrossChainReceipt, error) {
	m.mu.Lock()
	m.direct = append(m.direct, directCall{chain: chain, recipient: recipient, amount: amount})
	m.mu.Unlock()
	if m.TransferDirectFunc != nil {
		return m.TransferDirectFunc(ctx, cred, chain, recipient, amount)
	}
	return &CrossChainReceipt{Success: true, SourceTxHash: "0xdirect"}, nil
}

func (m *mockSettler) Bridge(ctx context.Context, cred Credential, sourceChain string, amount *big.Int, cfg CrossChainConfig, progress func(LegState)) (*CrossChainReceipt, error) {
	m.mu.Lock()
	m.bridges = append(m.bridges, bridgeCall{sourceChain: sourceChain, amount: amount, cfg: cfg})
	m.mu.Unlock()
	if m.BridgeFunc != nil {
		return m.BridgeFunc(ctx, cred, sourceChain, amount, cfg, progress)
	}
	return &CrossChainReceipt{Success: true, BurnTxHash: "0xburn", DestinationTxHash: "0xmint"}, nil
}

// drain collects all events and returns the terminal event per leg.
func drain(t *testing.T, events <-chan LegEvent) map[string]LegEvent {
	t.Helper()
	terminal := make(map[string]LegEvent)
	for ev := range events {
		if ev.State.Terminal() {
			terminal[ev.Wallet+"/"+ev.Chain] = ev
		}
	}
	return terminal
}

func testOrchestrator(t *testing.T, balances []ChainBalance, settler *mockSettler) *Orchestrator {
	t.Helper()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	src := &mockBalances{
		GetBalancesFunc: func(ctx context.Context, wallets []string) ([]ChainBalance, error) {
			return balances, nil
		},
	}
	return NewOrchestrator(&cfg, src, &mockKeyring{}, settler, nil)
}

func TestSend_DryRun(t *testing.T) {
	settler := &mockSettler{}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(10_000_000)},
	}, settler)

	plan, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(5_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
		DryRun:           true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stream != nil {
		t.Error("dry run must not start legs")
	}
	if len(plan.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(plan.Sources))
	}
	if len(settler.direct)+len(settler.bridges) != 0 {
		t.Error("dry run must not touch the settler")
	}
}

func TestSend_PartialPlanRejected(t *testing.T) {
	settler := &mockSettler{}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(2_000_000)},
	}, settler)

	plan, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(5_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
	})
	if !IsCode(err, ErrCodePartialPlan) {
		t.Fatalf("expected PARTIAL_PLAN, got %v", err)
	}
	if plan == nil {
		t.Fatal("expected the shortfall plan to be returned with the error")
	}
	if plan.RemainingUncovered.Cmp(big.NewInt(3_000_000)) != 0 {
		t.Errorf("expected remaining 3000000, got %s", plan.RemainingUncovered)
	}
	if stream != nil {
		t.Error("no legs may start on a rejected plan")
	}
	if len(settler.direct)+len(settler.bridges) != 0 {
		t.Error("rejected plan must not touch the settler")
	}
}

func TestSend_PartialPlanAllowed(t *testing.T) {
	settler := &mockSettler{}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(2_000_000)},
	}, settler)

	plan, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(5_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
		AllowPartial:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.TotalTaken.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Errorf("expected total 2000000, got %s", plan.TotalTaken)
	}
	drain(t, stream.Events())
}

func TestSend_DirectLegSubtractsFee(t *testing.T) {
	settler := &mockSettler{}
	// ethereum carries a 0.10 fee estimate in validConfig.
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(5_000_000)},
	}, settler)

	_, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(5_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "ethereum",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	terminal := drain(t, stream.Events())
	ev := terminal["0xW1/ethereum"]
	if ev.State != LegDone {
		t.Fatalf("expected done, got %s (%s)", ev.State, ev.Message)
	}

	if len(settler.direct) != 1 {
		t.Fatalf("expected 1 direct transfer, got %d", len(settler.direct))
	}
	call := settler.direct[0]
	if call.amount.Cmp(big.NewInt(4_900_000)) != 0 {
		t.Errorf("expected net 4900000 after fee, got %s", call.amount)
	}
	if call.recipient != "0xRecipient" {
		t.Errorf("expected recipient 0xRecipient, got %s", call.recipient)
	}
}

func TestSend_DirectLegFeeExceedsAllocation(t *testing.T) {
	settler := &mockSettler{}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(50_000)}, // below the 0.10 fee
	}, settler)

	_, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(50_000),
		Recipient:        "0xRecipient",
		DestinationChain: "ethereum",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	terminal := drain(t, stream.Events())
	ev := terminal["0xW1/ethereum"]
	if ev.State != LegError {
		t.Fatalf("expected error leg, got %s", ev.State)
	}
	if len(settler.direct) != 0 {
		t.Error("no transfer may be attempted when the fee exceeds the allocation")
	}
}

func TestSend_BridgeLegConfig(t *testing.T) {
	settler := &mockSettler{}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(5_000_000)},
	}, settler)

	_, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(5_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	terminal := drain(t, stream.Events())
	if ev := terminal["0xW1/ethereum"]; ev.State != LegDone {
		t.Fatalf("expected done, got %s (%s)", ev.State, ev.Message)
	}

	if len(settler.bridges) != 1 {
		t.Fatalf("expected 1 bridge call, got %d", len(settler.bridges))
	}
	call := settler.bridges[0]
	if call.sourceChain != "ethereum" {
		t.Errorf("expected source ethereum, got %s", call.sourceChain)
	}
	if call.cfg.DestinationChain != "base" || call.cfg.DestinationDomain != 6 {
		t.Errorf("unexpected destination config: %+v", call.cfg)
	}
	if call.cfg.MintRecipient != "0xRecipient" {
		t.Errorf("expected mint recipient 0xRecipient, got %s", call.cfg.MintRecipient)
	}
}

func TestSend_BridgeLegParksOnPendingAttestation(t *testing.T) {
	settler := &mockSettler{
		BridgeFunc: func(ctx context.Context, cred Credential, sourceChain string, amount *big.Int, cfg CrossChainConfig, progress func(LegState)) (*CrossChainReceipt, error) {
			return &CrossChainReceipt{Success: true, BurnTxHash: "0xburn"}, nil
		},
	}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(5_000_000)},
	}, settler)

	_, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(5_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	terminal := drain(t, stream.Events())
	ev := terminal["0xW1/ethereum"]
	if ev.State != LegWaitingAttestation {
		t.Fatalf("expected waiting-attestation, got %s", ev.State)
	}
	if ev.Receipt == nil || ev.Receipt.BurnTxHash != "0xburn" {
		t.Error("expected the burn hash to survive in the receipt")
	}
}

func TestSend_SnapshotReportsLatestLegState(t *testing.T) {
	release := make(chan struct{})
	settler := &mockSettler{
		BridgeFunc: func(ctx context.Context, cred Credential, sourceChain string, amount *big.Int, cfg CrossChainConfig, progress func(LegState)) (*CrossChainReceipt, error) {
			progress(LegApproving)
			progress(LegBurning)
			<-release // hold the leg at burning until the test has looked
			return &CrossChainReceipt{Success: true, BurnTxHash: "0xburn", DestinationTxHash: "0xmint"}, nil
		},
	}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(5_000_000)},
	}, settler)

	_, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(5_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A mid-flight snapshot must never lag behind what the channel has
	// already delivered.
	var sawIntermediate bool
	for ev := range stream.Events() {
		if ev.State == LegBurning {
			sawIntermediate = true
			snap := stream.Snapshot()
			if len(snap) != 1 || snap[0].State != LegBurning {
				t.Errorf("expected snapshot to show burning, got %+v", snap)
			}
			close(release)
		}
	}
	if !sawIntermediate {
		t.Fatal("expected an intermediate burning event")
	}

	snap := stream.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 leg in snapshot, got %d", len(snap))
	}
	if snap[0].State != LegDone || snap[0].Wallet != "0xW1" {
		t.Errorf("expected terminal done state for 0xW1, got %+v", snap[0])
	}
}

func TestSend_LegsFailIndependently(t *testing.T) {
	settler := &mockSettler{
		BridgeFunc: func(ctx context.Context, cred Credential, sourceChain string, amount *big.Int, cfg CrossChainConfig, progress func(LegState)) (*CrossChainReceipt, error) {
			if sourceChain == "ethereum" {
				return &CrossChainReceipt{Success: false, ErrorReason: "settlement-failed: burn"}, nil
			}
			return &CrossChainReceipt{Success: true, BurnTxHash: "0xburn", DestinationTxHash: "0xmint"}, nil
		},
	}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xW1", Chain: "ethereum", Amount: big.NewInt(3_000_000)},
		{Wallet: "0xW2", Chain: "arbitrum", Amount: big.NewInt(3_000_000)},
	}, settler)

	cfg := validConfig()
	cfg.Chains["arbitrum"] = ChainConfig{
		RPCURL:       "https://arb.example.com",
		ChainID:      42161,
		TokenAddress: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		Domain:       3,
	}
	orch.cfg = &cfg

	_, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(6_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	terminal := drain(t, stream.Events())
	if len(terminal) != 2 {
		t.Fatalf("expected 2 terminal legs, got %d", len(terminal))
	}
	if terminal["0xW1/ethereum"].State != LegError {
		t.Errorf("expected ethereum leg to fail, got %s", terminal["0xW1/ethereum"].State)
	}
	if terminal["0xW2/arbitrum"].State != LegDone {
		t.Errorf("expected arbitrum leg to settle, got %s", terminal["0xW2/arbitrum"].State)
	}
}

func TestSend_BadCredentialFailsOnlyThatLeg(t *testing.T) {
	settler := &mockSettler{}
	orch := testOrchestrator(t, []ChainBalance{
		{Wallet: "0xLocked", Chain: "ethereum", Amount: big.NewInt(3_000_000)},
		{Wallet: "0xW2", Chain: "ethereum", Amount: big.NewInt(3_000_000)},
	}, settler)
	orch.keyring = &mockKeyring{
		UnlockFunc: func(wallet, secret string) (Credential, error) {
			if wallet == "0xLocked" {
				return nil, NewError(ErrCodeBadCredential, "wrong secret", nil)
			}
			return &mockCredential{addr: wallet}, nil
		},
	}

	_, stream, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(6_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	terminal := drain(t, stream.Events())
	if terminal["0xLocked/ethereum"].State != LegError {
		t.Errorf("expected locked wallet leg to fail, got %s", terminal["0xLocked/ethereum"].State)
	}
	if terminal["0xW2/ethereum"].State != LegDone {
		t.Errorf("expected unlocked wallet leg to settle, got %s", terminal["0xW2/ethereum"].State)
	}
	// Only the unlocked wallet reached the settler.
	if len(settler.bridges) != 1 {
		t.Errorf("expected 1 bridge call, got %d", len(settler.bridges))
	}
}

func TestSend_InvalidRequests(t *testing.T) {
	orch := testOrchestrator(t, nil, &mockSettler{})

	_, _, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(0),
		DestinationChain: "base",
	})
	if !IsCode(err, ErrCodeInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST for zero target, got %v", err)
	}

	_, _, err = orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(1),
		DestinationChain: "solana",
	})
	if !IsCode(err, ErrCodeChainNotSupported) {
		t.Errorf("expected CHAIN_NOT_SUPPORTED, got %v", err)
	}
}

func TestSend_BalanceSourceError(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	orch := NewOrchestrator(&cfg, &mockBalances{
		GetBalancesFunc: func(ctx context.Context, wallets []string) ([]ChainBalance, error) {
			return nil, errors.New("rpc unreachable")
		},
	}, &mockKeyring{}, &mockSettler{}, nil)

	_, _, err := orch.Send(context.Background(), SendRequest{
		TargetAmount:     big.NewInt(1_000_000),
		Recipient:        "0xRecipient",
		DestinationChain: "base",
	})
	if err == nil {
		t.Fatal("expected error when the snapshot cannot be fetched")
	}
}
