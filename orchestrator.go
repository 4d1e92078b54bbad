package crosspay

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"
)

// SendRequest asks the orchestrator to move TargetAmount (atomic units) to
// Recipient on DestinationChain, drawing from the managed Wallets.
type SendRequest struct {
	TargetAmount     *big.Int
	Recipient        string
	DestinationChain string
	Wallets          []string
	Secret           string

	// AllowPartial lets legs execute even when the snapshot cannot cover
	// the full target. Without it a shortfall aborts before any leg runs.
	AllowPartial bool

	// DryRun computes and returns the plan without executing any leg.
	DryRun bool
}

// Orchestrator drives one settlement leg per planned source allocation.
// Legs run concurrently and fail independently; progress streams to the
// caller as LegEvents.
type Orchestrator struct {
	cfg      *Config
	balances BalanceSource
	keyring  Keyring
	settler  LegSettler
	logger   *zap.Logger
}

// NewOrchestrator wires an orchestrator. logger may be nil.
func NewOrchestrator(cfg *Config, balances BalanceSource, keyring Keyring, settler LegSettler, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		balances: balances,
		keyring:  keyring,
		settler:  settler,
		logger:   logger,
	}
}

// SendStream carries a running send's progress. Events delivers every leg
// update in order; Snapshot answers "where is each leg right now" for
// subscribers that attach late or poll.
type SendStream struct {
	events chan LegEvent

	mu     sync.RWMutex
	latest map[string]LegEvent
}

// Events closes once every leg has reached a terminal state.
func (s *SendStream) Events() <-chan LegEvent { return s.events }

// Snapshot returns the latest event recorded per leg. The slice is a copy.
func (s *SendStream) Snapshot() []LegEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LegEvent, 0, len(s.latest))
	for _, ev := range s.latest {
		out = append(out, ev)
	}
	return out
}

func (s *SendStream) record(ev LegEvent) {
	s.mu.Lock()
	s.latest[ev.Wallet+"/"+ev.Chain] = ev
	s.mu.Unlock()
}

// Send plans the transfer and, unless the plan falls short without
// AllowPartial or DryRun is set, starts one leg per source allocation.
//
// The returned stream's channel closes once every leg has reached a terminal
// state. Cancelling ctx stops waiting on remaining legs; transfers already
// submitted on-chain are never rolled back. When no legs execute the stream
// is nil.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (*AllocationPlan, *SendStream, error) {
	if req.TargetAmount == nil || req.TargetAmount.Sign() <= 0 {
		return nil, nil, NewError(ErrCodeInvalidRequest, "target amount must be positive", nil)
	}
	if _, ok := o.cfg.Chain(req.DestinationChain); !ok {
		return nil, nil, NewError(ErrCodeChainNotSupported, fmt.Sprintf("destination chain %q is not configured", req.DestinationChain), nil)
	}

	snapshot, err := o.balances.GetBalances(ctx, req.Wallets)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching balance snapshot: %w", err)
	}

	plan := Plan(req.TargetAmount, req.Recipient, snapshot)

	if plan.RemainingUncovered.Sign() > 0 && !req.AllowPartial {
		return plan, nil, NewError(ErrCodePartialPlan,
			fmt.Sprintf("only %s of %s available across sources",
				FormatAmount(plan.TotalTaken), FormatAmount(plan.TargetAmount)), nil)
	}

	if req.DryRun || len(plan.Sources) == 0 {
		return plan, nil, nil
	}

	stream := &SendStream{
		events: make(chan LegEvent, len(plan.Sources)*8),
		latest: make(map[string]LegEvent, len(plan.Sources)),
	}
	internal := make(chan LegEvent)

	// Single writer for the status map: the collector drains every leg's
	// updates, records the latest state per (wallet, chain), and fans out
	// to the subscriber.
	go func() {
		defer close(stream.events)
		for ev := range internal {
			stream.record(ev)
			stream.events <- ev
		}
	}()

	var wg sync.WaitGroup
	for _, src := range plan.Sources {
		wg.Add(1)
		go func(alloc SourceAllocation) {
			defer wg.Done()
			o.runLeg(ctx, req, alloc, internal)
		}(src)
	}
	go func() {
		wg.Wait()
		close(internal)
	}()

	return plan, stream, nil
}

func (o *Orchestrator) runLeg(ctx context.Context, req SendRequest, alloc SourceAllocation, emit chan<- LegEvent) {
	log := o.logger.With(
		zap.String("wallet", alloc.Wallet),
		zap.String("chain", alloc.Chain),
		zap.String("amount", alloc.Amount.String()),
	)

	progress := func(state LegState, message string, receipt *CrossChainReceipt) {
		emit <- LegEvent{
			Wallet:  alloc.Wallet,
			Chain:   alloc.Chain,
			State:   state,
			Message: message,
			Receipt: receipt,
		}
	}

	progress(LegStarting, "unlocking credential", nil)

	cred, err := o.keyring.Unlock(alloc.Wallet, req.Secret)
	if err != nil {
		log.Warn("credential unlock failed", zap.Error(err))
		progress(LegError, NewError(ErrCodeBadCredential, "unlocking credential", err).Error(), nil)
		return
	}

	if alloc.Chain == req.DestinationChain {
		o.runDirectLeg(ctx, req, alloc, cred, log, progress)
		return
	}
	o.runBridgeLeg(ctx, req, alloc, cred, log, progress)
}

// runDirectLeg sends amount net of the source-chain fee estimate straight to
// the recipient. The fee comes out of what is sent, not on top: the planner
// already measured the gross amount against the wallet's balance.
func (o *Orchestrator) runDirectLeg(ctx context.Context, req SendRequest, alloc SourceAllocation, cred Credential, log *zap.Logger, progress func(LegState, string, *CrossChainReceipt)) {
	chainCfg, _ := o.cfg.Chain(alloc.Chain)
	net := new(big.Int).Sub(alloc.Amount, chainCfg.FeeEstimateAtomic())
	if net.Sign() <= 0 {
		progress(LegError, fmt.Sprintf("allocation %s does not cover the %s fee estimate",
			FormatAmount(alloc.Amount), FormatAmount(chainCfg.FeeEstimateAtomic())), nil)
		return
	}

	progress(LegTransferring, fmt.Sprintf("transferring %s to %s", FormatAmount(net), req.Recipient), nil)

	receipt, err := o.settler.TransferDirect(ctx, cred, alloc.Chain, req.Recipient, net)
	if err != nil {
		log.Error("direct transfer failed", zap.Error(err))
		progress(LegError, err.Error(), receipt)
		return
	}
	if !receipt.Success {
		progress(LegError, receipt.ErrorReason, receipt)
		return
	}

	log.Info("leg settled", zap.String("tx", receipt.SourceTxHash))
	progress(LegDone, "transfer confirmed", receipt)
}

func (o *Orchestrator) runBridgeLeg(ctx context.Context, req SendRequest, alloc SourceAllocation, cred Credential, log *zap.Logger, progress func(LegState, string, *CrossChainReceipt)) {
	destCfg, _ := o.cfg.Chain(req.DestinationChain)
	cc := CrossChainConfig{
		DestinationChain:  req.DestinationChain,
		DestinationDomain: destCfg.Domain,
		MintRecipient:     req.Recipient,
	}

	receipt, err := o.settler.Bridge(ctx, cred, alloc.Chain, alloc.Amount, cc, func(state LegState) {
		progress(state, "", nil)
	})
	if err != nil {
		log.Error("bridge leg failed", zap.Error(err))
		progress(LegError, err.Error(), receipt)
		return
	}
	if !receipt.Success {
		progress(LegError, receipt.ErrorReason, receipt)
		return
	}

	// Burn confirmed but no destination mint yet: the attestation did not
	// arrive in time. The leg parks as resumable, keyed by burn hash.
	if receipt.DestinationTxHash == "" {
		log.Info("leg pending attestation", zap.String("burnTx", receipt.BurnTxHash))
		progress(LegWaitingAttestation,
			fmt.Sprintf("attestation pending; resume with burn tx %s", receipt.BurnTxHash), receipt)
		return
	}

	log.Info("leg settled", zap.String("destTx", receipt.DestinationTxHash))
	progress(LegDone, "mint confirmed", receipt)
}
