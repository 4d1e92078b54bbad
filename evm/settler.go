package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/becomeliminal/crosspay"
)

// Settler executes settlements on the configured chains: the authorized pull
// path used by the facilitator endpoint, and the wallet paths used by the leg
// orchestrator. All ledger writes go through the injected Submitter; bridge
// proofs come from the injected AttestationSource.
//
// Failure semantics: a reverted or timed-out call aborts the remaining steps
// of that settlement only, and every hash confirmed before the failure stays
// in the returned receipt. Methods return an error only when the request
// itself is malformed; on-chain failure is data, reported in the receipt.
type Settler struct {
	cfg          *crosspay.Config
	submitter    crosspay.Submitter
	attestations crosspay.AttestationSource
	facilitator  crosspay.Credential
	logger       *zap.Logger
}

var (
	_ crosspay.FacilitatorSettler = (*Settler)(nil)
	_ crosspay.LegSettler         = (*Settler)(nil)
)

// NewSettler wires a settler. facilitator is the credential that submits
// authorized pulls and destination mints. logger may be nil.
func NewSettler(cfg *crosspay.Config, submitter crosspay.Submitter, attestations crosspay.AttestationSource, facilitator crosspay.Credential, logger *zap.Logger) *Settler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{
		cfg:          cfg,
		submitter:    submitter,
		attestations: attestations,
		facilitator:  facilitator,
		logger:       logger,
	}
}

// SettleAuthorized executes one verified authorization: pull the signed value
// from the payer to the facilitator, then either forward it on the same chain
// or burn-and-mint it across chains.
func (s *Settler) SettleAuthorized(ctx context.Context, signed *crosspay.SignedAuthorization, params crosspay.SettleParams) (*crosspay.CrossChainReceipt, error) {
	chainCfg, ok := s.cfg.Chain(params.SourceChain)
	if !ok {
		return nil, crosspay.NewError(crosspay.ErrCodeChainNotSupported,
			fmt.Sprintf("chain %q is not configured", params.SourceChain), nil)
	}
	auth, err := parseAuthorization(signed)
	if err != nil {
		return nil, crosspay.NewError(crosspay.ErrCodeInvalidRequest, "parsing authorization", err)
	}
	if params.CrossChain != nil {
		if _, ok := s.cfg.Chain(params.CrossChain.DestinationChain); !ok {
			return nil, crosspay.NewError(crosspay.ErrCodeChainNotSupported,
				fmt.Sprintf("destination chain %q is not configured", params.CrossChain.DestinationChain), nil)
		}
		if !common.IsHexAddress(params.CrossChain.MintRecipient) {
			return nil, crosspay.NewError(crosspay.ErrCodeInvalidRequest,
				fmt.Sprintf("mint recipient %q is not a hex address", params.CrossChain.MintRecipient), nil)
		}
	}

	fee := s.cfg.FeeAtomic()
	net := new(big.Int).Sub(auth.Value, fee)
	receipt := &crosspay.CrossChainReceipt{
		Payer:     auth.From.Hex(),
		Fee:       fee.String(),
		NetAmount: net.String(),
	}

	// (a) Authorized pull from payer to facilitator, using the signature's
	// decomposed components.
	pullData, err := erc3009ABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce,
		auth.V, auth.R, auth.S)
	if err != nil {
		return nil, crosspay.NewError(crosspay.ErrCodeInvalidRequest, "encoding transferWithAuthorization", err)
	}
	pullHash, ok := s.step(ctx, receipt, "transfer", crosspay.ContractCall{
		Chain: params.SourceChain,
		From:  s.facilitator,
		To:    chainCfg.TokenAddress,
		Data:  pullData,
	})
	if !ok {
		return receipt, nil
	}
	receipt.SourceTxHash = pullHash

	if params.CrossChain == nil {
		// (b) Optional forward from facilitator to a distinct final recipient.
		if params.Recipient != "" && !strings.EqualFold(params.Recipient, s.facilitator.Address()) {
			transferData, err := erc3009ABI.Pack("transfer", common.HexToAddress(params.Recipient), net)
			if err != nil {
				return nil, crosspay.NewError(crosspay.ErrCodeInvalidRequest, "encoding transfer", err)
			}
			if _, ok := s.step(ctx, receipt, "forward", crosspay.ContractCall{
				Chain: params.SourceChain,
				From:  s.facilitator,
				To:    chainCfg.TokenAddress,
				Data:  transferData,
			}); !ok {
				return receipt, nil
			}
		}
		receipt.Success = true
		return receipt, nil
	}

	s.bridgeHeld(ctx, receipt, s.facilitator, params.SourceChain, chainCfg, net, *params.CrossChain, nil)
	return receipt, nil
}

// TransferDirect sends amount from an unlocked wallet straight to recipient
// on one chain.
func (s *Settler) TransferDirect(ctx context.Context, cred crosspay.Credential, chain, recipient string, amount *big.Int) (*crosspay.CrossChainReceipt, error) {
	chainCfg, ok := s.cfg.Chain(chain)
	if !ok {
		return nil, crosspay.NewError(crosspay.ErrCodeChainNotSupported,
			fmt.Sprintf("chain %q is not configured", chain), nil)
	}
	if !common.IsHexAddress(recipient) {
		return nil, crosspay.NewError(crosspay.ErrCodeInvalidRequest,
			fmt.Sprintf("recipient %q is not a hex address", recipient), nil)
	}

	receipt := &crosspay.CrossChainReceipt{
		Payer:     cred.Address(),
		NetAmount: amount.String(),
	}

	transferData, err := erc3009ABI.Pack("transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return nil, crosspay.NewError(crosspay.ErrCodeInvalidRequest, "encoding transfer", err)
	}
	hash, ok := s.step(ctx, receipt, "transfer", crosspay.ContractCall{
		Chain: chain,
		From:  cred,
		To:    chainCfg.TokenAddress,
		Data:  transferData,
	})
	if !ok {
		return receipt, nil
	}
	receipt.SourceTxHash = hash
	receipt.Success = true
	return receipt, nil
}

// Bridge burns amount from an unlocked wallet on sourceChain and mints it on
// the destination. The wallet credential signs the approve and burn; the
// facilitator credential signs the destination mint.
func (s *Settler) Bridge(ctx context.Context, cred crosspay.Credential, sourceChain string, amount *big.Int, cfg crosspay.CrossChainConfig, progress func(crosspay.LegState)) (*crosspay.CrossChainReceipt, error) {
	chainCfg, ok := s.cfg.Chain(sourceChain)
	if !ok {
		return nil, crosspay.NewError(crosspay.ErrCodeChainNotSupported,
			fmt.Sprintf("chain %q is not configured", sourceChain), nil)
	}
	if _, ok := s.cfg.Chain(cfg.DestinationChain); !ok {
		return nil, crosspay.NewError(crosspay.ErrCodeChainNotSupported,
			fmt.Sprintf("destination chain %q is not configured", cfg.DestinationChain), nil)
	}
	if !common.IsHexAddress(cfg.MintRecipient) {
		return nil, crosspay.NewError(crosspay.ErrCodeInvalidRequest,
			fmt.Sprintf("mint recipient %q is not a hex address", cfg.MintRecipient), nil)
	}

	receipt := &crosspay.CrossChainReceipt{
		Payer:     cred.Address(),
		NetAmount: amount.String(),
	}
	s.bridgeHeld(ctx, receipt, cred, sourceChain, chainCfg, amount, cfg, progress)
	return receipt, nil
}

// bridgeHeld runs the cross-chain branch over a balance already held by
// burnCred: approve, burn, wait for the attestation, mint. An attestation
// timeout leaves the receipt successful with no destination hash; the
// settlement resumes later by burn hash.
func (s *Settler) bridgeHeld(ctx context.Context, receipt *crosspay.CrossChainReceipt, burnCred crosspay.Credential, sourceChain string, chainCfg crosspay.ChainConfig, amount *big.Int, cfg crosspay.CrossChainConfig, progress func(crosspay.LegState)) {
	report := func(state crosspay.LegState) {
		if progress != nil {
			progress(state)
		}
	}
	destCfg, _ := s.cfg.Chain(cfg.DestinationChain)
	destDomain := cfg.DestinationDomain
	if cfg.DestinationChain != "" {
		destDomain = destCfg.Domain
	}

	// (c) Approve the bridge for unlimited spend. Re-approving on every
	// settlement is idempotent and avoids allowance bookkeeping.
	report(crosspay.LegApproving)
	approveData, err := erc3009ABI.Pack("approve", common.HexToAddress(chainCfg.TokenMessenger), maxUint256)
	if err != nil {
		receipt.ErrorReason = fmt.Sprintf("settlement-failed: approve: %v", err)
		return
	}
	if _, ok := s.step(ctx, receipt, "approve", crosspay.ContractCall{
		Chain: sourceChain,
		From:  burnCred,
		To:    chainCfg.TokenAddress,
		Data:  approveData,
	}); !ok {
		return
	}

	// (d) Burn-and-register. Zero destination caller leaves the relay
	// unrestricted.
	report(crosspay.LegBurning)
	burnData, err := tokenMessengerABI.Pack("depositForBurn",
		amount,
		destDomain,
		addressToBytes32(common.HexToAddress(cfg.MintRecipient)),
		common.HexToAddress(chainCfg.TokenAddress),
		[32]byte{},
		s.cfg.MaxBridgeFeeAtomic(),
		s.cfg.MinFinalityThreshold,
	)
	if err != nil {
		receipt.ErrorReason = fmt.Sprintf("settlement-failed: burn: %v", err)
		return
	}
	burnHash, ok := s.step(ctx, receipt, "burn", crosspay.ContractCall{
		Chain: sourceChain,
		From:  burnCred,
		To:    chainCfg.TokenMessenger,
		Data:  burnData,
	})
	if !ok {
		return
	}
	receipt.BurnTxHash = burnHash

	// (e) Wait for the bridge attestation, bounded by the configured timeout.
	report(crosspay.LegWaitingAttestation)
	att, err := s.attestations.WaitForAttestation(ctx, chainCfg.Domain, burnHash, s.cfg.AttestationTimeout)
	if err != nil {
		if crosspay.IsCode(err, crosspay.ErrCodeAttestationTimeout) {
			// Not a failure: the burn is final and the attestation is
			// idempotently retrievable later by burn hash.
			s.logger.Info("attestation pending past timeout",
				zap.String("burnTx", burnHash), zap.String("chain", sourceChain))
			receipt.Success = true
			return
		}
		receipt.ErrorReason = fmt.Sprintf("attestation: %v", err)
		return
	}
	receipt.AttestationMessage = hexutil.Encode(att.Message)
	receipt.AttestationProof = hexutil.Encode(att.Proof)

	// (f) Mint on the destination with the returned message and proof.
	report(crosspay.LegMinting)
	mintData, err := messageTransmitterABI.Pack("receiveMessage", att.Message, att.Proof)
	if err != nil {
		receipt.ErrorReason = fmt.Sprintf("settlement-failed: mint: %v", err)
		return
	}
	mintHash, ok := s.step(ctx, receipt, "mint", crosspay.ContractCall{
		Chain: cfg.DestinationChain,
		From:  s.facilitator,
		To:    destCfg.MessageTransmitter,
		Data:  mintData,
	})
	if !ok {
		return
	}
	receipt.DestinationTxHash = mintHash
	receipt.Success = true
}

// step submits one call and waits for inclusion. On any failure it records
// "settlement-failed: <step>" in the receipt and reports false; the caller
// aborts the remaining steps.
func (s *Settler) step(ctx context.Context, receipt *crosspay.CrossChainReceipt, step string, call crosspay.ContractCall) (string, bool) {
	hash, err := s.submitter.Submit(ctx, call)
	if err != nil {
		receipt.ErrorReason = fmt.Sprintf("settlement-failed: %s: %v", step, err)
		return "", false
	}

	rcpt, err := s.submitter.AwaitReceipt(ctx, call.Chain, hash)
	if err != nil {
		receipt.ErrorReason = fmt.Sprintf("settlement-failed: %s: awaiting %s: %v", step, hash, err)
		return hash, false
	}
	if !rcpt.Success {
		receipt.ErrorReason = fmt.Sprintf("settlement-failed: %s: transaction %s reverted", step, hash)
		return hash, false
	}

	s.logger.Debug("step confirmed",
		zap.String("step", step),
		zap.String("chain", call.Chain),
		zap.String("tx", hash),
	)
	return hash, true
}
