package crosspay

import (
	"context"
	"math/big"
	"time"
)

// TransferAuthorization is a signed, off-chain permission for a one-time
// pull-transfer of tokens (ERC-3009 TransferWithAuthorization). All numeric
// fields are decimal strings; Value is in atomic units (6-decimal fixed point).
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`  // unix seconds
	ValidBefore string `json:"validBefore"` // unix seconds
	Nonce       string `json:"nonce"`       // 32-byte hex
}

// SignedAuthorization pairs an authorization with its EIP-712 signature.
// It lives for the duration of one verify+settle call.
type SignedAuthorization struct {
	Signature     string                `json:"signature"` // 65-byte hex (r || s || v)
	Authorization TransferAuthorization `json:"authorization"`
}

// ChainBalance is a point-in-time balance of one wallet on one chain.
// Snapshots come from an external balance source and may be stale by seconds;
// the planner consumes them read-only.
type ChainBalance struct {
	Wallet string
	Chain  string
	Amount *big.Int // atomic units
}

// SourceAllocation is one (wallet, chain, amount) draw within a plan.
type SourceAllocation struct {
	Wallet string
	Chain  string
	Amount *big.Int
}

// WalletAllocation groups a wallet's per-chain contributions.
type WalletAllocation struct {
	Wallet string
	Total  *big.Int
	Chains []SourceAllocation
}

// AllocationPlan is the immutable output of the allocation planner.
// Sources are listed in draw order (ascending balance at plan time).
type AllocationPlan struct {
	TargetAmount       *big.Int
	TotalTaken         *big.Int
	RemainingUncovered *big.Int
	Sources            []SourceAllocation
}

// GroupByWallet folds the plan's sources into per-wallet entries,
// preserving the order in which wallets are first drawn from.
func (p *AllocationPlan) GroupByWallet() []WalletAllocation {
	index := make(map[string]int)
	grouped := make([]WalletAllocation, 0, len(p.Sources))

	for _, src := range p.Sources {
		i, ok := index[src.Wallet]
		if !ok {
			i = len(grouped)
			index[src.Wallet] = i
			grouped = append(grouped, WalletAllocation{
				Wallet: src.Wallet,
				Total:  new(big.Int),
			})
		}
		grouped[i].Total = new(big.Int).Add(grouped[i].Total, src.Amount)
		grouped[i].Chains = append(grouped[i].Chains, src)
	}

	return grouped
}

// LegState is the lifecycle state of one settlement leg.
type LegState string

const (
	LegIdle               LegState = "idle"
	LegStarting           LegState = "starting"
	LegApproving          LegState = "approving"
	LegBurning            LegState = "burning"
	LegWaitingAttestation LegState = "waiting-attestation"
	LegMinting            LegState = "minting"
	LegTransferring       LegState = "transferring"
	LegDone               LegState = "done"
	LegError              LegState = "error"
)

// Terminal reports whether no further transitions will follow.
// A leg parked in waiting-attestation is terminal for this send; it is
// resumable later by burn transaction hash.
func (s LegState) Terminal() bool {
	return s == LegDone || s == LegError || s == LegWaitingAttestation
}

// LegEvent is one progress update for one (wallet, chain) leg.
type LegEvent struct {
	Wallet  string             `json:"wallet"`
	Chain   string             `json:"chain"`
	State   LegState           `json:"state"`
	Message string             `json:"message,omitempty"`
	Receipt *CrossChainReceipt `json:"receipt,omitempty"`
}

// CrossChainConfig selects the cross-chain branch of a settlement and
// identifies where the minted funds should land. DestinationDomain is the
// bridge's numeric domain for the destination chain; when DestinationChain
// names a configured chain the domain is resolved from the chain registry.
type CrossChainConfig struct {
	DestinationChain  string `json:"destinationChain"`
	DestinationDomain uint32 `json:"destinationDomain"`
	MintRecipient     string `json:"mintRecipient"`
}

// CrossChainReceipt is the result of one settlement attempt. Hashes confirmed
// before a failure are always populated so partial progress is never lost.
type CrossChainReceipt struct {
	Success            bool   `json:"success"`
	SourceTxHash       string `json:"sourceTxHash,omitempty"`
	BurnTxHash         string `json:"burnTxHash,omitempty"`
	DestinationTxHash  string `json:"destinationTxHash,omitempty"`
	AttestationMessage string `json:"attestationMessage,omitempty"` // hex
	AttestationProof   string `json:"attestationProof,omitempty"`   // hex
	Payer              string `json:"payer,omitempty"`
	Fee                string `json:"fee,omitempty"`       // atomic units
	NetAmount          string `json:"netAmount,omitempty"` // atomic units
	ErrorReason        string `json:"errorReason,omitempty"`
}

// VerificationResult is the outcome of checking a signed authorization.
type VerificationResult struct {
	Valid     bool
	Reason    string // one of the Reason* constants when invalid
	Payer     string // recovered signer when the signature is well-formed
	Fee       *big.Int
	NetAmount *big.Int
}

// Invalid-authorization reasons, reported in diagnostic order.
const (
	ReasonSignatureMismatch  = "signature-mismatch"
	ReasonInsufficientAmount = "insufficient-amount"
	ReasonTimeWindow         = "time-window"
	ReasonNonceUsed          = "nonce-used"
)

// SettleParams shapes one settlement of a verified authorization.
type SettleParams struct {
	SourceChain string
	Amount      *big.Int          // expected net amount, excluding the facilitator fee
	Recipient   string            // optional final recipient for the direct branch
	CrossChain  *CrossChainConfig // nil selects the direct branch
}

// AuthorizationVerifier validates a signed transfer authorization against
// policy before any on-chain action is taken. Implementations are read-only
// against the ledger.
type AuthorizationVerifier interface {
	Verify(ctx context.Context, signed *SignedAuthorization, sourceChain string, expectedAmount *big.Int) (*VerificationResult, error)
}

// FacilitatorSettler executes the on-chain steps for one authorized transfer:
// a direct same-ledger payment, or burn / attest / mint across two ledgers.
// The returned receipt is non-nil whenever the request itself was well-formed;
// on-chain failure is reported inside the receipt, not as an error.
type FacilitatorSettler interface {
	SettleAuthorized(ctx context.Context, signed *SignedAuthorization, params SettleParams) (*CrossChainReceipt, error)
}

// LegSettler performs settlements that spend from an unlocked wallet
// credential rather than from a signed authorization. Bridge reports step
// transitions through progress (may be nil).
type LegSettler interface {
	TransferDirect(ctx context.Context, cred Credential, chain, recipient string, amount *big.Int) (*CrossChainReceipt, error)
	Bridge(ctx context.Context, cred Credential, sourceChain string, amount *big.Int, cfg CrossChainConfig, progress func(LegState)) (*CrossChainReceipt, error)
}

// Credential is an unlocked signing credential for one wallet.
type Credential interface {
	// Address returns the wallet address in hex.
	Address() string
	// Sign signs a 32-byte digest, returning a 65-byte recoverable signature.
	Sign(digest []byte) ([]byte, error)
}

// Keyring unlocks signing credentials for managed wallets.
type Keyring interface {
	Unlock(wallet, secret string) (Credential, error)
}

// BalanceSource supplies read-only balance snapshots for managed wallets.
type BalanceSource interface {
	GetBalances(ctx context.Context, wallets []string) ([]ChainBalance, error)
}

// ContractCall describes one ledger mutation to submit.
type ContractCall struct {
	Chain string
	From  Credential
	To    string // contract address
	Data  []byte
	Value *big.Int // native value; nil means zero
}

// Receipt is the inclusion result of a submitted call.
type Receipt struct {
	TxHash  string
	Success bool
}

// Submitter is the opaque submit-and-wait capability the engine runs on.
// Gas handling, bundling and any account-abstraction machinery live behind it.
type Submitter interface {
	// Submit signs and submits the call, returning its transaction hash.
	Submit(ctx context.Context, call ContractCall) (string, error)
	// AwaitReceipt blocks until the transaction is included or ctx is done.
	AwaitReceipt(ctx context.Context, chain, txHash string) (*Receipt, error)
}

// Attestation is a bridge proof that a burn occurred: the raw cross-chain
// message plus the attestation bytes required to mint on the destination.
type Attestation struct {
	Message []byte
	Proof   []byte
}

// AttestationSource retrieves burn attestations. Lookups are keyed purely by
// burn transaction hash so a pending settlement survives a process restart.
type AttestationSource interface {
	WaitForAttestation(ctx context.Context, sourceDomain uint32, burnTxHash string, timeout time.Duration) (*Attestation, error)
}
