package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/becomeliminal/crosspay"
)

// ContractCaller executes read-only contract calls on one chain.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainCaller resolves a read-only caller for a configured chain.
type ChainCaller interface {
	Caller(chain string) (ContractCaller, error)
}

// Verifier validates signed transfer authorizations against the ledger.
// It implements crosspay.AuthorizationVerifier and performs no writes.
type Verifier struct {
	cfg    *crosspay.Config
	chains ChainCaller
	logger *zap.Logger

	// now is a test hook for the validity-window check.
	now func() time.Time
}

var _ crosspay.AuthorizationVerifier = (*Verifier)(nil)

// NewVerifier creates a verifier over the given chain registry. logger may be
// nil.
func NewVerifier(cfg *crosspay.Config, chains ChainCaller, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		cfg:    cfg,
		chains: chains,
		logger: logger,
		now:    time.Now,
	}
}

// Verify runs the four authorization checks in diagnostic order: signature,
// amount, validity window, nonce state. The first failing check short-circuits
// but every check is independently necessary. An error return means the
// ledger could not be consulted, not that the authorization is invalid.
func (v *Verifier) Verify(ctx context.Context, signed *crosspay.SignedAuthorization, sourceChain string, expectedAmount *big.Int) (*crosspay.VerificationResult, error) {
	chainCfg, ok := v.cfg.Chain(sourceChain)
	if !ok {
		return nil, crosspay.NewError(crosspay.ErrCodeChainNotSupported,
			fmt.Sprintf("chain %q is not configured", sourceChain), nil)
	}

	auth, err := parseAuthorization(signed)
	if err != nil {
		return &crosspay.VerificationResult{
			Valid:  false,
			Reason: fmt.Sprintf("%s: %v", crosspay.ReasonSignatureMismatch, err),
		}, nil
	}

	caller, err := v.chains.Caller(sourceChain)
	if err != nil {
		return nil, fmt.Errorf("resolving chain %q: %w", sourceChain, err)
	}

	// 1. Recover the signer from the EIP-712 digest. The domain separator's
	// name and version come from the token contract itself.
	recovered, err := v.recoverSigner(ctx, caller, chainCfg, auth)
	if err != nil {
		return nil, fmt.Errorf("recovering signer: %w", err)
	}
	if recovered != auth.From {
		return &crosspay.VerificationResult{
			Valid: false,
			Reason: fmt.Sprintf("%s: recovered %s, authorization names %s",
				crosspay.ReasonSignatureMismatch, recovered.Hex(), auth.From.Hex()),
			Payer: recovered.Hex(),
		}, nil
	}

	fee := v.cfg.FeeAtomic()

	// 2. The signed value must cover the expected amount plus the fee.
	required := new(big.Int).Add(expectedAmount, fee)
	if auth.Value.Cmp(required) < 0 {
		return &crosspay.VerificationResult{
			Valid: false,
			Reason: fmt.Sprintf("%s: authorization value %s below required %s (amount %s + fee %s)",
				crosspay.ReasonInsufficientAmount,
				auth.Value.String(), required.String(), expectedAmount.String(), fee.String()),
			Payer: recovered.Hex(),
		}, nil
	}

	// 3. validAfter <= now < validBefore.
	now := big.NewInt(v.now().Unix())
	if now.Cmp(auth.ValidAfter) < 0 || now.Cmp(auth.ValidBefore) >= 0 {
		return &crosspay.VerificationResult{
			Valid: false,
			Reason: fmt.Sprintf("%s: now %s outside [%s, %s)",
				crosspay.ReasonTimeWindow, now, auth.ValidAfter, auth.ValidBefore),
			Payer: recovered.Hex(),
		}, nil
	}

	// 4. The ledger's authorization-used flag is the source of truth for
	// replay prevention.
	used, err := v.authorizationState(ctx, caller, chainCfg, auth)
	if err != nil {
		return nil, fmt.Errorf("querying authorization state: %w", err)
	}
	if used {
		return &crosspay.VerificationResult{
			Valid: false,
			Reason: fmt.Sprintf("%s: nonce %s already used by %s",
				crosspay.ReasonNonceUsed, hexutil.Encode(auth.Nonce[:]), auth.From.Hex()),
			Payer: recovered.Hex(),
		}, nil
	}

	v.logger.Debug("authorization verified",
		zap.String("payer", recovered.Hex()),
		zap.String("chain", sourceChain),
		zap.String("value", auth.Value.String()),
	)

	return &crosspay.VerificationResult{
		Valid:     true,
		Payer:     recovered.Hex(),
		Fee:       fee,
		NetAmount: new(big.Int).Sub(auth.Value, fee),
	}, nil
}

func (v *Verifier) recoverSigner(ctx context.Context, caller ContractCaller, chainCfg crosspay.ChainConfig, auth *parsedAuthorization) (common.Address, error) {
	name, err := v.callString(ctx, caller, chainCfg.TokenAddress, "name")
	if err != nil {
		return common.Address{}, fmt.Errorf("fetching token name: %w", err)
	}
	version, err := v.callString(ctx, caller, chainCfg.TokenAddress, "version")
	if err != nil {
		return common.Address{}, fmt.Errorf("fetching token version: %w", err)
	}

	digest, err := authorizationDigest(name, version, chainCfg.ChainID, chainCfg.TokenAddress, auth)
	if err != nil {
		return common.Address{}, err
	}

	pub, err := crypto.SigToPub(digest, auth.recoverySignature())
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// authorizationDigest computes the EIP-712 digest of a
// TransferWithAuthorization message under the token's domain.
func authorizationDigest(name, version string, chainID uint64, verifyingContract string, auth *parsedAuthorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           ethmath.NewHexOrDecimal256(int64(chainID)),
			VerifyingContract: common.HexToAddress(verifyingContract).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       auth.Value.String(),
			"validAfter":  auth.ValidAfter.String(),
			"validBefore": auth.ValidBefore.String(),
			"nonce":       hexutil.Encode(auth.Nonce[:]),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("hashing typed data: %w", err)
	}
	return digest, nil
}

func (v *Verifier) authorizationState(ctx context.Context, caller ContractCaller, chainCfg crosspay.ChainConfig, auth *parsedAuthorization) (bool, error) {
	out, err := v.call(ctx, caller, chainCfg.TokenAddress, "authorizationState", auth.From, auth.Nonce)
	if err != nil {
		return false, err
	}
	vals, err := erc3009ABI.Unpack("authorizationState", out)
	if err != nil {
		return false, fmt.Errorf("decoding authorizationState: %w", err)
	}
	used, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState returned %T, want bool", vals[0])
	}
	return used, nil
}

func (v *Verifier) callString(ctx context.Context, caller ContractCaller, contract, method string) (string, error) {
	out, err := v.call(ctx, caller, contract, method)
	if err != nil {
		return "", err
	}
	vals, err := erc3009ABI.Unpack(method, out)
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", method, err)
	}
	s, ok := vals[0].(string)
	if !ok {
		return "", fmt.Errorf("%s returned %T, want string", method, vals[0])
	}
	return strings.TrimSpace(s), nil
}

func (v *Verifier) call(ctx context.Context, caller ContractCaller, contract, method string, args ...interface{}) ([]byte, error) {
	data, err := erc3009ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	to := common.HexToAddress(contract)
	return caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
