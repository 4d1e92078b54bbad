package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/becomeliminal/crosspay"
)

// parsedAuthorization is a TransferAuthorization with its fields decoded into
// on-chain types, plus the decomposed signature.
type parsedAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte

	// 65-byte recoverable signature and its v/r/s decomposition.
	Signature []byte
	V         uint8
	R         [32]byte
	S         [32]byte
}

func parseAuthorization(signed *crosspay.SignedAuthorization) (*parsedAuthorization, error) {
	auth := signed.Authorization

	if !common.IsHexAddress(auth.From) {
		return nil, fmt.Errorf("from %q is not a hex address", auth.From)
	}
	if !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("to %q is not a hex address", auth.To)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("value %q is not a non-negative integer", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("validAfter %q is not an integer", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("validBefore %q is not an integer", auth.ValidBefore)
	}

	nonceBytes, err := hexutil.Decode(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce is not hex: %w", err)
	}
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("nonce must be 32 bytes, got %d", len(nonceBytes))
	}

	sig, err := hexutil.Decode(signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature is not hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	p := &parsedAuthorization{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Signature:   sig,
		V:           sig[64],
	}
	copy(p.Nonce[:], nonceBytes)
	copy(p.R[:], sig[:32])
	copy(p.S[:], sig[32:64])

	// Ledger contracts expect v in {27, 28}; recovery wants {0, 1}.
	if p.V < 27 {
		p.V += 27
	}

	return p, nil
}

// recoverySignature returns the signature with v normalized to {0, 1} for
// public key recovery.
func (p *parsedAuthorization) recoverySignature() []byte {
	sig := make([]byte, 65)
	copy(sig, p.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig
}

// addressToBytes32 left-pads an address into the bridge's 32-byte recipient
// encoding.
func addressToBytes32(addr common.Address) [32]byte {
	var out [32]byte
	copy(out[12:], addr.Bytes())
	return out
}

// maxUint256 is the unlimited-approval amount.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
