package crosspay

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Default settings applied by Config.Validate.
const (
	DefaultAttestationTimeout = 2 * time.Minute

	// DefaultMinFinalityThreshold asks the bridge for standard (hard)
	// finality before attesting a burn.
	DefaultMinFinalityThreshold = 2000
)

// ChainConfig describes one configured ledger.
type ChainConfig struct {
	// RPCURL is the JSON-RPC endpoint for the chain.
	RPCURL string `yaml:"rpc_url"`

	// ChainID is the EIP-155 chain id.
	ChainID uint64 `yaml:"chain_id"`

	// TokenAddress is the stablecoin contract (ERC-20 with ERC-3009 support).
	TokenAddress string `yaml:"token_address"`

	// TokenMessenger is the bridge contract that burns on this chain.
	TokenMessenger string `yaml:"token_messenger"`

	// MessageTransmitter is the bridge contract that mints on this chain.
	MessageTransmitter string `yaml:"message_transmitter"`

	// Domain is the bridge's numeric identifier for this chain.
	Domain uint32 `yaml:"domain"`

	// FeeEstimate is the per-transfer fee subtracted from same-chain legs,
	// as a human-readable decimal ("0.10").
	FeeEstimate string `yaml:"fee_estimate"`
}

// Config holds the engine configuration: the chain registry plus
// facilitator-wide settlement policy.
type Config struct {
	// Chains maps chain names to their configuration.
	Chains map[string]ChainConfig `yaml:"chains"`

	// FacilitatorFee is the fee retained from each authorized settlement,
	// as a human-readable decimal ("0.25").
	FacilitatorFee string `yaml:"facilitator_fee"`

	// AttestationURL is the base URL of the attestation service.
	AttestationURL string `yaml:"attestation_url"`

	// AttestationTimeout bounds how long a settlement waits for an
	// attestation before parking the leg as resumable.
	AttestationTimeout time.Duration `yaml:"attestation_timeout"`

	// MaxBridgeFee caps the relay fee for a burn, as a human-readable
	// decimal. Empty means zero (no fast-relay fee).
	MaxBridgeFee string `yaml:"max_bridge_fee"`

	// MinFinalityThreshold is the finality level the bridge must reach
	// before attesting a burn.
	MinFinalityThreshold uint32 `yaml:"min_finality_threshold"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}

	for name, chain := range c.Chains {
		if err := chain.Validate(); err != nil {
			return fmt.Errorf("invalid chain %q: %w", name, err)
		}
	}

	if c.FacilitatorFee != "" {
		if _, err := ParseDecimalAmount(c.FacilitatorFee); err != nil {
			return fmt.Errorf("invalid facilitator_fee: %w", err)
		}
	}

	if c.MaxBridgeFee != "" {
		if _, err := ParseDecimalAmount(c.MaxBridgeFee); err != nil {
			return fmt.Errorf("invalid max_bridge_fee: %w", err)
		}
	}

	if c.AttestationURL == "" {
		return fmt.Errorf("attestation_url is required")
	}

	if c.AttestationTimeout == 0 {
		c.AttestationTimeout = DefaultAttestationTimeout
	}

	if c.MinFinalityThreshold == 0 {
		c.MinFinalityThreshold = DefaultMinFinalityThreshold
	}

	return nil
}

// Validate checks a single chain entry.
func (cc *ChainConfig) Validate() error {
	if cc.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}

	if cc.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}

	if !common.IsHexAddress(cc.TokenAddress) {
		return fmt.Errorf("token_address %q is not a hex address", cc.TokenAddress)
	}

	if cc.TokenMessenger != "" && !common.IsHexAddress(cc.TokenMessenger) {
		return fmt.Errorf("token_messenger %q is not a hex address", cc.TokenMessenger)
	}

	if cc.MessageTransmitter != "" && !common.IsHexAddress(cc.MessageTransmitter) {
		return fmt.Errorf("message_transmitter %q is not a hex address", cc.MessageTransmitter)
	}

	if cc.FeeEstimate != "" {
		if _, err := ParseDecimalAmount(cc.FeeEstimate); err != nil {
			return fmt.Errorf("invalid fee_estimate: %w", err)
		}
	}

	return nil
}

// Chain looks up a configured chain by name.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	chain, ok := c.Chains[name]
	return chain, ok
}

// Supported returns the configured chain names, sorted.
func (c *Config) Supported() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FeeAtomic returns the facilitator fee in atomic units.
// Call Validate first; unparseable values count as zero.
func (c *Config) FeeAtomic() *big.Int {
	return decimalOrZero(c.FacilitatorFee)
}

// MaxBridgeFeeAtomic returns the burn relay fee cap in atomic units.
func (c *Config) MaxBridgeFeeAtomic() *big.Int {
	return decimalOrZero(c.MaxBridgeFee)
}

// FeeEstimateAtomic returns the chain's same-chain transfer fee estimate
// in atomic units.
func (cc *ChainConfig) FeeEstimateAtomic() *big.Int {
	return decimalOrZero(cc.FeeEstimate)
}

func decimalOrZero(s string) *big.Int {
	if s == "" {
		return new(big.Int)
	}
	v, err := ParseDecimalAmount(s)
	if err != nil {
		return new(big.Int)
	}
	return v
}
