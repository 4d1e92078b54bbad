package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/becomeliminal/crosspay"
)

// BalanceReader snapshots token balances across every configured chain with
// balanceOf calls. It implements crosspay.BalanceSource; snapshots are
// point-in-time and may be stale by the time a plan executes, which the
// planner accepts.
type BalanceReader struct {
	cfg    *crosspay.Config
	chains ChainCaller
	logger *zap.Logger
}

var _ crosspay.BalanceSource = (*BalanceReader)(nil)

// NewBalanceReader creates a balance reader. logger may be nil.
func NewBalanceReader(cfg *crosspay.Config, chains ChainCaller, logger *zap.Logger) *BalanceReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceReader{cfg: cfg, chains: chains, logger: logger}
}

// GetBalances reads every wallet's token balance on every configured chain.
// A chain that cannot be read is logged and skipped rather than failing the
// whole snapshot.
func (r *BalanceReader) GetBalances(ctx context.Context, wallets []string) ([]crosspay.ChainBalance, error) {
	// Reject malformed wallets before issuing any RPC.
	for _, wallet := range wallets {
		if !common.IsHexAddress(wallet) {
			return nil, crosspay.NewError(crosspay.ErrCodeInvalidRequest,
				fmt.Sprintf("wallet %q is not a hex address", wallet), nil)
		}
	}

	var balances []crosspay.ChainBalance

	for _, chain := range r.cfg.Supported() {
		chainCfg, _ := r.cfg.Chain(chain)
		caller, err := r.chains.Caller(chain)
		if err != nil {
			r.logger.Warn("skipping unreachable chain", zap.String("chain", chain), zap.Error(err))
			continue
		}

		for _, wallet := range wallets {
			amount, err := r.balanceOf(ctx, caller, chainCfg.TokenAddress, common.HexToAddress(wallet))
			if err != nil {
				r.logger.Warn("balance read failed",
					zap.String("chain", chain), zap.String("wallet", wallet), zap.Error(err))
				continue
			}
			if amount.Sign() == 0 {
				continue
			}

			balances = append(balances, crosspay.ChainBalance{
				Wallet: wallet,
				Chain:  chain,
				Amount: amount,
			})
		}
	}

	return balances, nil
}

func (r *BalanceReader) balanceOf(ctx context.Context, caller ContractCaller, token string, wallet common.Address) (*big.Int, error) {
	data, err := erc3009ABI.Pack("balanceOf", wallet)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}

	to := common.HexToAddress(token)
	var out []byte
	if err := retry(ctx, submitAttempts, func() error {
		var err error
		out, err = caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	}); err != nil {
		return nil, err
	}

	vals, err := erc3009ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decoding balanceOf: %w", err)
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T, want *big.Int", vals[0])
	}
	return amount, nil
}
