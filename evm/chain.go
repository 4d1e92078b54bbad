package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/becomeliminal/crosspay"
)

const (
	// defaultGasLimit is a flat cap covering every call the engine submits.
	defaultGasLimit = 300000

	// receiptPollBase is the first receipt-poll delay; backoff doubles it up
	// to receiptPollMax.
	receiptPollBase = 2 * time.Second
	receiptPollMax  = 15 * time.Second

	submitAttempts = 3
)

// Client talks to the configured chains over JSON-RPC. It implements
// crosspay.Submitter and ChainCaller; connections are dialed lazily and
// reused.
type Client struct {
	cfg    *crosspay.Config
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*ethclient.Client
}

var _ crosspay.Submitter = (*Client)(nil)
var _ ChainCaller = (*Client)(nil)

// NewClient creates a client over the chain registry. logger may be nil.
func NewClient(cfg *crosspay.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*ethclient.Client),
	}
}

// Close releases every dialed connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[string]*ethclient.Client)
}

// Caller returns a read-only caller for the chain.
func (c *Client) Caller(chain string) (ContractCaller, error) {
	conn, _, err := c.conn(chain)
	return conn, err
}

// Submit signs the call with its credential and sends it, returning the
// transaction hash. Gas price is taken from the node's suggestion; submission
// itself is single-shot (a resend with a fresh nonce could double-spend), but
// the nonce and gas reads retry on transient RPC failure.
func (c *Client) Submit(ctx context.Context, call crosspay.ContractCall) (string, error) {
	conn, chainCfg, err := c.conn(call.Chain)
	if err != nil {
		return "", err
	}

	from := common.HexToAddress(call.From.Address())

	var nonce uint64
	if err := retry(ctx, submitAttempts, func() error {
		var err error
		nonce, err = conn.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		return "", fmt.Errorf("fetching nonce for %s: %w", from.Hex(), err)
	}

	var gasPrice *big.Int
	if err := retry(ctx, submitAttempts, func() error {
		var err error
		gasPrice, err = conn.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return "", fmt.Errorf("fetching gas price: %w", err)
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := common.HexToAddress(call.To)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      defaultGasLimit,
		To:       &to,
		Value:    value,
		Data:     call.Data,
	})

	signer := types.NewEIP155Signer(new(big.Int).SetUint64(chainCfg.ChainID))
	sig, err := call.From.Sign(signer.Hash(tx).Bytes())
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}
	signedTx, err := tx.WithSignature(signer, sig)
	if err != nil {
		return "", fmt.Errorf("attaching signature: %w", err)
	}

	if err := conn.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("sending transaction: %w", err)
	}

	hash := signedTx.Hash().Hex()
	c.logger.Debug("transaction submitted",
		zap.String("chain", call.Chain),
		zap.String("from", from.Hex()),
		zap.String("to", call.To),
		zap.String("tx", hash),
	)
	return hash, nil
}

// AwaitReceipt polls for the transaction receipt until inclusion or ctx is
// done, backing off between polls.
func (c *Client) AwaitReceipt(ctx context.Context, chain, txHash string) (*crosspay.Receipt, error) {
	conn, _, err := c.conn(chain)
	if err != nil {
		return nil, err
	}

	hash := common.HexToHash(txHash)
	for attempt := 0; ; attempt++ {
		rcpt, err := conn.TransactionReceipt(ctx, hash)
		if err == nil {
			return &crosspay.Receipt{
				TxHash:  txHash,
				Success: rcpt.Status == types.ReceiptStatusSuccessful,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) && !isTransient(err) {
			return nil, fmt.Errorf("fetching receipt for %s: %w", txHash, err)
		}

		delay := backoff.Exponential(receiptPollBase, attempt)
		if delay > receiptPollMax {
			delay = receiptPollMax
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) conn(chain string) (*ethclient.Client, crosspay.ChainConfig, error) {
	chainCfg, ok := c.cfg.Chain(chain)
	if !ok {
		return nil, crosspay.ChainConfig{}, crosspay.NewError(crosspay.ErrCodeChainNotSupported,
			fmt.Sprintf("chain %q is not configured", chain), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[chain]; ok {
		return conn, chainCfg, nil
	}

	conn, err := ethclient.Dial(chainCfg.RPCURL)
	if err != nil {
		return nil, crosspay.ChainConfig{}, fmt.Errorf("dialing %s: %w", chain, err)
	}
	c.conns[chain] = conn
	return conn, chainCfg, nil
}

// retry runs fn up to attempts times with jittered exponential backoff.
// Validation never comes through here; only transient RPC reads do.
func retry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		delay := backoff.Exponential(500*time.Millisecond, attempt)
		delay += backoff.FullJitter(delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
