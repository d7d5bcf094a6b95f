// Package chain provides EVM ledger interaction for the marketplace: RPC,
// transaction submission, receipt waiting and event decoding.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

// DefaultTxWaitTimeout is the default timeout for waiting for a receipt.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the default interval for polling receipts.
const DefaultPollInterval = 2 * time.Second

// Backend is the subset of the ethclient API the client needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Transactor submits state-changing calls and waits for their receipts.
type Transactor interface {
	Transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error)
	WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds client configuration.
type Config struct {
	RPCURL       string
	ChainID      int64 // 0 asks the node
	PrivateKey   string
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// Client signs and submits transactions with one operator key.
type Client struct {
	backend      Backend
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	pollInterval time.Duration
	waitTimeout  time.Duration

	// serializes nonce assignment for concurrent submissions
	nonceMu sync.Mutex

	closeOnce sync.Once
}

var (
	_ Caller     = (*Client)(nil)
	_ Transactor = (*Client)(nil)
)

// Dial connects to the RPC endpoint in cfg.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, svcerrors.Chain("dial rpc", err)
	}
	client, err := NewClient(ctx, eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an existing backend. The client owns the backend: Close
// closes it when it has a Close method.
func NewClient(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend required")
	}

	c := &Client{
		backend:      backend,
		pollInterval: cfg.PollInterval,
		waitTimeout:  cfg.WaitTimeout,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.waitTimeout <= 0 {
		c.waitTimeout = DefaultTxWaitTimeout
	}

	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, svcerrors.Chain("query chain id", err)
		}
		c.chainID = id
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse operator key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Close releases the backend connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if closer, ok := c.backend.(interface{ Close() }); ok {
			closer.Close()
		}
	})
}

// ChainID returns the chain id transactions are signed for.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// From returns the operator address, or the zero address without a key.
func (c *Client) From() common.Address {
	return c.from
}

// CanTransact reports whether an operator key is configured.
func (c *Client) CanTransact() bool {
	return c.key != nil
}

// CallContract performs an eth_call against the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, svcerrors.Chain("contract call", err)
	}
	return out, nil
}

// =============================================================================
// Transactions
// =============================================================================

// Transact signs and broadcasts an EIP-1559 transaction from the operator
// account. Gas estimation doubles as a revert check before broadcasting.
func (c *Client) Transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, svcerrors.Chain("no operator key configured", nil)
	}
	if value == nil {
		value = new(big.Int)
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, svcerrors.Chain("get nonce", err)
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, svcerrors.Chain("suggest gas tip", err)
	}

	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, svcerrors.Chain("get head", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, svcerrors.Chain("transaction would revert", err)
	}
	gas = gas * 12 / 10

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, svcerrors.Chain("sign transaction", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, svcerrors.Chain("send transaction", err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls for a receipt until it is available, the wait timeout
// expires or ctx is done. Lookup failures after broadcast are transient: the
// transaction may already be mined, so they never surface as a chain error.
func (c *Client) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	var receipt *types.Receipt
	var lastErr error
	poll := func() error {
		r, err := c.backend.TransactionReceipt(wctx, txHash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				lastErr = err
			}
			return err
		}
		receipt = r
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.pollInterval), wctx)
	if err := backoff.Retry(poll, policy); err != nil {
		return nil, c.waitError(ctx, txHash, lastErr)
	}
	return receipt, nil
}

func (c *Client) waitError(ctx context.Context, txHash common.Hash, lastErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	timeout := svcerrors.Timeout("transaction not confirmed before deadline").WithDetails("tx_hash", txHash.Hex())
	if lastErr != nil {
		timeout = timeout.WithDetails("last_error", lastErr.Error())
	}
	return timeout
}

// SendAndWait submits a transaction and returns its successful receipt.
func (c *Client) SendAndWait(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	txHash, err := c.Transact(ctx, to, value, data)
	if err != nil {
		return nil, err
	}
	return c.WaitReceipt(ctx, txHash)
}
