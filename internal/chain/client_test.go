package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type fakeBackend struct {
	mu           sync.Mutex
	chainID      *big.Int
	nonce        uint64
	estimateErr  error
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	notFoundLeft int
	receiptErrs  []error
	closed       int
	callFn       func(msg ethereum.CallMsg) ([]byte, error)
	onSend       func(tx *types.Transaction) *types.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(300), receipts: map[common.Hash]*types.Receipt{}}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callFn == nil {
		return nil, errors.New("no call handler")
	}
	return f.callFn(msg)
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100000, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(2_000_000_000)}, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	if f.onSend != nil {
		receipt := f.onSend(tx)
		receipt.TxHash = tx.Hash()
		f.receipts[tx.Hash()] = receipt
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.receiptErrs) > 0 {
		err := f.receiptErrs[0]
		f.receiptErrs = f.receiptErrs[1:]
		return nil, err
	}
	if f.notFoundLeft > 0 {
		f.notFoundLeft--
		return nil, ethereum.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), backend, Config{
		PrivateKey:   "0x" + testKeyHex,
		PollInterval: time.Millisecond,
		WaitTimeout:  time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_QueriesChainID(t *testing.T) {
	client := newTestClient(t, newFakeBackend())

	assert.Equal(t, int64(300), client.ChainID().Int64())
	assert.True(t, client.CanTransact())

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), client.From())
}

func TestClose_ReleasesBackendOnce(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	client.Close()
	client.Close()
	assert.Equal(t, 1, backend.closed)
}

func TestNewClient_RejectsBadKey(t *testing.T) {
	_, err := NewClient(context.Background(), newFakeBackend(), Config{ChainID: 1, PrivateKey: "zz"})
	assert.Error(t, err)
}

func TestTransact_SignsDynamicFeeTx(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	to := common.HexToAddress("0x00000000000000000000000000000000000000fa")
	hash, err := client.Transact(context.Background(), to, big.NewInt(7), []byte{0xde, 0xad})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(120000), tx.Gas())
	assert.Equal(t, int64(5_000_000_000), tx.GasFeeCap().Int64())
	assert.Equal(t, int64(7), tx.Value().Int64())
	assert.True(t, bytes.Equal([]byte{0xde, 0xad}, tx.Data()))

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(300)), tx)
	require.NoError(t, err)
	assert.Equal(t, client.From(), sender)
}

func TestTransact_EstimateFailureIsChainError(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted")
	client := newTestClient(t, backend)

	_, err := client.Transact(context.Background(), common.Address{}, nil, nil)
	assert.ErrorIs(t, err, svcerrors.ErrChain)
	assert.Empty(t, backend.sent)
}

func TestTransact_WithoutKey(t *testing.T) {
	client, err := NewClient(context.Background(), newFakeBackend(), Config{ChainID: 1})
	require.NoError(t, err)

	_, err = client.Transact(context.Background(), common.Address{}, nil, nil)
	assert.ErrorIs(t, err, svcerrors.ErrChain)
}

func TestWaitReceipt_RetriesUntilMined(t *testing.T) {
	backend := newFakeBackend()
	backend.notFoundLeft = 3
	hash := common.HexToHash("0x01")
	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}
	client := newTestClient(t, backend)

	receipt, err := client.WaitReceipt(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
}

func TestWaitReceipt_Timeout(t *testing.T) {
	backend := newFakeBackend()
	client, err := NewClient(context.Background(), backend, Config{ChainID: 1, PollInterval: time.Millisecond, WaitTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.WaitReceipt(context.Background(), common.HexToHash("0x02"))
	assert.ErrorIs(t, err, svcerrors.ErrTimeout)
}

func TestSendAndWait_SurvivesReceiptLookupErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptErrs = []error{errors.New("connection reset by peer"), errors.New("502 bad gateway")}
	backend.onSend = func(*types.Transaction) *types.Receipt {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}
	}
	client := newTestClient(t, backend)

	receipt, err := client.SendAndWait(context.Background(), common.HexToAddress("0xfa"), nil, nil)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, backend.sent[0].Hash(), receipt.TxHash)
	assert.Empty(t, backend.receiptErrs)
}

func TestWaitReceipt_PersistentLookupErrorIsTimeout(t *testing.T) {
	backend := newFakeBackend()
	for i := 0; i < 1000; i++ {
		backend.receiptErrs = append(backend.receiptErrs, errors.New("connection refused"))
	}
	client, err := NewClient(context.Background(), backend, Config{ChainID: 1, PollInterval: time.Millisecond, WaitTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	hash := common.HexToHash("0x04")
	_, err = client.WaitReceipt(context.Background(), hash)
	require.ErrorIs(t, err, svcerrors.ErrTimeout)
	assert.NotErrorIs(t, err, svcerrors.ErrChain)

	serviceErr := svcerrors.GetServiceError(err)
	require.NotNil(t, serviceErr)
	assert.Equal(t, hash.Hex(), serviceErr.Details["tx_hash"])
	assert.Equal(t, "connection refused", serviceErr.Details["last_error"])
}

func TestWaitReceipt_ContextCancelled(t *testing.T) {
	client := newTestClient(t, newFakeBackend())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.WaitReceipt(ctx, common.HexToHash("0x03"))
	assert.ErrorIs(t, err, context.Canceled)
}
