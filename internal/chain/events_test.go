package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

var (
	factoryAddr    = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	nftAddr        = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	creatorAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	requestAddr    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	submissionAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")
	buyerAddr      = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func packLog(t *testing.T, emitter common.Address, event abi.Event, args ...interface{}) *types.Log {
	t.Helper()
	data, err := event.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return &types.Log{Address: emitter, Topics: []common.Hash{event.ID}, Data: data}
}

func receiptWith(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: common.HexToHash("0xabc"),
		Logs:   logs,
	}
}

func TestFindEvent_RevertedReceiptIsChainError(t *testing.T) {
	receipt := receiptWith(packLog(t, factoryAddr, EventSubmissionPurchased, submissionAddr, buyerAddr, big.NewInt(500), big.NewInt(1700000000)))
	receipt.Status = types.ReceiptStatusFailed

	_, err := FindEvent(receipt, factoryAddr, EventSubmissionPurchased)
	require.Error(t, err)
	assert.ErrorIs(t, err, svcerrors.ErrChain)
}

func TestFindEvent_NoMatchingLog(t *testing.T) {
	otherEmitter := common.HexToAddress("0x9999999999999999999999999999999999999999")
	receipt := receiptWith(
		packLog(t, otherEmitter, EventSubmissionPurchased, submissionAddr, buyerAddr, big.NewInt(500), big.NewInt(1)),
		packLog(t, factoryAddr, EventRequestCommentCreated, creatorAddr, requestAddr, "bafy", submissionAddr, big.NewInt(1)),
	)

	_, err := FindEvent(receipt, factoryAddr, EventSubmissionPurchased)
	require.Error(t, err)
	assert.ErrorIs(t, err, svcerrors.ErrEventNotFound)
}

func TestFindEvent_UndecodableLog(t *testing.T) {
	receipt := receiptWith(&types.Log{
		Address: factoryAddr,
		Topics:  []common.Hash{EventSubmissionPurchased.ID},
		Data:    []byte{0x01, 0x02},
	})

	_, err := FindEvent(receipt, factoryAddr, EventSubmissionPurchased)
	require.Error(t, err)
	assert.ErrorIs(t, err, svcerrors.ErrDecode)
}

func TestDecodePictureRequestCreated(t *testing.T) {
	receipt := receiptWith(packLog(t, factoryAddr, EventPictureRequestCreated,
		creatorAddr, "bafyrequest", big.NewInt(2500), requestAddr, big.NewInt(100), big.NewInt(200)))

	ev, err := DecodePictureRequestCreated(receipt, factoryAddr)
	require.NoError(t, err)
	assert.Equal(t, requestAddr, ev.Request)
	assert.Equal(t, creatorAddr, ev.Creator)
	assert.Equal(t, "bafyrequest", ev.IPFSHash)
	assert.Equal(t, int64(2500), ev.Budget.Int64())
	assert.Equal(t, int64(200), ev.ExpiresAt.Int64())
}

func TestDecodeRequestSubmissionCreated(t *testing.T) {
	receipt := receiptWith(packLog(t, factoryAddr, EventRequestSubmissionCreated,
		creatorAddr, requestAddr, "bafymeta", big.NewInt(500), submissionAddr, big.NewInt(100)))

	ev, err := DecodeRequestSubmissionCreated(receipt, factoryAddr)
	require.NoError(t, err)
	assert.Equal(t, submissionAddr, ev.Submission)
	assert.Equal(t, requestAddr, ev.Request)
	assert.Equal(t, int64(500), ev.Price.Int64())
}

func TestDecodeRequestCommentCreated(t *testing.T) {
	commentAddr := common.HexToAddress("0x5555555555555555555555555555555555555555")
	receipt := receiptWith(packLog(t, factoryAddr, EventRequestCommentCreated,
		creatorAddr, requestAddr, "bafycomment", commentAddr, big.NewInt(100)))

	ev, err := DecodeRequestCommentCreated(receipt, factoryAddr)
	require.NoError(t, err)
	assert.Equal(t, commentAddr, ev.Comment)
	assert.Equal(t, "bafycomment", ev.IPFSHash)
}

func TestDecodeSubmissionPurchasedToRecord(t *testing.T) {
	receipt := receiptWith(packLog(t, factoryAddr, EventSubmissionPurchased,
		submissionAddr, buyerAddr, big.NewInt(500), big.NewInt(1700000000)))

	ev, err := DecodeSubmissionPurchased(receipt, factoryAddr)
	require.NoError(t, err)

	record, err := ev.PurchaseRecord(receipt.TxHash)
	require.NoError(t, err)
	assert.Equal(t, "0x4444444444444444444444444444444444444444", record.Buyer)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", record.ContentID)
	assert.Equal(t, uint64(500), record.PriceMinorUnits)
	assert.Equal(t, int64(1700000000), record.PurchasedAt.Unix())
}

func transferLog(from, to common.Address, tokenID int64) *types.Log {
	return &types.Log{
		Address: nftAddr,
		Topics: []common.Hash{
			EventTransfer.ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
	}
}

func TestDecodeNFTMinted(t *testing.T) {
	ev, err := DecodeNFTMinted(receiptWith(transferLog(common.Address{}, buyerAddr, 42)), nftAddr)
	require.NoError(t, err)
	assert.Equal(t, buyerAddr, ev.To)
	assert.Equal(t, int64(42), ev.TokenID.Int64())
}

func TestDecodeNFTMinted_RejectsPlainTransfer(t *testing.T) {
	_, err := DecodeNFTMinted(receiptWith(transferLog(creatorAddr, buyerAddr, 42)), nftAddr)
	assert.ErrorIs(t, err, svcerrors.ErrDecode)
}

func TestDecodeNFTMinted_MissingTopics(t *testing.T) {
	log := transferLog(common.Address{}, buyerAddr, 42)
	log.Topics = log.Topics[:2]

	_, err := DecodeNFTMinted(receiptWith(log), nftAddr)
	assert.ErrorIs(t, err, svcerrors.ErrDecode)
}
