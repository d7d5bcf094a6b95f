package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/market"
)

// =============================================================================
// Event lookup
// =============================================================================

// FindLog returns the first log emitted by emitter whose first topic is
// eventID. A failed receipt is reported before any log is inspected.
func FindLog(receipt *types.Receipt, emitter common.Address, eventID common.Hash) (*types.Log, error) {
	if receipt == nil {
		return nil, svcerrors.Chain("missing receipt", nil)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, svcerrors.Chain("transaction reverted", nil).WithDetails("tx_hash", receipt.TxHash.Hex())
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != emitter || len(log.Topics) == 0 {
			continue
		}
		if log.Topics[0] == eventID {
			return log, nil
		}
	}
	return nil, nil
}

// FindEvent locates event in receipt and decodes its arguments by name.
func FindEvent(receipt *types.Receipt, emitter common.Address, event abi.Event) (map[string]interface{}, error) {
	log, err := FindLog(receipt, emitter, event.ID)
	if err != nil {
		return nil, err
	}
	if log == nil {
		return nil, svcerrors.EventNotFound(event.Name, strings.ToLower(emitter.Hex())).
			WithDetails("tx_hash", receipt.TxHash.Hex())
	}

	values := make(map[string]interface{}, len(event.Inputs))
	if err := event.Inputs.NonIndexed().UnpackIntoMap(values, log.Data); err != nil {
		return nil, svcerrors.Decode(event.Name, err)
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(log.Topics) != len(indexed)+1 {
			return nil, svcerrors.Decode(event.Name, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(log.Topics)))
		}
		if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
			return nil, svcerrors.Decode(event.Name, err)
		}
	}
	return values, nil
}

// =============================================================================
// Typed events
// =============================================================================

// PictureRequestCreatedEvent is emitted by the factory for a new request.
type PictureRequestCreatedEvent struct {
	Creator   common.Address
	IPFSHash  string
	Budget    *big.Int
	Request   common.Address
	CreatedAt *big.Int
	ExpiresAt *big.Int
}

// RequestSubmissionCreatedEvent is emitted by the factory for a new submission.
type RequestSubmissionCreatedEvent struct {
	Submitter  common.Address
	Request    common.Address
	IPFSHash   string
	Price      *big.Int
	Submission common.Address
	CreatedAt  *big.Int
}

// SubmissionPurchasedEvent is emitted by the factory when a purchase settles.
type SubmissionPurchasedEvent struct {
	Submission   common.Address
	Buyer        common.Address
	Price        *big.Int
	PurchaseDate *big.Int
}

// RequestCommentCreatedEvent is emitted by the factory for a new comment.
type RequestCommentCreatedEvent struct {
	Commenter common.Address
	Request   common.Address
	IPFSHash  string
	Comment   common.Address
	CreatedAt *big.Int
}

// NFTMintedEvent is the Transfer from the zero address emitted by mint.
type NFTMintedEvent struct {
	To      common.Address
	TokenID *big.Int
}

// PurchaseRecord maps the event onto the domain record.
func (e *SubmissionPurchasedEvent) PurchaseRecord(txHash common.Hash) (market.PurchaseRecord, error) {
	price, err := market.MinorUnits(e.Price)
	if err != nil {
		return market.PurchaseRecord{}, svcerrors.Decode("SubmissionPurchased price", err)
	}
	return market.PurchaseRecord{
		Buyer:           strings.ToLower(e.Buyer.Hex()),
		ContentID:       strings.ToLower(e.Submission.Hex()),
		PriceMinorUnits: price,
		PurchasedAt:     market.UnixTime(e.PurchaseDate),
		TxHash:          txHash.Hex(),
	}, nil
}

func DecodePictureRequestCreated(receipt *types.Receipt, factory common.Address) (*PictureRequestCreatedEvent, error) {
	values, err := FindEvent(receipt, factory, EventPictureRequestCreated)
	if err != nil {
		return nil, err
	}
	d := decoder{event: EventPictureRequestCreated.Name, values: values}
	ev := &PictureRequestCreatedEvent{
		Creator:   d.address("creator"),
		IPFSHash:  d.str("ipfsHash"),
		Budget:    d.bigInt("budget"),
		Request:   d.address("request"),
		CreatedAt: d.bigInt("createdAt"),
		ExpiresAt: d.bigInt("expiresAt"),
	}
	if d.err != nil {
		return nil, d.err
	}
	return ev, nil
}

func DecodeRequestSubmissionCreated(receipt *types.Receipt, factory common.Address) (*RequestSubmissionCreatedEvent, error) {
	values, err := FindEvent(receipt, factory, EventRequestSubmissionCreated)
	if err != nil {
		return nil, err
	}
	d := decoder{event: EventRequestSubmissionCreated.Name, values: values}
	ev := &RequestSubmissionCreatedEvent{
		Submitter:  d.address("submitter"),
		Request:    d.address("request"),
		IPFSHash:   d.str("ipfsHash"),
		Price:      d.bigInt("price"),
		Submission: d.address("submission"),
		CreatedAt:  d.bigInt("createdAt"),
	}
	if d.err != nil {
		return nil, d.err
	}
	return ev, nil
}

func DecodeSubmissionPurchased(receipt *types.Receipt, factory common.Address) (*SubmissionPurchasedEvent, error) {
	values, err := FindEvent(receipt, factory, EventSubmissionPurchased)
	if err != nil {
		return nil, err
	}
	d := decoder{event: EventSubmissionPurchased.Name, values: values}
	ev := &SubmissionPurchasedEvent{
		Submission:   d.address("submission"),
		Buyer:        d.address("buyer"),
		Price:        d.bigInt("price"),
		PurchaseDate: d.bigInt("purchaseDate"),
	}
	if d.err != nil {
		return nil, d.err
	}
	return ev, nil
}

func DecodeRequestCommentCreated(receipt *types.Receipt, factory common.Address) (*RequestCommentCreatedEvent, error) {
	values, err := FindEvent(receipt, factory, EventRequestCommentCreated)
	if err != nil {
		return nil, err
	}
	d := decoder{event: EventRequestCommentCreated.Name, values: values}
	ev := &RequestCommentCreatedEvent{
		Commenter: d.address("commenter"),
		Request:   d.address("request"),
		IPFSHash:  d.str("ipfsHash"),
		Comment:   d.address("comment"),
		CreatedAt: d.bigInt("createdAt"),
	}
	if d.err != nil {
		return nil, d.err
	}
	return ev, nil
}

// DecodeNFTMinted finds the mint Transfer emitted by nft.
func DecodeNFTMinted(receipt *types.Receipt, nft common.Address) (*NFTMintedEvent, error) {
	values, err := FindEvent(receipt, nft, EventTransfer)
	if err != nil {
		return nil, err
	}
	d := decoder{event: EventTransfer.Name, values: values}
	from := d.address("from")
	ev := &NFTMintedEvent{
		To:      d.address("to"),
		TokenID: d.bigInt("tokenId"),
	}
	if d.err == nil && from != (common.Address{}) {
		d.err = svcerrors.Decode(EventTransfer.Name, fmt.Errorf("transfer from %s is not a mint", from.Hex()))
	}
	if d.err != nil {
		return nil, d.err
	}
	return ev, nil
}

// decoder pulls typed arguments out of an unpacked event, keeping the first
// mismatch as a decode error.
type decoder struct {
	event  string
	values map[string]interface{}
	err    error
}

func (d *decoder) fail(name string, v interface{}) {
	if d.err == nil {
		d.err = svcerrors.Decode(d.event, fmt.Errorf("argument %s has unexpected type %T", name, v))
	}
}

func (d *decoder) address(name string) common.Address {
	v, ok := d.values[name].(common.Address)
	if !ok {
		d.fail(name, d.values[name])
	}
	return v
}

func (d *decoder) bigInt(name string) *big.Int {
	v, ok := d.values[name].(*big.Int)
	if !ok || v == nil {
		d.fail(name, d.values[name])
		return nil
	}
	return v
}

func (d *decoder) str(name string) string {
	v, ok := d.values[name].(string)
	if !ok {
		d.fail(name, d.values[name])
	}
	return v
}
