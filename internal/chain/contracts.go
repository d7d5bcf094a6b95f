package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/market"
)

// =============================================================================
// Shared helpers
// =============================================================================

func call(ctx context.Context, caller Caller, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, svcerrors.Decode(method+" result", err)
	}
	if len(values) == 0 {
		return nil, svcerrors.Decode(method+" result", fmt.Errorf("empty result"))
	}
	return values, nil
}

// transact returns the broadcast hash even when waiting for the receipt
// fails, so callers can still report the pending transaction.
func transact(ctx context.Context, tx Transactor, contract common.Address, value *big.Int, parsed abi.ABI, method string, args ...interface{}) (*types.Receipt, common.Hash, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	txHash, err := tx.Transact(ctx, contract, value, data)
	if err != nil {
		return nil, common.Hash{}, err
	}
	receipt, err := tx.WaitReceipt(ctx, txHash)
	return receipt, txHash, err
}

// =============================================================================
// Factory
// =============================================================================

// Factory wraps the marketplace factory contract.
type Factory struct {
	address common.Address
	tx      Transactor
}

// NewFactory binds the factory at address.
func NewFactory(address common.Address, tx Transactor) *Factory {
	return &Factory{address: address, tx: tx}
}

// Address returns the factory address.
func (f *Factory) Address() common.Address {
	return f.address
}

// CreatePictureRequest submits a request and decodes its creation event.
func (f *Factory) CreatePictureRequest(ctx context.Context, ipfsHash string, budget *big.Int, expiresAt time.Time) (*PictureRequestCreatedEvent, common.Hash, error) {
	receipt, txHash, err := transact(ctx, f.tx, f.address, nil, FactoryABI, "createPictureRequest", ipfsHash, budget, big.NewInt(expiresAt.Unix()))
	if err != nil {
		return nil, txHash, err
	}
	ev, err := DecodePictureRequestCreated(receipt, f.address)
	return ev, receipt.TxHash, err
}

// CreateRequestSubmission submits a submission against request.
func (f *Factory) CreateRequestSubmission(ctx context.Context, request common.Address, ipfsHash string, price *big.Int) (*RequestSubmissionCreatedEvent, common.Hash, error) {
	receipt, txHash, err := transact(ctx, f.tx, f.address, nil, FactoryABI, "createRequestSubmission", request, ipfsHash, price)
	if err != nil {
		return nil, txHash, err
	}
	ev, err := DecodeRequestSubmissionCreated(receipt, f.address)
	return ev, receipt.TxHash, err
}

// CreateRequestComment submits a comment on request.
func (f *Factory) CreateRequestComment(ctx context.Context, request common.Address, ipfsHash string) (*RequestCommentCreatedEvent, common.Hash, error) {
	receipt, txHash, err := transact(ctx, f.tx, f.address, nil, FactoryABI, "createRequestComment", request, ipfsHash)
	if err != nil {
		return nil, txHash, err
	}
	ev, err := DecodeRequestCommentCreated(receipt, f.address)
	return ev, receipt.TxHash, err
}

// PurchaseSubmission pays value wei for submission.
func (f *Factory) PurchaseSubmission(ctx context.Context, submission common.Address, value *big.Int) (*SubmissionPurchasedEvent, common.Hash, error) {
	receipt, txHash, err := transact(ctx, f.tx, f.address, value, FactoryABI, "purchaseSubmission", submission)
	if err != nil {
		return nil, txHash, err
	}
	ev, err := DecodeSubmissionPurchased(receipt, f.address)
	return ev, receipt.TxHash, err
}

// =============================================================================
// Submission
// =============================================================================

// Submissions reads per-submission contracts.
type Submissions struct {
	caller Caller
}

func NewSubmissions(caller Caller) *Submissions {
	return &Submissions{caller: caller}
}

// Price returns the submission price in minor units.
func (s *Submissions) Price(ctx context.Context, submission common.Address) (*big.Int, error) {
	values, err := call(ctx, s.caller, submission, SubmissionABI, "price")
	if err != nil {
		return nil, err
	}
	price, ok := values[0].(*big.Int)
	if !ok {
		return nil, svcerrors.Decode("price result", fmt.Errorf("unexpected type %T", values[0]))
	}
	return price, nil
}

// HasPurchased asks the submission contract whether buyer has paid.
func (s *Submissions) HasPurchased(ctx context.Context, submission, buyer common.Address) (bool, error) {
	values, err := call(ctx, s.caller, submission, SubmissionABI, "hasPurchased", buyer)
	if err != nil {
		return false, err
	}
	purchased, ok := values[0].(bool)
	if !ok {
		return false, svcerrors.Decode("hasPurchased result", fmt.Errorf("unexpected type %T", values[0]))
	}
	return purchased, nil
}

// =============================================================================
// Price oracle
// =============================================================================

// PriceOracle reads the on-chain exchange rate feed.
type PriceOracle struct {
	address  common.Address
	caller   Caller
	decimals uint8
}

// NewPriceOracle binds the oracle. decimals is used when the feed does not
// answer decimals().
func NewPriceOracle(address common.Address, caller Caller, decimals uint8) *PriceOracle {
	return &PriceOracle{address: address, caller: caller, decimals: decimals}
}

// LatestRate returns the current fiat value of one native unit.
func (o *PriceOracle) LatestRate(ctx context.Context) (market.Rate, error) {
	values, err := call(ctx, o.caller, o.address, PriceOracleABI, "getLatestPrice")
	if err != nil {
		return market.Rate{}, err
	}
	answer, ok := values[0].(*big.Int)
	if !ok {
		return market.Rate{}, svcerrors.Decode("getLatestPrice result", fmt.Errorf("unexpected type %T", values[0]))
	}
	if answer.Sign() <= 0 {
		return market.Rate{}, svcerrors.Chain("oracle returned non-positive price", nil).WithDetails("answer", answer.String())
	}

	decimals := o.decimals
	if values, err := call(ctx, o.caller, o.address, PriceOracleABI, "decimals"); err == nil {
		if d, ok := values[0].(uint8); ok {
			decimals = d
		}
	}
	return market.Rate{Value: answer, Decimals: decimals}, nil
}

// =============================================================================
// NFT
// =============================================================================

// NFT wraps the purchase receipt token contract.
type NFT struct {
	address common.Address
	tx      Transactor
}

func NewNFT(address common.Address, tx Transactor) *NFT {
	return &NFT{address: address, tx: tx}
}

// Mint mints a token for to linked to submission and returns its id.
func (n *NFT) Mint(ctx context.Context, to common.Address, tokenURI string, submission common.Address) (*big.Int, common.Hash, error) {
	receipt, txHash, err := transact(ctx, n.tx, n.address, nil, NFTABI, "mint", to, tokenURI, submission)
	if err != nil {
		return nil, txHash, err
	}
	ev, err := DecodeNFTMinted(receipt, n.address)
	if err != nil {
		return nil, receipt.TxHash, err
	}
	return ev.TokenID, receipt.TxHash, nil
}
