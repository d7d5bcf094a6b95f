// Package access decides who may see paid content and releases decrypted
// identifiers only to verified purchasers.
package access

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/market"
)

// Verifier answers whether buyer has purchased contentID.
type Verifier interface {
	HasPurchased(ctx context.Context, buyer, contentID string) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, buyer, contentID string) (bool, error)

func (f VerifierFunc) HasPurchased(ctx context.Context, buyer, contentID string) (bool, error) {
	return f(ctx, buyer, contentID)
}

// =============================================================================
// Ledger
// =============================================================================

// PurchaseLedger is the on-chain purchase lookup.
type PurchaseLedger interface {
	HasPurchased(ctx context.Context, submission, buyer common.Address) (bool, error)
}

// LedgerVerifier asks the submission contract directly. It is authoritative.
type LedgerVerifier struct {
	ledger PurchaseLedger
}

func NewLedgerVerifier(ledger PurchaseLedger) *LedgerVerifier {
	return &LedgerVerifier{ledger: ledger}
}

func (v *LedgerVerifier) HasPurchased(ctx context.Context, buyer, contentID string) (bool, error) {
	buyerAddr, contentAddr, err := parsePair(buyer, contentID)
	if err != nil {
		return false, err
	}
	return v.ledger.HasPurchased(ctx, contentAddr, buyerAddr)
}

// =============================================================================
// Index
// =============================================================================

// PurchaseIndex finds indexed purchase records.
type PurchaseIndex interface {
	Purchase(ctx context.Context, submission, buyer string) (*market.PurchaseRecord, error)
}

// IndexVerifier consults the index. Records there derive from observed
// ledger events, but the index may lag behind the ledger.
type IndexVerifier struct {
	index PurchaseIndex
}

func NewIndexVerifier(index PurchaseIndex) *IndexVerifier {
	return &IndexVerifier{index: index}
}

func (v *IndexVerifier) HasPurchased(ctx context.Context, buyer, contentID string) (bool, error) {
	if _, _, err := parsePair(buyer, contentID); err != nil {
		return false, err
	}
	record, err := v.index.Purchase(ctx, contentID, buyer)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// =============================================================================
// Fallback
// =============================================================================

const defaultCacheSize = 4096

// FallbackVerifier accepts an index positive and otherwise asks the ledger.
// Positives are cached because purchases cannot be revoked.
type FallbackVerifier struct {
	index  Verifier
	ledger Verifier
	log    *logging.Logger
	cache  *lru.Cache[string, struct{}]
}

func NewFallbackVerifier(index, ledger Verifier, log *logging.Logger) *FallbackVerifier {
	if log == nil {
		log = logging.NewNop()
	}
	cache, _ := lru.New[string, struct{}](defaultCacheSize)
	return &FallbackVerifier{index: index, ledger: ledger, log: log, cache: cache}
}

func (v *FallbackVerifier) HasPurchased(ctx context.Context, buyer, contentID string) (bool, error) {
	buyerAddr, contentAddr, err := parsePair(buyer, contentID)
	if err != nil {
		return false, err
	}
	key := strings.ToLower(buyerAddr.Hex()) + "/" + strings.ToLower(contentAddr.Hex())
	if v.cache.Contains(key) {
		return true, nil
	}

	ok, err := v.index.HasPurchased(ctx, buyer, contentID)
	if err != nil {
		v.log.WithContext(ctx).WithError(err).Warn("index purchase lookup failed, asking ledger")
	}
	if err == nil && ok {
		v.cache.Add(key, struct{}{})
		return true, nil
	}

	ok, err = v.ledger.HasPurchased(ctx, buyer, contentID)
	if err != nil {
		return false, err
	}
	if ok {
		v.cache.Add(key, struct{}{})
	}
	return ok, nil
}

// NewVerifier picks the verification strategy: the fallback pair when an
// index is configured, the ledger alone otherwise.
func NewVerifier(ledger PurchaseLedger, index PurchaseIndex, log *logging.Logger) Verifier {
	lv := NewLedgerVerifier(ledger)
	if index == nil {
		return lv
	}
	return NewFallbackVerifier(NewIndexVerifier(index), lv, log)
}

func parsePair(buyer, contentID string) (common.Address, common.Address, error) {
	b, err := market.NormalizeAddress(buyer)
	if err != nil {
		return common.Address{}, common.Address{}, svcerrors.Validation("invalid buyer address")
	}
	c, err := market.NormalizeAddress(contentID)
	if err != nil {
		return common.Address{}, common.Address{}, svcerrors.Validation("invalid content address")
	}
	return common.HexToAddress(b), common.HexToAddress(c), nil
}
