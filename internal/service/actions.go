package service

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fixmypic/service_layer/internal/content"
	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/market"
	"github.com/fixmypic/service_layer/internal/pricing"
	"github.com/fixmypic/service_layer/internal/reconcile"
)

// Intent kinds recorded in metrics and the journal.
const (
	KindPictureRequest = "picture_request"
	KindSubmission     = "submission"
	KindComment        = "comment"
	KindPurchase       = "purchase"
)

func submitted(tx common.Hash, id common.Address) reconcile.Submission {
	sub := reconcile.Submission{}
	if tx != (common.Hash{}) {
		sub.TxHash = tx.Hex()
	}
	if id != (common.Address{}) {
		sub.AuthoritativeID = strings.ToLower(id.Hex())
	}
	return sub
}

// indexedMetadata loads the document an indexed record points at. A document
// that does not validate is a malformed record, not a transient miss.
func indexedMetadata(ctx context.Context, store content.Store, id string, v interface{ Validate() error }) error {
	if err := store.FetchJSON(ctx, id, v); err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return svcerrors.Decode("metadata "+id, err)
	}
	return nil
}

// =============================================================================
// Picture request
// =============================================================================

type requestAction struct {
	m          *Marketplace
	meta       content.RequestMetadata
	metadataID string
	budget     uint64
	createdAt  time.Time
	expiresAt  time.Time
}

func (a *requestAction) Kind() string { return KindPictureRequest }

func (a *requestAction) Project(localID string) (market.PictureRequest, error) {
	req := market.PictureRequest{
		ID:               localID,
		Creator:          strings.ToLower(a.m.operator.Hex()),
		Title:            a.meta.Title,
		Description:      a.meta.Description,
		ImageID:          a.meta.ImageID,
		MetadataHash:     a.metadataID,
		BudgetMinorUnits: a.budget,
		CreatedAt:        a.createdAt,
		ExpiresAt:        a.expiresAt,
	}
	return req, req.Validate()
}

func (a *requestAction) Execute(ctx context.Context) (reconcile.Submission, error) {
	ev, tx, err := a.m.ledger.CreatePictureRequest(ctx, a.metadataID, new(big.Int).SetUint64(a.budget), a.expiresAt)
	if err != nil {
		return submitted(tx, common.Address{}), err
	}
	return submitted(tx, ev.Request), nil
}

func (a *requestAction) Lookup(ctx context.Context, id string) (market.PictureRequest, bool, error) {
	rec, err := a.m.index.PictureRequest(ctx, id)
	if err != nil || rec == nil {
		return market.PictureRequest{}, false, err
	}
	var meta content.RequestMetadata
	if err := indexedMetadata(ctx, a.m.store, rec.MetadataHash, &meta); err != nil {
		return market.PictureRequest{}, false, err
	}
	return market.PictureRequest{
		ID:               rec.ID,
		Creator:          rec.Creator,
		Title:            meta.Title,
		Description:      meta.Description,
		ImageID:          meta.ImageID,
		MetadataHash:     rec.MetadataHash,
		BudgetMinorUnits: rec.BudgetMinorUnits,
		CreatedAt:        rec.CreatedAt,
		ExpiresAt:        rec.ExpiresAt,
	}, true, nil
}

// =============================================================================
// Submission
// =============================================================================

type submissionAction struct {
	m          *Marketplace
	request    common.Address
	meta       content.SubmissionMetadata
	metadataID string
	price      uint64
	createdAt  time.Time
}

func (a *submissionAction) Kind() string { return KindSubmission }

func (a *submissionAction) Project(localID string) (market.ContentItem, error) {
	item, err := a.meta.ContentItem(localID, strings.ToLower(a.request.Hex()), strings.ToLower(a.m.operator.Hex()), a.metadataID, a.price)
	if err != nil {
		return market.ContentItem{}, err
	}
	item.CreatedAt = a.createdAt
	return item, nil
}

func (a *submissionAction) Execute(ctx context.Context) (reconcile.Submission, error) {
	ev, tx, err := a.m.ledger.CreateRequestSubmission(ctx, a.request, a.metadataID, new(big.Int).SetUint64(a.price))
	if err != nil {
		return submitted(tx, common.Address{}), err
	}
	return submitted(tx, ev.Submission), nil
}

func (a *submissionAction) Lookup(ctx context.Context, id string) (market.ContentItem, bool, error) {
	item, found, err := a.m.indexedSubmission(ctx, id)
	if err != nil || !found {
		return market.ContentItem{}, false, err
	}
	return item, true, nil
}

// =============================================================================
// Comment
// =============================================================================

type commentAction struct {
	m          *Marketplace
	request    common.Address
	meta       content.CommentMetadata
	metadataID string
	createdAt  time.Time
}

func (a *commentAction) Kind() string { return KindComment }

func (a *commentAction) Project(localID string) (market.Comment, error) {
	c := market.Comment{
		ID:           localID,
		RequestID:    strings.ToLower(a.request.Hex()),
		Commenter:    strings.ToLower(a.m.operator.Hex()),
		Text:         a.meta.Text,
		MetadataHash: a.metadataID,
		CreatedAt:    a.createdAt,
	}
	return c, c.Validate()
}

func (a *commentAction) Execute(ctx context.Context) (reconcile.Submission, error) {
	ev, tx, err := a.m.ledger.CreateRequestComment(ctx, a.request, a.metadataID)
	if err != nil {
		return submitted(tx, common.Address{}), err
	}
	return submitted(tx, ev.Comment), nil
}

func (a *commentAction) Lookup(ctx context.Context, id string) (market.Comment, bool, error) {
	rec, err := a.m.index.Comment(ctx, id)
	if err != nil || rec == nil {
		return market.Comment{}, false, err
	}
	var meta content.CommentMetadata
	if err := indexedMetadata(ctx, a.m.store, rec.MetadataHash, &meta); err != nil {
		return market.Comment{}, false, err
	}
	return market.Comment{
		ID:           rec.ID,
		RequestID:    rec.RequestID,
		Commenter:    rec.Commenter,
		Text:         meta.Text,
		MetadataHash: rec.MetadataHash,
		CreatedAt:    rec.CreatedAt,
	}, true, nil
}

// =============================================================================
// Purchase
// =============================================================================

// purchaseAction pays for a submission with the operator key. The projected
// record is what the buyer expects to see; only the index lookup yields an
// authoritative one.
type purchaseAction struct {
	m          *Marketplace
	submission common.Address
	conversion pricing.Conversion
	createdAt  time.Time
}

func (a *purchaseAction) Kind() string { return KindPurchase }

func (a *purchaseAction) Project(string) (market.PurchaseRecord, error) {
	p := market.PurchaseRecord{
		Buyer:           strings.ToLower(a.m.operator.Hex()),
		ContentID:       strings.ToLower(a.submission.Hex()),
		PriceMinorUnits: a.conversion.PriceMinorUnits,
		PurchasedAt:     a.createdAt,
	}
	return p, p.Validate()
}

func (a *purchaseAction) Execute(ctx context.Context) (reconcile.Submission, error) {
	ev, tx, err := a.m.ledger.PurchaseSubmission(ctx, a.submission, a.conversion.NativeUnits)
	if err != nil {
		return submitted(tx, common.Address{}), err
	}
	if ev.Submission != a.submission || ev.Buyer != a.m.operator {
		return submitted(tx, common.Address{}), svcerrors.Decode("SubmissionPurchased", nil).
			WithDetails("submission", ev.Submission.Hex()).
			WithDetails("buyer", ev.Buyer.Hex())
	}
	return submitted(tx, ev.Submission), nil
}

func (a *purchaseAction) Lookup(ctx context.Context, id string) (market.PurchaseRecord, bool, error) {
	rec, err := a.m.index.Purchase(ctx, id, a.m.operator.Hex())
	if err != nil || rec == nil {
		return market.PurchaseRecord{}, false, err
	}
	return *rec, true, nil
}
