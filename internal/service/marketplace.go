// Package service wires the marketplace components into one long-lived
// instance shared by the HTTP gateway and the CLI.
package service

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fixmypic/service_layer/internal/access"
	"github.com/fixmypic/service_layer/internal/auth"
	"github.com/fixmypic/service_layer/internal/chain"
	"github.com/fixmypic/service_layer/internal/content"
	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/httputil"
	"github.com/fixmypic/service_layer/internal/index"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/market"
	"github.com/fixmypic/service_layer/internal/metrics"
	"github.com/fixmypic/service_layer/internal/pricing"
	"github.com/fixmypic/service_layer/internal/reconcile"
	"github.com/fixmypic/service_layer/internal/watermark"
)

// =============================================================================
// Collaborators
// =============================================================================

// Ledger is the factory surface used by the write flows.
type Ledger interface {
	CreatePictureRequest(ctx context.Context, ipfsHash string, budget *big.Int, expiresAt time.Time) (*chain.PictureRequestCreatedEvent, common.Hash, error)
	CreateRequestSubmission(ctx context.Context, request common.Address, ipfsHash string, price *big.Int) (*chain.RequestSubmissionCreatedEvent, common.Hash, error)
	CreateRequestComment(ctx context.Context, request common.Address, ipfsHash string) (*chain.RequestCommentCreatedEvent, common.Hash, error)
	PurchaseSubmission(ctx context.Context, submission common.Address, value *big.Int) (*chain.SubmissionPurchasedEvent, common.Hash, error)
}

// SubmissionReader reads per-submission ledger state.
type SubmissionReader interface {
	Price(ctx context.Context, submission common.Address) (*big.Int, error)
	HasPurchased(ctx context.Context, submission, buyer common.Address) (bool, error)
}

// Minter mints purchase receipt tokens.
type Minter interface {
	Mint(ctx context.Context, to common.Address, tokenURI string, submission common.Address) (*big.Int, common.Hash, error)
}

// Index is the read index the write flows reconcile against.
type Index interface {
	PictureRequest(ctx context.Context, id string) (*index.RequestRecord, error)
	Submission(ctx context.Context, id string) (*index.SubmissionRecord, error)
	Comment(ctx context.Context, id string) (*index.CommentRecord, error)
	Purchase(ctx context.Context, submission, buyer string) (*market.PurchaseRecord, error)
	PurchasesByBuyer(ctx context.Context, buyer string) ([]market.PurchaseRecord, error)
}

// Quoter returns the current exchange rate quote.
type Quoter interface {
	Rate(ctx context.Context) (market.PriceQuote, error)
}

// ContentCipher encrypts and decrypts content identifiers.
type ContentCipher interface {
	Encrypt(plainID string) (string, error)
	Decrypt(encrypted string) (string, error)
}

// Deps are the marketplace collaborators. Submissions, Prices and Cipher are
// required. Ledger and Index are needed by the write flows, NFT by minting.
// Store, Watermark and Coordinator default to in-memory implementations.
type Deps struct {
	Operator    common.Address
	Ledger      Ledger
	Submissions SubmissionReader
	NFT         Minter
	Index       Index
	Prices      Quoter
	Cipher      ContentCipher
	Store       content.Store
	Watermark   *watermark.Watermarker
	Coordinator *reconcile.Coordinator
	Auth        *auth.Authenticator
	Metrics     *metrics.Metrics

	// Components own backing resources such as database or Redis
	// connections. They are started first and stopped last.
	Components []Component
}

// Marketplace is the single service instance behind every entry point.
type Marketplace struct {
	log     *logging.Logger
	metrics *metrics.Metrics
	manager *Manager

	operator    common.Address
	ledger      Ledger
	submissions SubmissionReader
	nft         Minter
	index       Index
	prices      Quoter
	cipher      ContentCipher
	store       content.Store
	watermark   *watermark.Watermarker
	coordinator *reconcile.Coordinator
	auth        *auth.Authenticator

	gateway  *access.Gateway
	resolver *access.Resolver
	now      func() time.Time
}

// New assembles a marketplace from deps.
func New(deps Deps, log *logging.Logger) (*Marketplace, error) {
	if log == nil {
		log = logging.NewDefault("marketplace")
	}
	if deps.Submissions == nil {
		return nil, svcerrors.Internal("submission reader required", nil)
	}
	if deps.Prices == nil {
		return nil, svcerrors.Internal("price quoter required", nil)
	}
	if deps.Cipher == nil {
		return nil, svcerrors.Internal("content cipher required", nil)
	}
	if deps.Store == nil {
		deps.Store = content.NewMemoryStore("")
	}
	if deps.Watermark == nil {
		deps.Watermark = watermark.New(nil, watermark.DefaultOpacity)
	}
	if deps.Coordinator == nil {
		deps.Coordinator = reconcile.NewCoordinator(reconcile.Config{}, log.Named("reconcile"), deps.Metrics, nil)
	}

	var purchases access.PurchaseIndex
	if deps.Index != nil {
		purchases = deps.Index
	}
	verifier := access.NewVerifier(deps.Submissions, purchases, log.Named("access"))
	gateway := access.NewGateway(verifier, deps.Cipher, log.Named("access"), deps.Metrics)

	m := &Marketplace{
		log:         log,
		metrics:     deps.Metrics,
		manager:     NewManager(log),
		operator:    deps.Operator,
		ledger:      deps.Ledger,
		submissions: deps.Submissions,
		nft:         deps.NFT,
		index:       deps.Index,
		prices:      deps.Prices,
		cipher:      deps.Cipher,
		store:       deps.Store,
		watermark:   deps.Watermark,
		coordinator: deps.Coordinator,
		auth:        deps.Auth,
		gateway:     gateway,
		resolver:    access.NewResolver(gateway),
		now:         time.Now,
	}

	for _, c := range deps.Components {
		if err := m.manager.Register(c); err != nil {
			return nil, err
		}
	}
	if c, ok := deps.Prices.(Component); ok {
		if err := m.manager.Register(c); err != nil {
			return nil, err
		}
	}
	if err := m.manager.Register(ComponentFuncs{
		ComponentName: "reconcile-coordinator",
		StopFunc:      m.coordinator.Shutdown,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Attach registers an additional lifecycle-managed component. Call before Start.
func (m *Marketplace) Attach(c Component) error {
	return m.manager.Register(c)
}

func (m *Marketplace) Start(ctx context.Context) error {
	return m.manager.Start(ctx)
}

func (m *Marketplace) Stop(ctx context.Context) error {
	return m.manager.Stop(ctx)
}

// Auth returns the session authenticator, or nil when sign-in is disabled.
func (m *Marketplace) Auth() *auth.Authenticator { return m.auth }

// Coordinator returns the write coordinator.
func (m *Marketplace) Coordinator() *reconcile.Coordinator { return m.coordinator }

// Metrics returns the metrics collectors, possibly nil.
func (m *Marketplace) Metrics() *metrics.Metrics { return m.metrics }

// Operator returns the address the write flows sign with.
func (m *Marketplace) Operator() common.Address { return m.operator }

func (m *Marketplace) requireWrites() error {
	if m.ledger == nil || m.operator == (common.Address{}) {
		return svcerrors.Unavailable("ledger writes are not configured", nil)
	}
	if m.index == nil {
		return svcerrors.Unavailable("index is not configured", nil)
	}
	return nil
}

// =============================================================================
// Pricing and content identifiers
// =============================================================================

// Price converts a fiat price in minor units at the current quote.
func (m *Marketplace) Price(ctx context.Context, priceMinorUnits uint64) (pricing.Conversion, error) {
	quote, err := m.prices.Rate(ctx)
	if err != nil {
		return pricing.Conversion{}, err
	}
	return pricing.Convert(priceMinorUnits, quote)
}

// Encrypt hides a content identifier.
func (m *Marketplace) Encrypt(plainID string) (string, error) {
	if strings.TrimSpace(plainID) == "" {
		return "", svcerrors.Validation("picture id is required")
	}
	return m.cipher.Encrypt(plainID)
}

// Decrypt releases the identifier behind encryptedID to requester once the
// purchase of submission is verified.
func (m *Marketplace) Decrypt(ctx context.Context, requester, submission, encryptedID string) (string, error) {
	return m.gateway.ProtectedIdentifier(ctx, requester, submission, encryptedID)
}

// Watermark stamps an uploaded image and returns PNG bytes.
func (m *Marketplace) Watermark(r io.Reader) ([]byte, error) {
	return m.watermark.Apply(r)
}

// =============================================================================
// Reads
// =============================================================================

// SubmissionView is a submission as a given viewer sees it.
type SubmissionView struct {
	Item     market.ContentItem `json:"-"`
	ImageID  string             `json:"imageId"`
	ImageURL string             `json:"imageUrl"`
	Unlocked bool               `json:"unlocked"`
}

// ViewSubmission loads an indexed submission and resolves which image the
// viewer may see. An empty viewer sees the public image.
func (m *Marketplace) ViewSubmission(ctx context.Context, viewer, id string) (SubmissionView, error) {
	if m.index == nil {
		return SubmissionView{}, svcerrors.Unavailable("index is not configured", nil)
	}
	item, found, err := m.indexedSubmission(ctx, id)
	if err != nil {
		return SubmissionView{}, err
	}
	if !found {
		return SubmissionView{}, svcerrors.NotFound("submission")
	}
	imageID, unlocked, err := m.resolver.Resolve(ctx, viewer, item)
	if err != nil {
		return SubmissionView{}, err
	}
	return SubmissionView{Item: item, ImageID: imageID, ImageURL: m.store.URL(imageID), Unlocked: unlocked}, nil
}

func (m *Marketplace) indexedSubmission(ctx context.Context, id string) (market.ContentItem, bool, error) {
	rec, err := m.index.Submission(ctx, id)
	if err != nil || rec == nil {
		return market.ContentItem{}, false, err
	}
	var meta content.SubmissionMetadata
	if err := m.store.FetchJSON(ctx, rec.MetadataHash, &meta); err != nil {
		return market.ContentItem{}, false, err
	}
	item, err := meta.ContentItem(rec.ID, rec.RequestID, rec.Submitter, rec.MetadataHash, rec.PriceMinorUnits)
	if err != nil {
		return market.ContentItem{}, false, svcerrors.Decode("submission metadata "+rec.MetadataHash, err)
	}
	item.CreatedAt = rec.CreatedAt
	item.Purchases = rec.Purchases
	return item, true, nil
}

// PurchaseView is an indexed purchase joined with its submission document.
type PurchaseView struct {
	market.PurchaseRecord
	Description string `json:"description"`
	EncryptedID string `json:"encryptedPictureId"`
}

// Purchases lists the indexed purchases of buyer, newest first. Documents
// that cannot be loaded leave the description and identifier empty.
func (m *Marketplace) Purchases(ctx context.Context, buyer string) ([]PurchaseView, error) {
	if m.index == nil {
		return nil, svcerrors.Unavailable("index is not configured", nil)
	}
	records, err := m.index.PurchasesByBuyer(ctx, buyer)
	if err != nil {
		return nil, err
	}
	views := make([]PurchaseView, 0, len(records))
	for _, rec := range records {
		view := PurchaseView{PurchaseRecord: rec}
		if sub, err := m.index.Submission(ctx, rec.ContentID); err == nil && sub != nil {
			var meta content.SubmissionMetadata
			if err := m.store.FetchJSON(ctx, sub.MetadataHash, &meta); err == nil {
				view.Description = meta.Description
				view.EncryptedID = meta.EncryptedImageID
			} else {
				m.log.WithContext(ctx).WithError(err).WithField("submission", rec.ContentID).Warn("load submission document")
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// =============================================================================
// NFT mint
// =============================================================================

// MintForSubmission mints a receipt token to buyer after verifying the
// purchase on the ledger. A revert or missing mint event is reported as
// Forbidden.
func (m *Marketplace) MintForSubmission(ctx context.Context, buyer, submission, tokenURI string) (*big.Int, error) {
	if m.nft == nil {
		return nil, svcerrors.Unavailable("NFT minting is not configured", nil)
	}
	if strings.TrimSpace(tokenURI) == "" {
		return nil, svcerrors.Validation("tokenURI is required")
	}
	buyerAddr, err := market.NormalizeAddress(buyer)
	if err != nil {
		return nil, err
	}
	subAddr, err := market.NormalizeAddress(submission)
	if err != nil {
		return nil, err
	}

	to, sub := common.HexToAddress(buyerAddr), common.HexToAddress(subAddr)
	purchased, err := m.submissions.HasPurchased(ctx, sub, to)
	if err != nil {
		return nil, svcerrors.Internal("purchase verification failed", err)
	}
	if !purchased {
		m.log.LogSecurityEvent(ctx, "mint_without_purchase", map[string]interface{}{
			"buyer":      buyerAddr,
			"submission": subAddr,
		})
		return nil, svcerrors.NotPurchased(buyerAddr, subAddr)
	}

	tokenID, tx, err := m.nft.Mint(ctx, to, tokenURI, sub)
	if err != nil {
		entry := m.log.WithContext(ctx).WithError(err).WithField("kind", svcerrors.KindOf(err)).WithField("submission", subAddr)
		if tx != (common.Hash{}) {
			entry = entry.WithField("tx_hash", tx.Hex())
		}
		entry.Error("mint failed")
		switch svcerrors.KindOf(err) {
		case svcerrors.CodeChain, svcerrors.CodeEventNotFound:
			return nil, svcerrors.Forbidden("mint failed")
		}
		return nil, err
	}
	m.log.WithContext(ctx).WithFields(map[string]interface{}{
		"buyer":      buyerAddr,
		"submission": subAddr,
		"token_id":   tokenID.String(),
		"tx_hash":    tx.Hex(),
	}).Info("receipt token minted")
	return tokenID, nil
}

// =============================================================================
// Write flows
// =============================================================================

// RequestInput describes a new picture request. Image is optional.
type RequestInput struct {
	Title            string
	Description      string
	Image            io.Reader
	ImageName        string
	BudgetMinorUnits uint64
	ExpiresAt        time.Time
}

// CreatePictureRequest uploads the request document, returns the optimistic
// request and reconciles it in the background.
func (m *Marketplace) CreatePictureRequest(ctx context.Context, in RequestInput, cb reconcile.Callbacks[market.PictureRequest]) (reconcile.Projection[market.PictureRequest], error) {
	var zero reconcile.Projection[market.PictureRequest]
	if err := m.requireWrites(); err != nil {
		return zero, err
	}
	now := m.now().UTC()
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = now.Add(market.DefaultRequestLifetime)
	}
	draft := market.PictureRequest{Title: in.Title, BudgetMinorUnits: in.BudgetMinorUnits, CreatedAt: now, ExpiresAt: in.ExpiresAt}
	if err := draft.Validate(); err != nil {
		return zero, err
	}

	meta := content.RequestMetadata{Title: in.Title, Description: in.Description}
	if in.Image != nil {
		id, err := m.store.UploadFile(ctx, in.ImageName, in.Image)
		if err != nil {
			return zero, err
		}
		meta.ImageID = id
	}
	if err := meta.Validate(); err != nil {
		return zero, err
	}
	metadataID, err := m.store.UploadJSON(ctx, meta)
	if err != nil {
		return zero, err
	}

	return reconcile.Submit[market.PictureRequest](ctx, m.coordinator, &requestAction{
		m:          m,
		meta:       meta,
		metadataID: metadataID,
		budget:     in.BudgetMinorUnits,
		createdAt:  now,
		expiresAt:  in.ExpiresAt,
	}, cb)
}

// SubmissionInput describes a new submission. A zero price publishes the
// image as is; a positive price publishes an encrypted identifier of the
// original and a watermarked preview.
type SubmissionInput struct {
	RequestID       string
	Description     string
	Image           io.Reader
	ImageName       string
	PriceMinorUnits uint64
}

// CreateSubmission uploads the images and document, returns the optimistic
// content item and reconciles it in the background.
func (m *Marketplace) CreateSubmission(ctx context.Context, in SubmissionInput, cb reconcile.Callbacks[market.ContentItem]) (reconcile.Projection[market.ContentItem], error) {
	var zero reconcile.Projection[market.ContentItem]
	if err := m.requireWrites(); err != nil {
		return zero, err
	}
	request, err := market.NormalizeAddress(in.RequestID)
	if err != nil {
		return zero, err
	}
	if in.Image == nil {
		return zero, svcerrors.Validation("image is required")
	}
	data, err := httputil.ReadAllStrict(in.Image, content.MaxObjectSize)
	if err != nil {
		return zero, svcerrors.Validation("image too large")
	}

	meta := content.SubmissionMetadata{Description: in.Description}
	if in.PriceMinorUnits == 0 {
		if meta.FreeImageID, err = m.store.UploadFile(ctx, in.ImageName, bytes.NewReader(data)); err != nil {
			return zero, err
		}
	} else {
		preview, err := m.watermark.Apply(bytes.NewReader(data))
		if err != nil {
			return zero, err
		}
		original, err := m.store.UploadFile(ctx, in.ImageName, bytes.NewReader(data))
		if err != nil {
			return zero, err
		}
		if meta.EncryptedImageID, err = m.cipher.Encrypt(original); err != nil {
			return zero, err
		}
		if meta.WatermarkedImageID, err = m.store.UploadFile(ctx, "watermarked-"+in.ImageName, bytes.NewReader(preview)); err != nil {
			return zero, err
		}
	}
	if err := meta.Validate(in.PriceMinorUnits); err != nil {
		return zero, err
	}
	metadataID, err := m.store.UploadJSON(ctx, meta)
	if err != nil {
		return zero, err
	}

	return reconcile.Submit[market.ContentItem](ctx, m.coordinator, &submissionAction{
		m:          m,
		request:    common.HexToAddress(request),
		meta:       meta,
		metadataID: metadataID,
		price:      in.PriceMinorUnits,
		createdAt:  m.now().UTC(),
	}, cb)
}

// CreateComment uploads the comment document, returns the optimistic comment
// and reconciles it in the background.
func (m *Marketplace) CreateComment(ctx context.Context, requestID, text string, cb reconcile.Callbacks[market.Comment]) (reconcile.Projection[market.Comment], error) {
	var zero reconcile.Projection[market.Comment]
	if err := m.requireWrites(); err != nil {
		return zero, err
	}
	request, err := market.NormalizeAddress(requestID)
	if err != nil {
		return zero, err
	}
	meta := content.CommentMetadata{Text: text}
	if err := meta.Validate(); err != nil {
		return zero, err
	}
	metadataID, err := m.store.UploadJSON(ctx, meta)
	if err != nil {
		return zero, err
	}

	return reconcile.Submit[market.Comment](ctx, m.coordinator, &commentAction{
		m:          m,
		request:    common.HexToAddress(request),
		meta:       meta,
		metadataID: metadataID,
		createdAt:  m.now().UTC(),
	}, cb)
}

// PurchaseResult is an optimistic purchase and the payment it sends.
type PurchaseResult struct {
	Projection reconcile.Projection[market.PurchaseRecord]
	Conversion pricing.Conversion
}

// PurchaseSubmission prices the submission at the current quote, pays with
// the operator key and reconciles the purchase record in the background.
func (m *Marketplace) PurchaseSubmission(ctx context.Context, submission string, cb reconcile.Callbacks[market.PurchaseRecord]) (PurchaseResult, error) {
	if err := m.requireWrites(); err != nil {
		return PurchaseResult{}, err
	}
	subAddr, err := market.NormalizeAddress(submission)
	if err != nil {
		return PurchaseResult{}, err
	}
	sub := common.HexToAddress(subAddr)

	price, err := m.submissions.Price(ctx, sub)
	if err != nil {
		return PurchaseResult{}, err
	}
	minor, err := market.MinorUnits(price)
	if err != nil {
		return PurchaseResult{}, svcerrors.Decode("submission price", err)
	}
	if minor == 0 {
		return PurchaseResult{}, svcerrors.Validation("free content cannot be purchased")
	}
	conversion, err := m.Price(ctx, minor)
	if err != nil {
		return PurchaseResult{}, err
	}

	proj, err := reconcile.Submit[market.PurchaseRecord](ctx, m.coordinator, &purchaseAction{
		m:          m,
		submission: sub,
		conversion: conversion,
		createdAt:  m.now().UTC(),
	}, cb)
	if err != nil {
		return PurchaseResult{}, err
	}
	return PurchaseResult{Projection: proj, Conversion: conversion}, nil
}
