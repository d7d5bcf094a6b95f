// Package market holds the marketplace domain model: requests, priced
// submissions, purchases and comments, plus exchange-rate quotes.
package market

import (
	"strings"
	"time"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

// Kind tags a content item as free or paid.
type Kind string

const (
	KindFree Kind = "free"
	KindPaid Kind = "paid"
)

// ContentItem is a submission answering a picture request. A free item
// carries only FreeID; a paid item carries EncryptedID and PreviewID and a
// positive price.
type ContentItem struct {
	ID              string
	RequestID       string
	Creator         string
	Description     string
	MetadataHash    string
	PriceMinorUnits uint64
	Kind            Kind
	FreeID          string
	EncryptedID     string
	PreviewID       string
	CreatedAt       time.Time
	Purchases       []PurchaseRecord
}

// NewFreeContent builds a validated free item.
func NewFreeContent(id, requestID, creator, freeID string) (ContentItem, error) {
	item := ContentItem{
		ID:        id,
		RequestID: requestID,
		Creator:   creator,
		Kind:      KindFree,
		FreeID:    freeID,
	}
	return item, item.Validate()
}

// NewPaidContent builds a validated paid item.
func NewPaidContent(id, requestID, creator string, priceMinorUnits uint64, encryptedID, previewID string) (ContentItem, error) {
	item := ContentItem{
		ID:              id,
		RequestID:       requestID,
		Creator:         creator,
		Kind:            KindPaid,
		PriceMinorUnits: priceMinorUnits,
		EncryptedID:     encryptedID,
		PreviewID:       previewID,
	}
	return item, item.Validate()
}

// ClassifyContent decides the kind of a submission from its identifiers.
// Exactly one of the free or paid shapes must be present.
func ClassifyContent(priceMinorUnits uint64, freeID, encryptedID, previewID string) (Kind, error) {
	hasFree := strings.TrimSpace(freeID) != ""
	hasPaid := strings.TrimSpace(encryptedID) != "" || strings.TrimSpace(previewID) != ""

	switch {
	case hasFree && hasPaid:
		return "", svcerrors.Validation("content cannot be both free and paid")
	case hasFree:
		if priceMinorUnits != 0 {
			return "", svcerrors.Validation("free content must have zero price")
		}
		return KindFree, nil
	case hasPaid:
		if strings.TrimSpace(encryptedID) == "" || strings.TrimSpace(previewID) == "" {
			return "", svcerrors.Validation("paid content requires both encrypted and preview identifiers")
		}
		if priceMinorUnits == 0 {
			return "", svcerrors.Validation("paid content must have a positive price")
		}
		return KindPaid, nil
	default:
		return "", svcerrors.Validation("content requires either a free identifier or encrypted and preview identifiers")
	}
}

// Validate checks that the item's fields agree with its kind.
func (c ContentItem) Validate() error {
	kind, err := ClassifyContent(c.PriceMinorUnits, c.FreeID, c.EncryptedID, c.PreviewID)
	if err != nil {
		return err
	}
	if c.Kind != "" && c.Kind != kind {
		return svcerrors.Validation("content kind does not match its identifiers")
	}
	return nil
}

// IsFree reports whether the item is free.
func (c ContentItem) IsFree() bool {
	return c.Kind == KindFree
}

// PublicID returns the identifier anyone may see: the plaintext identifier
// of a free item or the watermarked preview of a paid one.
func (c ContentItem) PublicID() string {
	if c.IsFree() {
		return c.FreeID
	}
	return c.PreviewID
}

// PurchasedBy reports whether buyer appears in the item's purchase records.
func (c ContentItem) PurchasedBy(buyer string) bool {
	for _, p := range c.Purchases {
		if strings.EqualFold(p.Buyer, buyer) {
			return true
		}
	}
	return false
}
