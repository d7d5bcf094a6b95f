package content

import (
	"strings"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/market"
)

// RequestMetadata is the document a picture request points at.
type RequestMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageID     string `json:"imageId,omitempty"`
}

func (m RequestMetadata) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return svcerrors.Validation("title is required")
	}
	if m.ImageID != "" {
		if _, err := ParseID(m.ImageID); err != nil {
			return err
		}
	}
	return nil
}

// SubmissionMetadata is the document a submission points at. It carries
// either a free image or the encrypted original plus a watermarked preview.
type SubmissionMetadata struct {
	Description        string `json:"description"`
	FreeImageID        string `json:"freeImageId,omitempty"`
	EncryptedImageID   string `json:"encryptedImageId,omitempty"`
	WatermarkedImageID string `json:"watermarkedImageId,omitempty"`
}

// Validate checks the free-or-paid shape against the on-chain price.
func (m SubmissionMetadata) Validate(priceMinorUnits uint64) error {
	kind, err := market.ClassifyContent(priceMinorUnits, m.FreeImageID, m.EncryptedImageID, m.WatermarkedImageID)
	if err != nil {
		return err
	}
	if kind == market.KindFree {
		_, err = ParseID(m.FreeImageID)
		return err
	}
	_, err = ParseID(m.WatermarkedImageID)
	return err
}

// ContentItem merges the document with the ledger record of a submission.
func (m SubmissionMetadata) ContentItem(id, requestID, creator, metadataID string, priceMinorUnits uint64) (market.ContentItem, error) {
	if err := m.Validate(priceMinorUnits); err != nil {
		return market.ContentItem{}, err
	}
	item := market.ContentItem{
		ID:              id,
		RequestID:       requestID,
		Creator:         creator,
		Description:     m.Description,
		MetadataHash:    metadataID,
		PriceMinorUnits: priceMinorUnits,
	}
	if priceMinorUnits == 0 {
		item.Kind = market.KindFree
		item.FreeID = m.FreeImageID
	} else {
		item.Kind = market.KindPaid
		item.EncryptedID = m.EncryptedImageID
		item.PreviewID = m.WatermarkedImageID
	}
	return item, item.Validate()
}

// CommentMetadata is the document a comment points at.
type CommentMetadata struct {
	Text string `json:"text"`
}

func (m CommentMetadata) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return svcerrors.Validation("comment text is required")
	}
	return nil
}
