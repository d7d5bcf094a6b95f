package index

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/market"
)

// RequestRecord is the indexed ledger view of a picture request. Title and
// description live in the metadata document at MetadataHash.
type RequestRecord struct {
	ID               string
	Creator          string
	MetadataHash     string
	BudgetMinorUnits uint64
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// SubmissionRecord is the indexed ledger view of a submission.
type SubmissionRecord struct {
	ID              string
	RequestID       string
	Submitter       string
	MetadataHash    string
	PriceMinorUnits uint64
	CreatedAt       time.Time
	Purchases       []market.PurchaseRecord
}

// CommentRecord is the indexed ledger view of a comment.
type CommentRecord struct {
	ID           string
	RequestID    string
	Commenter    string
	MetadataHash string
	CreatedAt    time.Time
}

// decoder collects the first field error so the decode functions read as a
// flat list of fields.
type decoder struct {
	what string
	err  error
}

func (d *decoder) fail(field string, cause error) {
	if d.err == nil {
		d.err = svcerrors.Decode(d.what, fmt.Errorf("%s: %w", field, cause))
	}
}

func (d *decoder) address(node gjson.Result, field string) string {
	addr, err := market.NormalizeAddress(node.Get(field).String())
	if err != nil {
		d.fail(field, err)
	}
	return addr
}

func (d *decoder) amount(node gjson.Result, field string) uint64 {
	v, ok := parseBig(node.Get(field))
	if !ok {
		d.fail(field, fmt.Errorf("not an integer"))
		return 0
	}
	minor, err := market.MinorUnits(v)
	if err != nil {
		d.fail(field, err)
	}
	return minor
}

func (d *decoder) timestamp(node gjson.Result, field string) time.Time {
	v, ok := parseBig(node.Get(field))
	if !ok || !v.IsInt64() {
		d.fail(field, fmt.Errorf("not a timestamp"))
		return time.Time{}
	}
	return market.UnixTime(v)
}

func (d *decoder) text(node gjson.Result, field string) string {
	v := node.Get(field)
	if !present(v) || v.String() == "" {
		d.fail(field, fmt.Errorf("missing"))
	}
	return v.String()
}

func decodeRequest(node gjson.Result) (*RequestRecord, error) {
	d := &decoder{what: "picture request"}
	r := &RequestRecord{
		ID:               d.address(node, "id"),
		Creator:          d.address(node, "creator"),
		MetadataHash:     d.text(node, "ipfsHash"),
		BudgetMinorUnits: d.amount(node, "budget"),
		CreatedAt:        d.timestamp(node, "createdAt"),
		ExpiresAt:        d.timestamp(node, "expiresAt"),
	}
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

func decodeSubmission(node gjson.Result) (*SubmissionRecord, error) {
	d := &decoder{what: "request submission"}
	s := &SubmissionRecord{
		ID:              d.address(node, "id"),
		RequestID:       d.address(node, "request.id"),
		Submitter:       d.address(node, "submitter"),
		MetadataHash:    d.text(node, "ipfsHash"),
		PriceMinorUnits: d.amount(node, "price"),
		CreatedAt:       d.timestamp(node, "createdAt"),
	}
	if d.err != nil {
		return nil, d.err
	}
	for _, row := range node.Get("purchases").Array() {
		p, err := decodePurchase(row, s.ID)
		if err != nil {
			return nil, err
		}
		s.Purchases = append(s.Purchases, *p)
	}
	return s, nil
}

func decodeComment(node gjson.Result) (*CommentRecord, error) {
	d := &decoder{what: "request comment"}
	c := &CommentRecord{
		ID:           d.address(node, "id"),
		RequestID:    d.address(node, "request.id"),
		Commenter:    d.address(node, "commenter"),
		MetadataHash: d.text(node, "ipfsHash"),
		CreatedAt:    d.timestamp(node, "createdAt"),
	}
	if d.err != nil {
		return nil, d.err
	}
	return c, nil
}

// decodePurchase maps a submissionPurchase row. When submission is empty the
// row must carry submission { id }.
func decodePurchase(node gjson.Result, submission string) (*market.PurchaseRecord, error) {
	d := &decoder{what: "submission purchase"}
	if submission == "" {
		submission = d.address(node, "submission.id")
	}
	p := &market.PurchaseRecord{
		Buyer:           d.address(node, "purchaser"),
		ContentID:       submission,
		PriceMinorUnits: d.amount(node, "price"),
		PurchasedAt:     d.timestamp(node, "purchaseDate"),
	}
	if d.err != nil {
		return nil, d.err
	}
	return p, nil
}
