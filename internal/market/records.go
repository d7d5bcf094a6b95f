package market

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

// PurchaseRecord is a confirmed purchase. Records are only built from
// ledger events or index entries derived from them.
type PurchaseRecord struct {
	Buyer           string    `json:"buyer"`
	ContentID       string    `json:"contentId"`
	PriceMinorUnits uint64    `json:"price"`
	PurchasedAt     time.Time `json:"purchasedAt"`
	TxHash          string    `json:"txHash,omitempty"`
}

// PictureRequest asks creators for a picture against a budget.
type PictureRequest struct {
	ID               string    `json:"id"`
	Creator          string    `json:"creator"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	ImageID          string    `json:"imageId,omitempty"`
	MetadataHash     string    `json:"metadataHash"`
	BudgetMinorUnits uint64    `json:"budget"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Comment is a note attached to a picture request.
type Comment struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"requestId"`
	Commenter    string    `json:"commenter"`
	Text         string    `json:"text"`
	MetadataHash string    `json:"metadataHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DefaultRequestLifetime is applied when a request has no explicit expiry.
const DefaultRequestLifetime = 365 * 24 * time.Hour

// NormalizeAddress validates a hex ledger address and returns its
// lower-case form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", svcerrors.Validation("invalid address: " + addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// UnixTime converts a ledger timestamp in seconds.
func UnixTime(seconds *big.Int) time.Time {
	if seconds == nil || !seconds.IsInt64() {
		return time.Time{}
	}
	return time.Unix(seconds.Int64(), 0).UTC()
}

// MinorUnits converts a ledger amount to uint64 minor units.
func MinorUnits(v *big.Int) (uint64, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, svcerrors.Validation("amount out of range")
	}
	return v.Uint64(), nil
}

// FormatMinorUnits renders minor units as a decimal amount, e.g. 1999 -> "19.99".
func FormatMinorUnits(minor uint64) string {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(minor), big.NewInt(100)).FloatString(2)
}

func (p PurchaseRecord) Validate() error {
	if _, err := NormalizeAddress(p.Buyer); err != nil {
		return err
	}
	if _, err := NormalizeAddress(p.ContentID); err != nil {
		return err
	}
	return nil
}

func (r PictureRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return svcerrors.Validation("title is required")
	}
	if r.BudgetMinorUnits == 0 {
		return svcerrors.Validation("budget must be positive")
	}
	if !r.ExpiresAt.IsZero() && !r.CreatedAt.IsZero() && !r.ExpiresAt.After(r.CreatedAt) {
		return svcerrors.Validation("expiry must be after creation")
	}
	return nil
}

func (c Comment) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return svcerrors.Validation("comment content is required")
	}
	if _, err := NormalizeAddress(c.RequestID); err != nil {
		return err
	}
	return nil
}
