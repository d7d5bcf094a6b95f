package access

import (
	"context"
	"strings"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/market"
	"github.com/fixmypic/service_layer/internal/metrics"
)

// Decrypter recovers a plaintext content identifier.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Access decision outcomes recorded in metrics.
const (
	OutcomeGranted       = "granted"
	OutcomeDenied        = "denied"
	OutcomeInvalid       = "invalid"
	OutcomeVerifyFailed  = "verify_error"
	OutcomeDecryptFailed = "decrypt_error"
)

// Gateway releases decrypted identifiers to verified purchasers.
type Gateway struct {
	verifier  Verifier
	decrypter Decrypter
	log       *logging.Logger
	metrics   *metrics.Metrics
}

func NewGateway(verifier Verifier, decrypter Decrypter, log *logging.Logger, m *metrics.Metrics) *Gateway {
	if log == nil {
		log = logging.NewNop()
	}
	return &Gateway{verifier: verifier, decrypter: decrypter, log: log, metrics: m}
}

// ProtectedIdentifier validates the request, verifies the purchase and only
// then decrypts encryptedID.
func (g *Gateway) ProtectedIdentifier(ctx context.Context, requester, contentID, encryptedID string) (string, error) {
	if strings.TrimSpace(encryptedID) == "" {
		g.metrics.RecordAccessDecision(OutcomeInvalid)
		return "", svcerrors.Validation("encrypted identifier is required")
	}
	buyer, err := market.NormalizeAddress(requester)
	if err != nil {
		g.metrics.RecordAccessDecision(OutcomeInvalid)
		return "", err
	}
	content, err := market.NormalizeAddress(contentID)
	if err != nil {
		g.metrics.RecordAccessDecision(OutcomeInvalid)
		return "", err
	}

	purchased, err := g.verifier.HasPurchased(ctx, buyer, content)
	if err != nil {
		g.metrics.RecordAccessDecision(OutcomeVerifyFailed)
		g.log.WithContext(ctx).WithError(err).WithField("kind", svcerrors.KindOf(err)).Error("purchase verification failed")
		if svcerrors.Is(err, svcerrors.CodeValidation) {
			return "", err
		}
		return "", svcerrors.Internal("purchase verification failed", err)
	}
	if !purchased {
		g.metrics.RecordAccessDecision(OutcomeDenied)
		g.log.LogSecurityEvent(ctx, "content_access_denied", map[string]interface{}{
			"buyer":   buyer,
			"content": content,
		})
		return "", svcerrors.NotPurchased(buyer, content)
	}

	plain, err := g.decrypter.Decrypt(encryptedID)
	if err != nil {
		g.metrics.RecordAccessDecision(OutcomeDecryptFailed)
		g.log.WithContext(ctx).WithError(err).WithField("kind", svcerrors.KindOf(err)).Error("decrypt after verified purchase failed")
		if se := svcerrors.GetServiceError(err); se != nil && se.Code == svcerrors.CodeCrypto {
			return "", err
		}
		return "", svcerrors.Crypto("decrypt content identifier", err)
	}
	g.metrics.RecordAccessDecision(OutcomeGranted)
	return plain, nil
}

// Resolver returns the identifier a viewer should load for an item.
type Resolver struct {
	gateway *Gateway
}

func NewResolver(gateway *Gateway) *Resolver {
	return &Resolver{gateway: gateway}
}

// Resolve returns the plaintext identifier of a free item directly. For a
// paid item it returns the original when viewer has purchased it and the
// watermarked preview otherwise. unlocked reports which one was returned.
func (r *Resolver) Resolve(ctx context.Context, viewer string, item market.ContentItem) (id string, unlocked bool, err error) {
	if err := item.Validate(); err != nil {
		return "", false, err
	}
	if item.IsFree() {
		return item.FreeID, true, nil
	}
	if viewer == "" {
		return item.PreviewID, false, nil
	}
	plain, err := r.gateway.ProtectedIdentifier(ctx, viewer, item.ID, item.EncryptedID)
	if err != nil {
		if svcerrors.Is(err, svcerrors.CodeForbidden) {
			return item.PreviewID, false, nil
		}
		return "", false, err
	}
	return plain, true, nil
}
