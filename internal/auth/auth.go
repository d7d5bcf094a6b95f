// Package auth implements wallet sign-in: a server-issued nonce, an
// EIP-191 signed message and an HS256 session token bound to the address.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/market"
)

const (
	DefaultSessionTTL = 24 * time.Hour
	DefaultNonceTTL   = 10 * time.Minute

	issuer = "fixmypic-service-layer"
)

// Config configures an Authenticator.
type Config struct {
	Secret     []byte
	Domain     string
	SessionTTL time.Duration
	NonceTTL   time.Duration
}

// Claims are carried by a session token.
type Claims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// Challenge is the message a wallet signs to sign in.
type Challenge struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is an issued session token.
type Session struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Authenticator struct {
	cfg   Config
	store NonceStore
	log   *logging.Logger
	now   func() time.Time
}

func New(cfg Config, store NonceStore, log *logging.Logger) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("session secret required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if store == nil {
		store = NewMemoryNonceStore()
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Authenticator{cfg: cfg, store: store, log: log, now: time.Now}, nil
}

func nonceKey(address, nonce string) string {
	return "nonce:" + address + ":" + nonce
}

func revokedKey(id string) string {
	return "revoked:" + id
}

// Challenge issues a fresh nonce for address.
func (a *Authenticator) Challenge(ctx context.Context, address string) (Challenge, error) {
	addr, err := market.NormalizeAddress(address)
	if err != nil {
		return Challenge{}, err
	}
	nonce, err := generateNonce()
	if err != nil {
		return Challenge{}, svcerrors.Internal("failed to generate nonce", err)
	}
	now := a.now().UTC()
	if err := a.store.Put(ctx, nonceKey(addr, nonce), addr, a.cfg.NonceTTL); err != nil {
		return Challenge{}, svcerrors.Unavailable("failed to store nonce", err)
	}
	return Challenge{
		Address:   addr,
		Nonce:     nonce,
		Message:   a.message(addr, nonce, now),
		ExpiresAt: now.Add(a.cfg.NonceTTL),
	}, nil
}

func (a *Authenticator) message(addr, nonce string, issuedAt time.Time) string {
	return fmt.Sprintf("%s wants you to sign in with your Ethereum account:\n%s\n\nSign in to view purchased pictures.\n\nNonce: %s\nIssued At: %s",
		a.cfg.Domain, common.HexToAddress(addr).Hex(), nonce, issuedAt.Format(time.RFC3339))
}

// Verify checks a signed challenge and issues a session. The nonce is
// consumed whether or not the signature is valid.
func (a *Authenticator) Verify(ctx context.Context, address, message, signature string) (Session, error) {
	addr, err := market.NormalizeAddress(address)
	if err != nil {
		return Session{}, err
	}
	if !strings.HasPrefix(message, a.cfg.Domain+" wants you to sign in") {
		return Session{}, svcerrors.Unauthorized("message is not for this domain")
	}
	nonce := messageField(message, "Nonce: ")
	if nonce == "" {
		return Session{}, svcerrors.Unauthorized("nonce not present in signed message")
	}

	owner, ok, err := a.store.Take(ctx, nonceKey(addr, nonce))
	if err != nil {
		return Session{}, svcerrors.Unavailable("nonce store unavailable", err)
	}
	if !ok || owner != addr {
		a.log.LogSecurityEvent(ctx, "sign_in_unknown_nonce", map[string]interface{}{"address": addr})
		return Session{}, svcerrors.Unauthorized("invalid or expired nonce")
	}

	signer, err := RecoverSigner(message, signature)
	if err != nil {
		return Session{}, err
	}
	if !strings.EqualFold(signer.Hex(), addr) {
		a.log.LogSecurityEvent(ctx, "sign_in_signature_mismatch", map[string]interface{}{
			"address": addr,
			"signer":  strings.ToLower(signer.Hex()),
		})
		return Session{}, svcerrors.Unauthorized("signature does not match address")
	}
	return a.issue(addr)
}

func (a *Authenticator) issue(addr string) (Session, error) {
	now := a.now()
	expires := now.Add(a.cfg.SessionTTL)
	claims := &Claims{
		Address: addr,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   addr,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return Session{}, svcerrors.Internal("failed to sign session", err)
	}
	return Session{Token: token, Address: addr, ExpiresAt: expires.UTC()}, nil
}

func (a *Authenticator) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.cfg.Secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, svcerrors.InvalidToken(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, svcerrors.InvalidToken(fmt.Errorf("invalid claims"))
	}
	if _, err := market.NormalizeAddress(claims.Address); err != nil {
		return nil, svcerrors.InvalidToken(err)
	}
	return claims, nil
}

// Authenticate validates a session token and rejects revoked ones.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := a.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := a.store.Has(ctx, revokedKey(claims.ID))
	if err != nil {
		return nil, svcerrors.Unavailable("session store unavailable", err)
	}
	if revoked {
		return nil, svcerrors.InvalidToken(fmt.Errorf("session revoked"))
	}
	return claims, nil
}

// Revoke invalidates token until it would have expired anyway.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	claims, err := a.parse(token)
	if err != nil {
		return err
	}
	ttl := a.cfg.SessionTTL
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Time.Sub(a.now())
	}
	if ttl <= 0 {
		return nil
	}
	if err := a.store.Put(ctx, revokedKey(claims.ID), claims.Address, ttl); err != nil {
		return svcerrors.Unavailable("failed to revoke session", err)
	}
	return nil
}

// RecoverSigner returns the address that produced an EIP-191 personal_sign
// signature over message.
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, svcerrors.Unauthorized("malformed signature")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, svcerrors.Unauthorized("invalid signature")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func messageField(message, prefix string) string {
	for _, line := range strings.Split(message, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}
