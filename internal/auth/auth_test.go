package auth

import (
	"context"
	"crypto/ecdsa"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

func newWallet(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

// personalSign signs like a browser wallet: EIP-191 hash, V in {27, 28}.
func personalSign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func newAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(Config{Secret: []byte("session-secret"), Domain: "fixmypic.test"}, NewMemoryNonceStore(), nil)
	require.NoError(t, err)
	return a
}

func TestSignInRoundTrip(t *testing.T) {
	a := newAuthenticator(t)
	ctx := context.Background()
	key, addr := newWallet(t)

	ch, err := a.Challenge(ctx, addr)
	require.NoError(t, err)
	assert.Contains(t, ch.Message, "Nonce: "+ch.Nonce)
	assert.True(t, strings.HasPrefix(ch.Message, "fixmypic.test wants you to sign in"))

	session, err := a.Verify(ctx, addr, ch.Message, personalSign(t, key, ch.Message))
	require.NoError(t, err)
	assert.Equal(t, addr, session.Address)

	claims, err := a.Authenticate(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, addr, claims.Address)
}

func TestNonceIsSingleUse(t *testing.T) {
	a := newAuthenticator(t)
	ctx := context.Background()
	key, addr := newWallet(t)

	ch, err := a.Challenge(ctx, addr)
	require.NoError(t, err)
	sig := personalSign(t, key, ch.Message)

	_, err = a.Verify(ctx, addr, ch.Message, sig)
	require.NoError(t, err)
	_, err = a.Verify(ctx, addr, ch.Message, sig)
	assert.ErrorIs(t, err, svcerrors.ErrUnauthorized)
}

func TestSignatureFromAnotherWalletRejected(t *testing.T) {
	a := newAuthenticator(t)
	ctx := context.Background()
	_, addr := newWallet(t)
	other, _ := newWallet(t)

	ch, err := a.Challenge(ctx, addr)
	require.NoError(t, err)
	_, err = a.Verify(ctx, addr, ch.Message, personalSign(t, other, ch.Message))
	assert.ErrorIs(t, err, svcerrors.ErrUnauthorized)
}

func TestExpiredNonceRejected(t *testing.T) {
	store := NewMemoryNonceStore()
	a, err := New(Config{Secret: []byte("s"), Domain: "fixmypic.test", NonceTTL: time.Minute}, store, nil)
	require.NoError(t, err)
	ctx := context.Background()
	key, addr := newWallet(t)

	ch, err := a.Challenge(ctx, addr)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = a.Verify(ctx, addr, ch.Message, personalSign(t, key, ch.Message))
	assert.ErrorIs(t, err, svcerrors.ErrUnauthorized)
}

func TestMalformedSignature(t *testing.T) {
	_, err := RecoverSigner("hello", "0x1234")
	assert.ErrorIs(t, err, svcerrors.ErrUnauthorized)
}

func TestRevokedSessionRejected(t *testing.T) {
	a := newAuthenticator(t)
	ctx := context.Background()
	session, err := a.issue("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, session.Token))
	_, err = a.Authenticate(ctx, session.Token)
	assert.Equal(t, svcerrors.CodeInvalidToken, svcerrors.KindOf(err))
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	a := newAuthenticator(t)
	claims := &Claims{
		Address: "0x1111111111111111111111111111111111111111",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "x",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), forged)
	assert.Equal(t, svcerrors.CodeInvalidToken, svcerrors.KindOf(err))
}

func TestExpiredSessionRejected(t *testing.T) {
	a := newAuthenticator(t)
	session, err := a.issue("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)

	a.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = a.Authenticate(context.Background(), session.Token)
	assert.Equal(t, svcerrors.CodeInvalidToken, svcerrors.KindOf(err))
}

func TestMemoryNonceStorePutKeepsExisting(t *testing.T) {
	s := NewMemoryNonceStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "first", time.Minute))
	require.NoError(t, s.Put(ctx, "k", "second", time.Minute))

	v, ok, err := s.Take(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", v)

	_, ok, _ = s.Take(ctx, "k")
	assert.False(t, ok)
}

func TestRedisNonceStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := NewRedisNonceStore(ctx, url, "test:"+t.Name()+":")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "k", "v", time.Minute))
	ok, err := s.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	v, ok, err := s.Take(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok, err = s.Take(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
