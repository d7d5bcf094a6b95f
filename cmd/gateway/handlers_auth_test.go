package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmypic/service_layer/internal/middleware"
)

func TestVerifySetsSessionCookie(t *testing.T) {
	f := newFixture(t, func(cfg *routerConfig) { cfg.SecureCookies = true })
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	challenge, err := f.auth.Challenge(context.Background(), address)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/auth/verify", map[string]string{
		"address":   address,
		"message":   challenge.Message,
		"signature": signMessage(t, key, challenge.Message),
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, decodeBody(t, rec)["token"], cookie.Value)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(cookie)
	me := httptest.NewRecorder()
	f.handler.ServeHTTP(me, req)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Equal(t, address, decodeBody(t, me)["address"])
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	f := newFixture(t, nil)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	challenge, err := f.auth.Challenge(context.Background(), address)
	require.NoError(t, err)
	body := map[string]string{
		"address":   address,
		"message":   challenge.Message,
		"signature": signMessage(t, key, challenge.Message),
	}

	rec := f.do(t, http.MethodPost, "/auth/verify", body, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/verify", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	f := newFixture(t, nil)
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	impostor, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := strings.ToLower(crypto.PubkeyToAddress(owner.PublicKey).Hex())

	challenge, err := f.auth.Challenge(context.Background(), address)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/auth/verify", map[string]string{
		"address":   address,
		"message":   challenge.Message,
		"signature": signMessage(t, impostor, challenge.Message),
	}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestLogoutRevokesSessionAndClearsCookie(t *testing.T) {
	f := newFixture(t, nil)
	token, _ := f.signIn(t)

	rec := f.do(t, http.MethodGet, "/auth/me", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/logout", nil, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cleared *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			cleared = c
		}
	}
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)

	rec = f.do(t, http.MethodGet, "/auth/me", nil, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNonceRejectsMalformedAddress(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/auth/nonce", map[string]string{"address": "not-an-address"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody(t, rec)["code"])
}
