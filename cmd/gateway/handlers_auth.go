package main

import (
	"context"
	"net/http"
	"time"

	"github.com/fixmypic/service_layer/internal/auth"
	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/httputil"
	"github.com/fixmypic/service_layer/internal/middleware"
)

// walletAuth is the wallet sign-in flow.
type walletAuth interface {
	Challenge(ctx context.Context, address string) (auth.Challenge, error)
	Verify(ctx context.Context, address, message, signature string) (auth.Session, error)
	Revoke(ctx context.Context, token string) error
}

type authHandlers struct {
	auth          walletAuth
	secureCookies bool
}

// =============================================================================
// Auth Handlers
// =============================================================================

func (h *authHandlers) nonce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := httputil.DecodeJSON(r, maxJSONBody, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	challenge, err := h.auth.Challenge(r.Context(), req.Address)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, challenge)
}

func (h *authHandlers) verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address   string `json:"address"`
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := httputil.DecodeJSON(r, maxJSONBody, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.Address == "" || req.Message == "" || req.Signature == "" {
		httputil.WriteError(w, r, svcerrors.Validation("address, message and signature are required"))
		return
	}

	session, err := h.auth.Verify(r.Context(), req.Address, req.Message, req.Signature)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *authHandlers) logout(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFrom(r.Context())
	if session == nil {
		httputil.WriteError(w, r, svcerrors.Unauthorized("Missing session"))
		return
	}
	if err := h.auth.Revoke(r.Context(), session.Token); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *authHandlers) me(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFrom(r.Context())
	if session == nil {
		httputil.WriteError(w, r, svcerrors.Unauthorized("Missing session"))
		return
	}
	body := map[string]interface{}{"address": session.Address}
	if session.Claims != nil && session.Claims.ExpiresAt != nil {
		body["expiresAt"] = session.Claims.ExpiresAt.Time.UTC()
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}
