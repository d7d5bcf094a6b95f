// Package middleware provides HTTP middleware for the marketplace gateway.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/fixmypic/service_layer/internal/auth"
	"github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/httputil"
	"github.com/fixmypic/service_layer/internal/logging"
)

// SessionCookieName is read when no Authorization header is present.
const SessionCookieName = "session"

type sessionKey struct{}

// Session is the authenticated wallet attached to a request.
type Session struct {
	Address string
	Token   string
	Claims  *auth.Claims
}

// Authenticator validates session tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Claims, error)
}

// SessionAuth attaches wallet sessions to requests.
type SessionAuth struct {
	auth   Authenticator
	logger *logging.Logger
}

func NewSessionAuth(a Authenticator, logger *logging.Logger) *SessionAuth {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SessionAuth{auth: a, logger: logger}
}

// Optional attaches a session when a token is presented. Requests without a
// token pass through; a presented but invalid token is rejected.
func (m *SessionAuth) Optional(next http.Handler) http.Handler {
	return m.handler(next, false)
}

// Required rejects requests without a valid session.
func (m *SessionAuth) Required(next http.Handler) http.Handler {
	return m.handler(next, true)
}

func (m *SessionAuth) handler(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		if token == "" {
			if required {
				m.respondError(w, r, errors.Unauthorized("Missing session"))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.auth.Authenticate(r.Context(), token)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.Address)
		ctx = context.WithValue(ctx, sessionKey{}, &Session{Address: claims.Address, Token: token, Claims: claims})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", errors.Unauthorized("Invalid Authorization header format")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", nil
}

func (m *SessionAuth) respondError(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("Authentication failed")
	httputil.WriteError(w, r, err)
}

// SessionFrom returns the request's session, or nil.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// SessionAddress returns the authenticated wallet address, or "".
func SessionAddress(ctx context.Context) string {
	if s := SessionFrom(ctx); s != nil {
		return s.Address
	}
	return ""
}
