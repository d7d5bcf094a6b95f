package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fixmypic/service_layer/internal/auth"
	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/httputil"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/metrics"
	"github.com/fixmypic/service_layer/internal/middleware"
)

// routerConfig wires the gateway. A nil Auth disables wallet sign-in.
type routerConfig struct {
	Marketplace marketplace
	Intents     intents
	Auth        *auth.Authenticator
	Metrics     *metrics.Metrics
	RateLimiter *middleware.RateLimiter
	Logger      *logging.Logger

	AllowedOrigins        []string
	AllowAssertedIdentity bool
	MaxUploadBytes        int64
	SecureCookies         bool
}

// signInDisabled rejects every presented session token.
type signInDisabled struct{}

func (signInDisabled) Authenticate(context.Context, string) (*auth.Claims, error) {
	return nil, svcerrors.Unauthorized("wallet sign-in is disabled")
}

// newRouter assembles the gateway. CORS wraps the router so preflight
// requests are answered for every path; the remaining middleware runs on
// matched routes only.
func newRouter(cfg routerConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	g := &gateway{
		mp:                    cfg.Marketplace,
		intents:               cfg.Intents,
		log:                   cfg.Logger,
		allowAssertedIdentity: cfg.AllowAssertedIdentity,
		maxUploadBytes:        cfg.MaxUploadBytes,
		startedAt:             time.Now(),
	}

	var sessions *middleware.SessionAuth
	if cfg.Auth != nil {
		sessions = middleware.NewSessionAuth(cfg.Auth, cfg.Logger.Named("session"))
	} else {
		sessions = middleware.NewSessionAuth(signInDisabled{}, cfg.Logger.Named("session"))
	}
	optional := func(h http.HandlerFunc) http.Handler { return sessions.Optional(h) }
	required := func(h http.HandlerFunc) http.Handler { return sessions.Required(h) }

	r := mux.NewRouter()
	r.Use(
		middleware.LoggingMiddleware(cfg.Logger),
		middleware.MetricsMiddleware("gateway", cfg.Metrics),
		middleware.RecoveryMiddleware(cfg.Logger),
	)
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Handler)
	}

	r.HandleFunc("/health", g.health).Methods(http.MethodGet)
	r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)

	r.Handle("/decrypt", optional(g.decrypt)).Methods(http.MethodPost)
	r.Handle("/mint", required(g.mint)).Methods(http.MethodPost)
	r.HandleFunc("/watermark", g.watermark).Methods(http.MethodPost)
	r.Handle("/encrypt", required(g.encrypt)).Methods(http.MethodPost)
	r.HandleFunc("/price", g.price).Methods(http.MethodGet)
	r.Handle("/submissions/{id}", optional(g.submission)).Methods(http.MethodGet)
	r.Handle("/purchases", required(g.purchases)).Methods(http.MethodGet)
	r.HandleFunc("/intents", g.listIntents).Methods(http.MethodGet)
	r.HandleFunc("/intents/{id}", g.intent).Methods(http.MethodGet)

	if cfg.Auth != nil {
		a := &authHandlers{auth: cfg.Auth, secureCookies: cfg.SecureCookies}
		r.HandleFunc("/auth/nonce", a.nonce).Methods(http.MethodPost)
		r.HandleFunc("/auth/verify", a.verify).Methods(http.MethodPost)
		r.Handle("/auth/logout", required(a.logout)).Methods(http.MethodPost)
		r.Handle("/auth/me", required(a.me)).Methods(http.MethodGet)
	} else {
		r.PathPrefix("/auth/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteError(w, r, svcerrors.Unavailable("wallet sign-in is disabled", nil))
		})
	}

	return middleware.NewCORSMiddleware(cfg.AllowedOrigins).Handler(r)
}
