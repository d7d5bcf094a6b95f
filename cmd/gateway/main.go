// Command gateway serves the marketplace HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fixmypic/service_layer/internal/config"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/metrics"
	"github.com/fixmypic/service_layer/internal/middleware"
	"github.com/fixmypic/service_layer/internal/service"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.NewDefault("gateway").WithError(err).Fatal("load config")
	}
	log := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("gateway stopped")
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	lazy := service.NewSharedInitializer(cfg, log.Named("marketplace"), m)
	mp, err := lazy.Get(ctx)
	if err != nil {
		return err
	}
	if err := mp.Start(ctx); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst, log.Named("ratelimit"))
	limiter.StartCleanup(ctx, time.Minute)

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: newRouter(routerConfig{
			Marketplace:           mp,
			Intents:               mp.Coordinator(),
			Auth:                  mp.Auth(),
			Metrics:               m,
			RateLimiter:           limiter,
			Logger:                log,
			AllowedOrigins:        cfg.AllowedOrigins(),
			AllowAssertedIdentity: cfg.AllowAssertedIdentity,
			MaxUploadBytes:        cfg.MaxUploadBytes,
			SecureCookies:         cfg.IsProduction(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = mp.Stop(context.Background())
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := mp.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("marketplace stop")
	}
	log.Info("gateway stopped")
	return nil
}
