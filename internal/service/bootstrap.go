package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fixmypic/service_layer/internal/auth"
	"github.com/fixmypic/service_layer/internal/chain"
	"github.com/fixmypic/service_layer/internal/cipher"
	"github.com/fixmypic/service_layer/internal/config"
	"github.com/fixmypic/service_layer/internal/content"
	"github.com/fixmypic/service_layer/internal/index"
	"github.com/fixmypic/service_layer/internal/journal"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/metrics"
	"github.com/fixmypic/service_layer/internal/pricing"
	"github.com/fixmypic/service_layer/internal/reconcile"
	"github.com/fixmypic/service_layer/internal/watermark"
)

const redisNoncePrefix = "fixmypic:auth:"

// NewSharedInitializer returns the initializer every entry point shares to
// obtain the one marketplace instance of the process.
func NewSharedInitializer(cfg *config.Config, log *logging.Logger, m *metrics.Metrics) *Initializer[*Marketplace] {
	return NewInitializer(func(ctx context.Context) (*Marketplace, error) {
		return Build(ctx, cfg, log, m)
	})
}

// Build connects every collaborator described by cfg. Backing resources
// opened here are released by Stop, or immediately when Build fails.
func Build(ctx context.Context, cfg *config.Config, log *logging.Logger, m *metrics.Metrics) (mp *Marketplace, err error) {
	if log == nil {
		log = logging.NewDefault("marketplace")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateLedger(); err != nil {
		return nil, err
	}

	var closers []Component
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Stop(context.Background())
		}
	}()

	client, err := chain.Dial(ctx, chain.Config{
		RPCURL:      cfg.RPCURL,
		ChainID:     cfg.ChainID,
		PrivateKey:  cfg.OperatorKey,
		WaitTimeout: cfg.TxWaitTimeout,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, ComponentFuncs{
		ComponentName: "chain-client",
		StopFunc: func(context.Context) error {
			client.Close()
			return nil
		},
	})

	deps := Deps{
		Submissions: chain.NewSubmissions(client),
		Metrics:     m,
	}
	if client.CanTransact() {
		deps.Operator = client.From()
		deps.Ledger = chain.NewFactory(common.HexToAddress(cfg.FactoryAddress), client)
		if cfg.NFTAddress != "" {
			deps.NFT = chain.NewNFT(common.HexToAddress(cfg.NFTAddress), client)
		}
	} else {
		log.Warn("OPERATOR_PRIVATE_KEY not set; ledger writes and minting disabled")
	}

	source := chain.NewPriceOracle(common.HexToAddress(cfg.PriceOracleAddress), client, cfg.OracleDecimals)
	deps.Prices = pricing.NewOracle(source, cfg.OracleRefreshInterval, log.Named("price-oracle"), m)

	if cfg.SubgraphURL != "" {
		idx, err := index.New(index.Config{URL: cfg.SubgraphURL})
		if err != nil {
			return nil, err
		}
		deps.Index = idx
	} else {
		log.Warn("SUBGRAPH_URL not set; purchases are verified on the ledger only and writes are disabled")
	}

	storeCfg := content.GatewayConfig{GatewayURL: cfg.IPFSGatewayURL}
	if cfg.PinataJWT != "" {
		storeCfg.PinningURL = cfg.PinataAPIURL
		storeCfg.PinningJWT = cfg.PinataJWT
	}
	if deps.Store, err = content.NewGatewayStore(storeCfg); err != nil {
		return nil, err
	}

	if deps.Cipher, err = cipher.New(cfg.EncryptSecret); err != nil {
		return nil, err
	}

	deps.Watermark, err = watermark.Load(cfg.WatermarkPath, watermark.DefaultOpacity)
	if err != nil {
		if !stderrors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.WithField("path", cfg.WatermarkPath).Warn("watermark image not found; using built-in mark")
		deps.Watermark = watermark.New(nil, watermark.DefaultOpacity)
	}

	var j journal.Journal
	if cfg.DatabaseURL != "" {
		pg, err := journal.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j = pg
		closers = append(closers, ComponentFuncs{
			ComponentName: "journal",
			StopFunc:      func(context.Context) error { return pg.Close() },
		})
	}
	deps.Coordinator = reconcile.NewCoordinator(reconcile.Config{
		PollInterval: cfg.ReconcilePollInterval,
		MaxRetries:   cfg.ReconcileMaxRetries,
	}, log.Named("reconcile"), m, j)

	if cfg.JWTSecret != "" {
		var store auth.NonceStore
		if cfg.RedisURL != "" {
			rs, err := auth.NewRedisNonceStore(ctx, cfg.RedisURL, redisNoncePrefix)
			if err != nil {
				return nil, fmt.Errorf("connect redis: %w", err)
			}
			store = rs
			closers = append(closers, ComponentFuncs{
				ComponentName: "nonce-store",
				StopFunc:      func(context.Context) error { return rs.Close() },
			})
		}
		deps.Auth, err = auth.New(auth.Config{
			Secret:     []byte(cfg.JWTSecret),
			Domain:     cfg.SIWEDomain,
			SessionTTL: cfg.SessionTTL,
			NonceTTL:   cfg.NonceTTL,
		}, store, log.Named("auth"))
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("JWT_SECRET not set; wallet sign-in disabled")
	}

	deps.Components = closers
	mp, err = New(deps, log)
	if err != nil {
		return nil, err
	}
	log.WithFields(map[string]interface{}{
		"chain_id": client.ChainID().String(),
		"operator": deps.Operator.Hex(),
		"index":    deps.Index != nil,
		"journal":  cfg.DatabaseURL != "",
	}).Info("marketplace built")
	return mp, nil
}
