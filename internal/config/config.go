// Package config loads marketplace configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every setting the gateway and CLI need.
type Config struct {
	Environment string `env:"APP_ENV,default=development"`
	HTTPAddr    string `env:"HTTP_ADDR,default=:8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFormat   string `env:"LOG_FORMAT,default=json"`

	// Ledger
	RPCURL             string        `env:"RPC_URL"`
	ChainID            int64         `env:"CHAIN_ID,default=0"`
	FactoryAddress     string        `env:"FACTORY_ADDRESS"`
	PriceOracleAddress string        `env:"PRICE_ORACLE_ADDRESS"`
	OracleDecimals     uint8         `env:"ORACLE_DECIMALS,default=8"`
	NFTAddress         string        `env:"NFT_ADDRESS"`
	OperatorKey        string        `env:"OPERATOR_PRIVATE_KEY"`
	TxWaitTimeout      time.Duration `env:"TX_WAIT_TIMEOUT,default=2m"`

	// Secrets and sessions
	EncryptSecret         string        `env:"ENCRYPT_SECRET_KEY"`
	JWTSecret             string        `env:"JWT_SECRET"`
	SessionTTL            time.Duration `env:"SESSION_TTL,default=24h"`
	NonceTTL              time.Duration `env:"NONCE_TTL,default=10m"`
	SIWEDomain            string        `env:"SIWE_DOMAIN,default=localhost:3000"`
	AllowAssertedIdentity bool          `env:"ALLOW_ASSERTED_IDENTITY,default=true"`

	// Index and content store
	SubgraphURL    string `env:"SUBGRAPH_URL"`
	IPFSGatewayURL string `env:"IPFS_GATEWAY_URL,default=https://gateway.pinata.cloud/ipfs"`
	PinataJWT      string `env:"PINATA_JWT"`
	PinataAPIURL   string `env:"PINATA_API_URL,default=https://api.pinata.cloud"`

	// Background work
	OracleRefreshInterval time.Duration `env:"ORACLE_REFRESH_INTERVAL,default=60s"`
	ReconcilePollInterval time.Duration `env:"RECONCILE_POLL_INTERVAL,default=2s"`
	ReconcileMaxRetries   int           `env:"RECONCILE_MAX_RETRIES,default=10"`

	// Optional backing stores
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	// HTTP surface
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	RateLimitRPS       int    `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst     int    `env:"RATE_LIMIT_BURST,default=40"`
	WatermarkPath      string `env:"WATERMARK_PATH,default=public/watermark.png"`
	MaxUploadBytes     int64  `env:"MAX_UPLOAD_BYTES,default=10485760"`
}

// Load reads optional dotenv files and decodes the environment. Missing
// dotenv files are ignored; variables already set in the process win.
func Load(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// IsProduction reports whether the deployment is production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowedOrigins splits CORSAllowedOrigins on commas.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// Validate checks the settings every entry point needs.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.EncryptSecret) == "" {
		problems = append(problems, "ENCRYPT_SECRET_KEY is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		problems = append(problems, "JWT_SECRET must be at least 32 bytes in production")
	}
	if c.ReconcilePollInterval <= 0 {
		problems = append(problems, "RECONCILE_POLL_INTERVAL must be positive")
	}
	if c.ReconcileMaxRetries <= 0 {
		problems = append(problems, "RECONCILE_MAX_RETRIES must be positive")
	}
	if c.OracleRefreshInterval <= 0 {
		problems = append(problems, "ORACLE_REFRESH_INTERVAL must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		problems = append(problems, "MAX_UPLOAD_BYTES must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateLedger checks the settings needed to talk to the ledger.
func (c *Config) ValidateLedger() error {
	var problems []string
	if c.RPCURL == "" {
		problems = append(problems, "RPC_URL is required")
	}
	if c.FactoryAddress == "" {
		problems = append(problems, "FACTORY_ADDRESS is required")
	}
	if c.PriceOracleAddress == "" {
		problems = append(problems, "PRICE_ORACLE_ADDRESS is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid ledger configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
