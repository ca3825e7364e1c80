// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/Michaelmk708/proofcart/internal/security"
	"github.com/Michaelmk708/proofcart/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFmt   string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayProvider      string // "stripe" or "simulated"
	StripeAPIKey         string
	StripeWebhookSecret  string
	GatewayWebhookSecret string // HMAC secret for the simulated gateway
	GatewayBaseURL       string
	PaymentRedirectURL   string
	PaymentWebhookURL    string
	PayoutAccountKind    string // "MPESA" or "BANK"

	// Blockchain escrow
	ChainProvider  string // "eth" or "simulated"
	RPCURL         string
	ChainID        int64
	OperatorKey    string // Hex-encoded, no 0x prefix
	EscrowFactory  string
	BlockchainName string
	TokenDecimals  int

	// Settlement policy
	Currency         string
	ShippingFeeUnits int64
	EscrowFeePercent int64
	SweepInterval    int64 // seconds
	StuckAfter       int64 // seconds

	// Catalog
	VerificationBaseURL string

	// Security
	RateLimitRPS int
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "KES"
	DefaultChainID        = 84532 // Base Sepolia
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultTokenDecimals  = 6
	DefaultSweepInterval  = 300
	DefaultStuckAfter     = 900
	DefaultShippingFee    = 50000
	DefaultEscrowFeePct   = 2
	DefaultRateLimit      = 100
	DefaultPayoutAccount  = "MPESA"
	DefaultBlockchainName = "base-sepolia"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", DefaultPort),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFmt:   getEnv("LOG_FORMAT", "text"),

		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		GatewayProvider:      getEnv("GATEWAY_PROVIDER", "simulated"),
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", "http://localhost:8080/simulated-pay"),
		PaymentRedirectURL:   os.Getenv("PAYMENT_REDIRECT_URL"),
		PaymentWebhookURL:    os.Getenv("PAYMENT_WEBHOOK_URL"),
		PayoutAccountKind:    getEnv("PAYOUT_ACCOUNT_KIND", DefaultPayoutAccount),

		ChainProvider:  getEnv("CHAIN_PROVIDER", "simulated"),
		RPCURL:         getEnv("RPC_URL", DefaultRPCURL),
		ChainID:        getEnvInt64("CHAIN_ID", DefaultChainID),
		OperatorKey:    os.Getenv("OPERATOR_KEY"),
		EscrowFactory:  os.Getenv("ESCROW_FACTORY"),
		BlockchainName: getEnv("BLOCKCHAIN_NAME", DefaultBlockchainName),
		TokenDecimals:  int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),

		Currency:         getEnv("CURRENCY", DefaultCurrency),
		ShippingFeeUnits: getEnvInt64("SHIPPING_FEE_UNITS", DefaultShippingFee),
		EscrowFeePercent: getEnvInt64("ESCROW_FEE_PERCENT", DefaultEscrowFeePct),
		SweepInterval:    getEnvInt64("SWEEP_INTERVAL_SECONDS", DefaultSweepInterval),
		StuckAfter:       getEnvInt64("STUCK_AFTER_SECONDS", DefaultStuckAfter),

		VerificationBaseURL: getEnv("VERIFICATION_BASE_URL", "https://verify.proofcart.io"),

		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.GatewayProvider {
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required when GATEWAY_PROVIDER=stripe")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when GATEWAY_PROVIDER=stripe")
		}
	case "simulated":
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY_PROVIDER=simulated is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}

	switch c.ChainProvider {
	case "eth":
		key := c.OperatorKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("OPERATOR_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when CHAIN_PROVIDER=eth")
		}
		if c.EscrowFactory == "" {
			return fmt.Errorf("ESCROW_FACTORY is required when CHAIN_PROVIDER=eth")
		}
		if !validation.IsValidEthAddress(c.EscrowFactory) {
			return fmt.Errorf("ESCROW_FACTORY must be a 0x-prefixed 40-hex-char address")
		}
	case "simulated":
		if c.IsProduction() {
			return fmt.Errorf("CHAIN_PROVIDER=simulated is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown CHAIN_PROVIDER %q", c.ChainProvider)
	}

	if c.EscrowFeePercent < 0 || c.EscrowFeePercent > 100 {
		return fmt.Errorf("ESCROW_FEE_PERCENT must be between 0 and 100, got %d", c.EscrowFeePercent)
	}
	if c.ShippingFeeUnits < 0 {
		return fmt.Errorf("SHIPPING_FEE_UNITS must not be negative")
	}

	// Operator-supplied callback URLs end up in server-side requests, so in
	// production they must not point at internal addresses.
	if c.IsProduction() {
		for name, u := range map[string]string{
			"PAYMENT_REDIRECT_URL": c.PaymentRedirectURL,
			"PAYMENT_WEBHOOK_URL":  c.PaymentWebhookURL,
		} {
			if u == "" {
				continue
			}
			if err := security.ValidateEndpointURL(u); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
