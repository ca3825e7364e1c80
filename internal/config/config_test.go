package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "GATEWAY_PROVIDER", "simulated")
	setEnv(t, "CHAIN_PROVIDER", "simulated")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultTokenDecimals, cfg.TokenDecimals)
	assert.Equal(t, int64(DefaultSweepInterval), cfg.SweepInterval)
}

func TestLoad_StripeRequiresCredentials(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "GATEWAY_PROVIDER", "stripe")
	setEnv(t, "STRIPE_API_KEY", "")
	setEnv(t, "CHAIN_PROVIDER", "simulated")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_API_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	operatorKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid simulated config",
			config: Config{
				Env:             "development",
				GatewayProvider: "simulated",
				ChainProvider:   "simulated",
			},
			wantErr: "",
		},
		{
			name: "valid production config",
			config: Config{
				Env:                 "production",
				GatewayProvider:     "stripe",
				StripeAPIKey:        "sk_live_x",
				StripeWebhookSecret: "whsec_x",
				ChainProvider:       "eth",
				OperatorKey:         operatorKey,
				RPCURL:              "https://sepolia.base.org",
				EscrowFactory:       "0x1234567890123456789012345678901234567890",
			},
			wantErr: "",
		},
		{
			name: "loopback webhook URL refused in production",
			config: Config{
				Env:                 "production",
				GatewayProvider:     "stripe",
				StripeAPIKey:        "sk_live_x",
				StripeWebhookSecret: "whsec_x",
				ChainProvider:       "eth",
				OperatorKey:         operatorKey,
				RPCURL:              "https://sepolia.base.org",
				EscrowFactory:       "0x1234567890123456789012345678901234567890",
				PaymentWebhookURL:   "http://127.0.0.1/payments/webhook",
			},
			wantErr: "loopback",
		},
		{
			name: "simulated gateway refused in production",
			config: Config{
				Env:             "production",
				GatewayProvider: "simulated",
				ChainProvider:   "eth",
				OperatorKey:     operatorKey,
				RPCURL:          "https://sepolia.base.org",
				EscrowFactory:   "0x1234567890123456789012345678901234567890",
			},
			wantErr: "not allowed in production",
		},
		{
			name: "simulated chain refused in production",
			config: Config{
				Env:                 "production",
				GatewayProvider:     "stripe",
				StripeAPIKey:        "sk_live_x",
				StripeWebhookSecret: "whsec_x",
				ChainProvider:       "simulated",
			},
			wantErr: "not allowed in production",
		},
		{
			name: "invalid operator key length",
			config: Config{
				Env:             "development",
				GatewayProvider: "simulated",
				ChainProvider:   "eth",
				OperatorKey:     "abc123",
				RPCURL:          "https://sepolia.base.org",
				EscrowFactory:   "0x1234567890123456789012345678901234567890",
			},
			wantErr: "64 hex characters",
		},
		{
			name: "missing RPC URL",
			config: Config{
				Env:             "development",
				GatewayProvider: "simulated",
				ChainProvider:   "eth",
				OperatorKey:     operatorKey,
				EscrowFactory:   "0x1234567890123456789012345678901234567890",
			},
			wantErr: "RPC_URL is required",
		},
		{
			name: "malformed escrow factory",
			config: Config{
				Env:             "development",
				GatewayProvider: "simulated",
				ChainProvider:   "eth",
				OperatorKey:     operatorKey,
				RPCURL:          "https://sepolia.base.org",
				EscrowFactory:   "0xabc",
			},
			wantErr: "40-hex-char address",
		},
		{
			name: "missing escrow factory",
			config: Config{
				Env:             "development",
				GatewayProvider: "simulated",
				ChainProvider:   "eth",
				OperatorKey:     operatorKey,
				RPCURL:          "https://sepolia.base.org",
			},
			wantErr: "ESCROW_FACTORY is required",
		},
		{
			name: "unknown gateway provider",
			config: Config{
				Env:             "development",
				GatewayProvider: "paypal",
				ChainProvider:   "simulated",
			},
			wantErr: "unknown GATEWAY_PROVIDER",
		},
		{
			name: "fee percent out of range",
			config: Config{
				Env:              "development",
				GatewayProvider:  "simulated",
				ChainProvider:    "simulated",
				EscrowFeePercent: 150,
			},
			wantErr: "ESCROW_FEE_PERCENT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
