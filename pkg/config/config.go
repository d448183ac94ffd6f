// Package config loads the environment-scoped configuration surface
// defined in spec.md §6. Modeled on the trim → default → reject pipeline
// used by oracleattesterd.LoadConfig in the retrieval pack, adapted from
// YAML-sourced to env-sourced configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized environment key from spec.md §6.
type Config struct {
	Port string

	DBDriver string
	DBDSN    string

	RabbitMQURL string // retained as a recognized key; the Queue Bus itself
	// is table-backed (see pkg/queuebus) since no broker client library
	// was retrieved in the pack — see DESIGN.md.

	BSCRPCURL string
	BSCWSURL  string

	USDTContractAddress string
	RequiredConfirmations int

	HDWalletMnemonic string
	HDPathTemplate   string // e.g. "m/44'/60'/0'/0/%d"
	WalletKeyPassphrase string // Argon2id passphrase for encrypting derived private keys at rest

	ColdWalletAddress   string
	HotWalletThreshold  string // decimal string, parsed by money.New at use site
	ColdStorageReserve   string

	JWTSecret     string
	JWTExpiration time.Duration

	APIKeySalt string

	WebhookSecret     string
	WebhookMaxRetries int
	WebhookRetryDelay time.Duration

	LogLevel string

	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceAPIURL    string

	// Derived: which payout backend to use.
	PayoutBackend string // "onchain" | "custodial"
}

// Load reads the process environment and returns a validated Config.
func Load() (*Config, error) {
	c := &Config{
		Port:                  env("PORT", "8080"),
		DBDriver:              env("DB_DRIVER", "sqlite"),
		DBDSN:                 env("DB_DSN", "file:gateway.db?_pragma=busy_timeout=5000"),
		RabbitMQURL:           env("RABBITMQ_URL", ""),
		BSCRPCURL:             env("BSC_MAINNET_RPC_URL", "https://bsc-dataseed.binance.org/"),
		BSCWSURL:              env("BSC_MAINNET_WS_URL", ""),
		USDTContractAddress:   env("USDT_CONTRACT_ADDRESS", "0x55d398326f99059fF775485246999027B3197955"),
		RequiredConfirmations: envInt("BSC_REQUIRED_CONFIRMATIONS", 12),
		HDWalletMnemonic:      env("HD_WALLET_MNEMONIC", ""),
		HDPathTemplate:        env("HD_PATH_TEMPLATE", "m/44'/60'/0'/0/%d"),
		WalletKeyPassphrase:   env("WALLET_KEY_PASSPHRASE", ""),
		ColdWalletAddress:     env("COLD_WALLET_ADDRESS", ""),
		HotWalletThreshold:    env("HOT_WALLET_THRESHOLD", "5000"),
		ColdStorageReserve:    env("COLD_STORAGE_RESERVE", "500"),
		JWTSecret:             env("JWT_SECRET", ""),
		JWTExpiration:         envDuration("JWT_EXPIRATION", 24*time.Hour),
		APIKeySalt:            env("API_KEY_SALT", ""),
		WebhookSecret:         env("WEBHOOK_SECRET", ""),
		WebhookMaxRetries:     envInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookRetryDelay:     envDuration("WEBHOOK_RETRY_DELAY", 15*time.Second),
		LogLevel:              env("LOG_LEVEL", "info"),
		BinanceAPIKey:         env("BINANCE_API_KEY", ""),
		BinanceAPISecret:      env("BINANCE_API_SECRET", ""),
		BinanceAPIURL:         env("BINANCE_API_URL", "https://api.binance.com"),
		PayoutBackend:         env("PAYOUT_BACKEND", "onchain"),
	}

	if v, ok := os.LookupEnv("PORT"); ok && strings.TrimSpace(v) == "" {
		return nil, fmt.Errorf("config: PORT must not be empty")
	}
	if c.RequiredConfirmations <= 0 {
		return nil, fmt.Errorf("config: BSC_REQUIRED_CONFIRMATIONS must be positive")
	}
	if c.PayoutBackend != "onchain" && c.PayoutBackend != "custodial" {
		return nil, fmt.Errorf("config: PAYOUT_BACKEND must be 'onchain' or 'custodial', got %q", c.PayoutBackend)
	}
	if c.PayoutBackend == "custodial" {
		if c.BinanceAPIKey == "" || c.BinanceAPISecret == "" {
			return nil, fmt.Errorf("config: BINANCE_API_KEY and BINANCE_API_SECRET required when PAYOUT_BACKEND=custodial")
		}
	}
	if c.HDWalletMnemonic != "" && c.WalletKeyPassphrase == "" {
		return nil, fmt.Errorf("config: WALLET_KEY_PASSPHRASE must not be empty when HD_WALLET_MNEMONIC is set")
	}
	return c, nil
}

func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	// Accept either a Go duration string ("15s") or a bare integer of
	// seconds, matching WEBHOOK_RETRY_DELAY's historical "seconds" usage.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
