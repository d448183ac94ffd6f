package config_test

import (
	"testing"
	"time"

	"github.com/oxzoid/gatewaycore/pkg/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", c.Port)
	}
	if c.RequiredConfirmations != 12 {
		t.Fatalf("expected default 12 required confirmations, got %d", c.RequiredConfirmations)
	}
	if c.PayoutBackend != "onchain" {
		t.Fatalf("expected default payout backend 'onchain', got %s", c.PayoutBackend)
	}
	if c.WebhookRetryDelay != 15*time.Second {
		t.Fatalf("expected default webhook retry delay 15s, got %s", c.WebhookRetryDelay)
	}
}

func TestLoadRejectsEmptyPort(t *testing.T) {
	t.Setenv("PORT", "")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error when PORT is empty")
	}
}

func TestLoadRejectsNonPositiveConfirmations(t *testing.T) {
	t.Setenv("BSC_REQUIRED_CONFIRMATIONS", "0")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error when BSC_REQUIRED_CONFIRMATIONS is not positive")
	}
}

func TestLoadRejectsUnknownPayoutBackend(t *testing.T) {
	t.Setenv("PAYOUT_BACKEND", "crypto-atm")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error for an unrecognized PAYOUT_BACKEND")
	}
}

func TestLoadRequiresBinanceCredentialsForCustodialBackend(t *testing.T) {
	t.Setenv("PAYOUT_BACKEND", "custodial")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error when PAYOUT_BACKEND=custodial without Binance credentials")
	}

	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	if _, err := config.Load(); err != nil {
		t.Fatalf("expected custodial backend with both credentials set to succeed, got %v", err)
	}
}

func TestLoadRequiresPassphraseWhenMnemonicSet(t *testing.T) {
	t.Setenv("HD_WALLET_MNEMONIC", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error when HD_WALLET_MNEMONIC is set without WALLET_KEY_PASSPHRASE")
	}

	t.Setenv("WALLET_KEY_PASSPHRASE", "pass")
	if _, err := config.Load(); err != nil {
		t.Fatalf("expected success once WALLET_KEY_PASSPHRASE is also set, got %v", err)
	}
}

func TestEnvDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("WEBHOOK_RETRY_DELAY", "30")
	c, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.WebhookRetryDelay != 30*time.Second {
		t.Fatalf("expected 30s parsed from a bare integer, got %s", c.WebhookRetryDelay)
	}
}

func TestEnvDurationAcceptsGoDurationString(t *testing.T) {
	t.Setenv("WEBHOOK_RETRY_DELAY", "2m")
	c, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.WebhookRetryDelay != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", c.WebhookRetryDelay)
	}
}
