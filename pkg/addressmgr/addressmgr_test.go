package addressmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/oxzoid/gatewaycore/pkg/addressmgr"
	"github.com/oxzoid/gatewaycore/pkg/dbtest"
	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/hdwallet"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/secretregistry"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newManager(t *testing.T) *addressmgr.Manager {
	t.Helper()
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "m-1")
	secrets := secretregistry.New(testMnemonic)
	return addressmgr.New(database, secrets, hdwallet.DefaultPathTemplate, "test-passphrase", time.Hour)
}

func TestIssueDerivesAndPersistsAnAddress(t *testing.T) {
	mgr := newManager(t)
	expected, _ := money.New("50")

	addr, err := mgr.Issue(context.Background(), addressmgr.IssueParams{
		MerchantID:     "m-1",
		ExpectedAmount: expected,
		Currency:       "USDT",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if addr.Address == "" {
		t.Fatal("expected a derived address")
	}
	if addr.Status != "ACTIVE" {
		t.Fatalf("expected ACTIVE status, got %s", addr.Status)
	}
	if len(addr.EncryptedPrivateKey) == 0 {
		t.Fatal("expected an encrypted private key to be stored")
	}
}

func TestIssueAllocatesSequentialDerivationIndices(t *testing.T) {
	mgr := newManager(t)
	expected, _ := money.New("50")

	first, err := mgr.Issue(context.Background(), addressmgr.IssueParams{MerchantID: "m-1", ExpectedAmount: expected, Currency: "USDT"})
	if err != nil {
		t.Fatalf("Issue (first): %v", err)
	}
	second, err := mgr.Issue(context.Background(), addressmgr.IssueParams{MerchantID: "m-1", ExpectedAmount: expected, Currency: "USDT"})
	if err != nil {
		t.Fatalf("Issue (second): %v", err)
	}
	if first.Address == second.Address {
		t.Fatal("expected successive issuances to derive distinct addresses")
	}
	if first.DerivationPath == second.DerivationPath {
		t.Fatal("expected successive issuances to use distinct derivation paths")
	}
}

func TestIssueRejectsInactiveMerchant(t *testing.T) {
	database := dbtest.Open(t)
	if _, err := database.Exec(`INSERT INTO merchants (id, business_name, status) VALUES ('m-1', 'Acme', 'SUSPENDED')`); err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
	secrets := secretregistry.New(testMnemonic)
	mgr := addressmgr.New(database, secrets, hdwallet.DefaultPathTemplate, "test-passphrase", time.Hour)

	expected, _ := money.New("50")
	_, err := mgr.Issue(context.Background(), addressmgr.IssueParams{MerchantID: "m-1", ExpectedAmount: expected, Currency: "USDT"})
	if err == nil {
		t.Fatal("expected an error issuing an address for a suspended merchant")
	}
	var gerr *gwerr.Error
	if !gwerr.As(err, &gerr) || gerr.Class != gwerr.Conflict {
		t.Fatalf("expected a Conflict gwerr, got %v", err)
	}
}

func TestIssueRejectsAmountBelowMerchantMinimum(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "m-1")
	if _, err := database.Exec(`UPDATE merchants SET min_per_tx = '10' WHERE id = 'm-1'`); err != nil {
		t.Fatalf("set min_per_tx: %v", err)
	}
	secrets := secretregistry.New(testMnemonic)
	mgr := addressmgr.New(database, secrets, hdwallet.DefaultPathTemplate, "test-passphrase", time.Hour)

	tooSmall, _ := money.New("1")
	_, err := mgr.Issue(context.Background(), addressmgr.IssueParams{MerchantID: "m-1", ExpectedAmount: tooSmall, Currency: "USDT"})
	if err == nil {
		t.Fatal("expected an error for an amount below the merchant minimum")
	}
}

func TestIssueRejectsZeroOrNegativeAmount(t *testing.T) {
	mgr := newManager(t)

	for _, amt := range []string{"0", "-5"} {
		expected, _ := money.New(amt)
		_, err := mgr.Issue(context.Background(), addressmgr.IssueParams{MerchantID: "m-1", ExpectedAmount: expected, Currency: "USDT"})
		if err == nil {
			t.Fatalf("expected an error issuing an address with expected_amount=%s", amt)
		}
		var gerr *gwerr.Error
		if !gwerr.As(err, &gerr) || gerr.Code != gwerr.CodeInvalidAmount {
			t.Fatalf("expected CodeInvalidAmount for expected_amount=%s, got %v", amt, err)
		}
	}
}

func TestIssueClampsTTLToBounds(t *testing.T) {
	mgr := newManager(t)
	expected, _ := money.New("50")

	tooShort, err := mgr.Issue(context.Background(), addressmgr.IssueParams{
		MerchantID: "m-1", ExpectedAmount: expected, Currency: "USDT", TTL: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Issue (short TTL): %v", err)
	}
	minExpiry := time.Now().UTC().Add(5 * time.Minute)
	if tooShort.ExpiresAt.Before(minExpiry.Add(-time.Minute)) {
		t.Fatalf("expected a 10s TTL to be clamped up to at least 5m, got expiry %s", tooShort.ExpiresAt)
	}

	tooLong, err := mgr.Issue(context.Background(), addressmgr.IssueParams{
		MerchantID: "m-1", ExpectedAmount: expected, Currency: "USDT", TTL: 48 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue (long TTL): %v", err)
	}
	maxExpiry := time.Now().UTC().Add(24 * time.Hour)
	if tooLong.ExpiresAt.After(maxExpiry.Add(time.Minute)) {
		t.Fatalf("expected a 48h TTL to be clamped down to at most 24h, got expiry %s", tooLong.ExpiresAt)
	}
}

func TestIssueRejectsOnceDailyVolumeCapExhausted(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "m-1")
	if _, err := database.Exec(`UPDATE merchants SET daily_volume_cap = '100' WHERE id = 'm-1'`); err != nil {
		t.Fatalf("set daily_volume_cap: %v", err)
	}
	if _, err := database.Exec(`
		INSERT INTO transactions (id, merchant_id, status, type, amount, currency, created_at, updated_at)
		VALUES ('tx-today', 'm-1', 'CONFIRMED', 'PAYMENT', '80', 'USDT', datetime('now'), datetime('now'))
	`); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	secrets := secretregistry.New(testMnemonic)
	mgr := addressmgr.New(database, secrets, hdwallet.DefaultPathTemplate, "test-passphrase", time.Hour)

	expected, _ := money.New("50")
	_, err := mgr.Issue(context.Background(), addressmgr.IssueParams{MerchantID: "m-1", ExpectedAmount: expected, Currency: "USDT"})
	if err == nil {
		t.Fatal("expected an error once today's volume plus this request would exceed the daily cap")
	}
	var gerr *gwerr.Error
	if !gwerr.As(err, &gerr) || gerr.Code != gwerr.CodeCapacityExhausted {
		t.Fatalf("expected CodeCapacityExhausted, got %v", err)
	}
}

func TestMarkUsedIsIdempotent(t *testing.T) {
	mgr := newManager(t)
	expected, _ := money.New("50")
	addr, err := mgr.Issue(context.Background(), addressmgr.IssueParams{MerchantID: "m-1", ExpectedAmount: expected, Currency: "USDT"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := mgr.MarkUsed(context.Background(), addr.ID); err != nil {
		t.Fatalf("MarkUsed (first): %v", err)
	}
	if err := mgr.MarkUsed(context.Background(), addr.ID); err != nil {
		t.Fatalf("MarkUsed (second, should be a no-op): %v", err)
	}
}

func TestSweepExpiredExpiresOnlyPastTTL(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "m-1")
	secrets := secretregistry.New(testMnemonic)
	mgr := addressmgr.New(database, secrets, hdwallet.DefaultPathTemplate, "test-passphrase", time.Hour)

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	if _, err := database.Exec(`
		INSERT INTO payment_addresses (id, merchant_id, type, address, derivation_path, status, expires_at)
		VALUES ('addr-expired', 'm-1', 'MERCHANT_PAYMENT', '0xexpired', 'm/44/60/0/0/0', 'ACTIVE', ?)
	`, past); err != nil {
		t.Fatalf("seed expired address: %v", err)
	}
	if _, err := database.Exec(`
		INSERT INTO payment_addresses (id, merchant_id, type, address, derivation_path, status, expires_at)
		VALUES ('addr-live', 'm-1', 'MERCHANT_PAYMENT', '0xlive', 'm/44/60/0/0/1', 'ACTIVE', ?)
	`, future); err != nil {
		t.Fatalf("seed live address: %v", err)
	}

	n, err := mgr.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 address swept, got %d", n)
	}

	var status string
	if err := database.QueryRow(`SELECT status FROM payment_addresses WHERE id = 'addr-live'`).Scan(&status); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "ACTIVE" {
		t.Fatalf("expected the unexpired address to remain ACTIVE, got %s", status)
	}
}
