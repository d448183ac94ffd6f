// Package addressmgr implements the Address Manager from spec.md §4.1:
// issuing fresh HD-derived payment addresses, expiring unused ones, and
// marking addresses used once a transaction lands. Grounded on the
// teacher's CreateOrderHandler idempotency-key lookup → insert → unique-
// constraint fallback pattern, generalized from a one-shot "order" row
// to a reusable, derivation-backed PaymentAddress, and on hdwallet's BIP32
// derivation to replace the teacher's fake makeDepositAddress() placeholder.
package addressmgr

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/hdwallet"
	"github.com/oxzoid/gatewaycore/pkg/models"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/secretregistry"
	"github.com/oxzoid/gatewaycore/pkg/walletcrypto"
)

// minTTL and maxTTL bound the expiry a caller may request for an issued
// address; requests outside the range are clamped rather than rejected.
const (
	minTTL = 5 * time.Minute
	maxTTL = 24 * time.Hour
)

// Manager issues and retires PaymentAddress rows.
type Manager struct {
	db             *sql.DB
	secrets        *secretregistry.Registry
	pathTemplate   string
	keyPassphrase  string
	defaultTTL     time.Duration
}

// New constructs a Manager. pathTemplate is the HD path template (e.g.
// "m/44'/60'/0'/0/%d"); keyPassphrase encrypts the derived private key
// at rest via pkg/walletcrypto.
func New(db *sql.DB, secrets *secretregistry.Registry, pathTemplate, keyPassphrase string, defaultTTL time.Duration) *Manager {
	return &Manager{db: db, secrets: secrets, pathTemplate: pathTemplate, keyPassphrase: keyPassphrase, defaultTTL: defaultTTL}
}

// IssueParams describes a requested address.
type IssueParams struct {
	MerchantID        string
	ExpectedAmount    money.Amount
	Currency          string
	TTL               time.Duration // zero uses the Manager default
	CallbackURL       string
	ExternalReference string
}

// Issue derives a fresh HD address for merchantID, encrypts its private
// key, persists a PaymentAddress, and returns it. Enforces the
// merchant's MinPerTx/MaxPerTx limits from SPEC_FULL §C.
func (m *Manager) Issue(ctx context.Context, p IssueParams) (*models.PaymentAddress, error) {
	merchant, err := m.loadMerchant(ctx, p.MerchantID)
	if err != nil {
		return nil, err
	}
	if !merchant.IsActive() {
		return nil, gwerr.New(gwerr.Conflict, gwerr.CodeMerchantGated, "merchant is not active")
	}
	if !p.ExpectedAmount.IsPositive() {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeInvalidAmount, "expected amount must be greater than zero")
	}
	if merchant.Limits.MinPerTx.IsPositive() && p.ExpectedAmount.LessThan(merchant.Limits.MinPerTx) {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeLimitExceeded, "amount below merchant minimum per transaction")
	}
	if merchant.Limits.MaxPerTx.IsPositive() && p.ExpectedAmount.GreaterThan(merchant.Limits.MaxPerTx) {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeLimitExceeded, "amount exceeds merchant maximum per transaction")
	}
	if merchant.Limits.DailyVolumeCap.IsPositive() {
		used, err := m.dailyVolume(ctx, p.MerchantID)
		if err != nil {
			return nil, err
		}
		if used.Add(p.ExpectedAmount).GreaterThan(merchant.Limits.DailyVolumeCap) {
			return nil, gwerr.New(gwerr.Conflict, gwerr.CodeCapacityExhausted, "merchant daily volume cap exhausted")
		}
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	} else if ttl > maxTTL {
		ttl = maxTTL
	}

	index, err := m.nextIndex(ctx, p.MerchantID)
	if err != nil {
		return nil, err
	}

	var derived *hdwallet.Derived
	err = m.secrets.WithMnemonic(func(mnemonic []byte) error {
		seed, seedErr := hdwallet.SeedFromMnemonic(string(mnemonic), "")
		if seedErr != nil {
			return seedErr
		}
		defer secretregistry.ClearBytes(seed)
		d, derivErr := hdwallet.DeriveAt(seed, m.pathTemplate, index)
		if derivErr != nil {
			return derivErr
		}
		derived = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer derived.Clear()

	encKey, err := walletcrypto.EncryptToBytes(derived.PrivateKey, m.keyPassphrase)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	addr := &models.PaymentAddress{
		ID:                uuid.NewString(),
		MerchantID:        p.MerchantID,
		Type:              models.AddressMerchantPayment,
		Address:           derived.Address,
		EncryptedPrivateKey: encKey,
		DerivationPath:    derived.DerivationPath,
		Status:            models.AddressActive,
		ExpectedAmount:    p.ExpectedAmount,
		Currency:          p.Currency,
		ExpiresAt:         now.Add(ttl),
		Monitored:         true,
		CallbackURL:       p.CallbackURL,
		ExternalReference: p.ExternalReference,
		Metadata:          map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	metaJSON, _ := json.Marshal(addr.Metadata)
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO payment_addresses
		  (id, merchant_id, type, address, encrypted_private_key, derivation_path, status,
		   expected_amount, currency, expires_at, monitored, callback_url, external_reference,
		   metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, addr.ID, addr.MerchantID, string(addr.Type), addr.Address, addr.EncryptedPrivateKey, addr.DerivationPath,
		string(addr.Status), addr.ExpectedAmount.String(), addr.Currency, addr.ExpiresAt.Format(time.RFC3339),
		boolToInt(addr.Monitored), addr.CallbackURL, addr.ExternalReference, string(metaJSON),
		addr.CreatedAt.Format(time.RFC3339), addr.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "ADDRESS_INSERT_FAILED", "failed to persist payment address", err)
	}
	return addr, nil
}

// MarkUsed transitions an address to USED once a matching transaction
// has landed. Idempotent: a no-op if already USED.
func (m *Manager) MarkUsed(ctx context.Context, addressID string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE payment_addresses SET status = 'USED', updated_at = datetime('now')
		WHERE id = ? AND status = 'ACTIVE'
	`, addressID)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "ADDRESS_MARK_USED_FAILED", "failed to mark address used", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil
	}
	return nil
}

// Expire transitions a single address past its TTL to EXPIRED.
func (m *Manager) Expire(ctx context.Context, addressID string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE payment_addresses SET status = 'EXPIRED', updated_at = datetime('now')
		WHERE id = ? AND status = 'ACTIVE'
	`, addressID)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "ADDRESS_EXPIRE_FAILED", "failed to expire address", err)
	}
	return nil
}

// SweepExpired expires every ACTIVE address whose TTL has passed,
// intended to run on a schedule (cmd/server wires it via robfig/cron).
// Returns the number of addresses expired.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE payment_addresses SET status = 'EXPIRED', updated_at = datetime('now')
		WHERE status = 'ACTIVE' AND datetime(expires_at) <= datetime('now')
	`)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "ADDRESS_SWEEP_FAILED", "failed to sweep expired addresses", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// nextIndex atomically allocates the next HD derivation index for
// merchantID, upserting its counter row.
func (m *Manager) nextIndex(ctx context.Context, merchantID string) (uint32, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "INDEX_TX_FAILED", "failed to start index allocation transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO hd_index_counters (merchant_id, next_index) VALUES (?, 0) ON CONFLICT(merchant_id) DO NOTHING`, merchantID)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "INDEX_UPSERT_FAILED", "failed to seed index counter", err)
	}

	var idx uint32
	if err := tx.QueryRowContext(ctx, `SELECT next_index FROM hd_index_counters WHERE merchant_id = ?`, merchantID).Scan(&idx); err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "INDEX_READ_FAILED", "failed to read index counter", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE hd_index_counters SET next_index = next_index + 1 WHERE merchant_id = ?`, merchantID); err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "INDEX_INCREMENT_FAILED", "failed to increment index counter", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "INDEX_COMMIT_FAILED", "failed to commit index allocation", err)
	}
	return idx, nil
}

// dailyVolume sums the amounts of payment transactions recorded for
// merchantID since the start of the current UTC day, used to enforce
// Merchant.Limits.DailyVolumeCap at address-issuance time.
func (m *Manager) dailyVolume(ctx context.Context, merchantID string) (money.Amount, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT amount FROM transactions
		WHERE merchant_id = ? AND type = 'PAYMENT' AND created_at >= datetime('now', 'start of day')
	`, merchantID)
	if err != nil {
		return money.Zero, gwerr.Wrap(gwerr.Internal, "DAILY_VOLUME_QUERY_FAILED", "failed to compute daily volume", err)
	}
	defer rows.Close()

	total := money.Zero
	for rows.Next() {
		var amt money.Amount
		if err := rows.Scan(&amt); err != nil {
			return money.Zero, gwerr.Wrap(gwerr.Internal, "DAILY_VOLUME_SCAN_FAILED", "failed to scan daily volume row", err)
		}
		total = total.Add(amt)
	}
	return total, nil
}

func (m *Manager) loadMerchant(ctx context.Context, merchantID string) (*models.Merchant, error) {
	var (
		merc              models.Merchant
		feePercent        int64
		feeFixed          string
		minPerTx, maxPerTx string
		dailyCap, monthCap string
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, business_name, status, risk_level, fee_percent_bps, fee_fixed, fee_bearer,
		       daily_volume_cap, monthly_volume_cap, min_per_tx, max_per_tx
		FROM merchants WHERE id = ?
	`, merchantID).Scan(&merc.ID, &merc.BusinessName, &merc.Status, &merc.Risk, &feePercent, &feeFixed, &merc.Fees.Bearer,
		&dailyCap, &monthCap, &minPerTx, &maxPerTx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, gwerr.CodeMerchantNotFound, "merchant not found")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "MERCHANT_LOAD_FAILED", "failed to load merchant", err)
	}
	merc.Fees.PercentBps = feePercent
	if fixed, err := money.New(feeFixed); err == nil {
		merc.Fees.Fixed = fixed
	}
	if v, err := money.New(minPerTx); err == nil {
		merc.Limits.MinPerTx = v
	}
	if v, err := money.New(maxPerTx); err == nil {
		merc.Limits.MaxPerTx = v
	}
	if v, err := money.New(dailyCap); err == nil {
		merc.Limits.DailyVolumeCap = v
	}
	if v, err := money.New(monthCap); err == nil {
		merc.Limits.MonthlyVolumeCap = v
	}
	return &merc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
