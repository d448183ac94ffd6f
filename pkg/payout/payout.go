// Package payout implements the Payout Engine from spec.md §4.5:
// merchant-initiated withdrawals executed through one of two
// polymorphic backends (direct on-chain signing, or a custodial
// exchange API), per SPEC_FULL §C. No payout path exists in the
// teacher; this is built in its transactional-handler idiom — validate,
// persist PENDING, execute, transition — reusing txstate's guarded
// UPDATE pattern for the execution handoff.
package payout

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/models"
	"github.com/oxzoid/gatewaycore/pkg/money"
)

// Backend executes a single payout's on-the-wire transfer. The two
// SPEC_FULL §C implementations are pkg/payout/onchain.Backend (direct
// BEP-20 transfer signed with a derived key) and
// pkg/payout/custodial.BinanceBackend (a signed withdrawal API call).
type Backend interface {
	// Send broadcasts/submits a transfer of amount to destAddress and
	// returns an identifier (tx hash or exchange withdrawal id) once
	// accepted. It does not wait for on-chain confirmation.
	Send(ctx context.Context, destAddress string, amount money.Amount) (reference string, err error)
}

// Engine creates and executes payouts.
type Engine struct {
	db      *sql.DB
	backend Backend
}

// New constructs an Engine bound to one Backend, selected at startup
// from config.Config.PayoutBackend.
func New(db *sql.DB, backend Backend) *Engine {
	return &Engine{db: db, backend: backend}
}

// CreateParams describes a requested payout.
type CreateParams struct {
	MerchantID        string
	DestAddress       string
	Amount            money.Amount
	Currency          string
	ExternalReference string
}

// Create checks the merchant's status and min/max-per-transaction limits
// and persists a PENDING payout Transaction. Execution happens
// separately via Execute, dispatched
// through the Queue Bus's payout.execute queue so API latency is
// decoupled from chain/exchange round-trips (the same decoupling
// rationale the teacher gives its own background verification workers).
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Transaction, error) {
	var status, minPerTx, maxPerTx string
	if err := e.db.QueryRowContext(ctx, `SELECT status, min_per_tx, max_per_tx FROM merchants WHERE id = ?`, p.MerchantID).Scan(&status, &minPerTx, &maxPerTx); err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, gwerr.CodeMerchantNotFound, "merchant not found")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "PAYOUT_MERCHANT_LOOKUP_FAILED", "failed to load merchant", err)
	}
	if status != string(models.MerchantActive) {
		return nil, gwerr.New(gwerr.Conflict, gwerr.CodeMerchantGated, "merchant is not active")
	}
	if !p.Amount.IsPositive() {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeInvalidAmount, "payout amount must be positive")
	}
	if lo, err := money.New(minPerTx); err == nil && lo.IsPositive() && p.Amount.LessThan(lo) {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeLimitExceeded, "payout amount below merchant minimum per transaction")
	}
	if hi, err := money.New(maxPerTx); err == nil && hi.IsPositive() && p.Amount.GreaterThan(hi) {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeLimitExceeded, "payout amount exceeds merchant maximum per transaction")
	}

	now := time.Now().UTC()
	t := &models.Transaction{
		ID:                uuid.NewString(),
		MerchantID:        p.MerchantID,
		Status:            models.TxPending,
		Type:              models.TxTypePayout,
		Amount:            p.Amount,
		Currency:          p.Currency,
		ToAddress:         p.DestAddress,
		ExternalReference: p.ExternalReference,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO transactions (id, merchant_id, tx_hash, status, type, amount, fee_amount, currency, network, to_address, external_reference, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?, ?, '0', ?, 'BSC', ?, ?, ?, ?)
	`, t.ID, t.MerchantID, string(t.Status), string(t.Type), t.Amount.String(), t.Currency, t.ToAddress, t.ExternalReference,
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "PAYOUT_INSERT_FAILED", "failed to persist payout", err)
	}
	return t, nil
}

// Execute submits a PENDING payout to the configured Backend and
// records the resulting reference as the transaction's tx_hash,
// advancing it to CONFIRMING. Nothing in this repository moves a payout
// past CONFIRMING: no confirmation tracking is enqueued for it, and it
// never reaches COMPLETED.
func (e *Engine) Execute(ctx context.Context, txID string) error {
	var destAddress, amountStr string
	if err := e.db.QueryRowContext(ctx, `
		SELECT to_address, amount FROM transactions WHERE id = ? AND status = 'PENDING' AND type = 'PAYOUT'
	`, txID).Scan(&destAddress, &amountStr); err != nil {
		if err == sql.ErrNoRows {
			return gwerr.New(gwerr.Conflict, gwerr.CodeIllegalTransition, "payout not found or already executing")
		}
		return gwerr.Wrap(gwerr.Internal, "PAYOUT_LOOKUP_FAILED", "failed to load payout", err)
	}
	amount, err := money.New(amountStr)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "PAYOUT_AMOUNT_INVALID", "invalid payout amount", err)
	}

	reference, err := e.backend.Send(ctx, destAddress, amount)
	if err != nil {
		_, _ = e.db.ExecContext(ctx, `UPDATE transactions SET status = 'FAILED', updated_at = datetime('now') WHERE id = ? AND status = 'PENDING'`, txID)
		return gwerr.Wrap(gwerr.External, "PAYOUT_SEND_FAILED", "backend rejected payout submission", err)
	}

	res, err := e.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'CONFIRMING', tx_hash = ?, updated_at = datetime('now')
		WHERE id = ? AND status = 'PENDING'
	`, reference, txID)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "PAYOUT_UPDATE_FAILED", "failed to record payout submission", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return gwerr.New(gwerr.Conflict, gwerr.CodeIllegalTransition, "payout was concurrently modified")
	}
	return nil
}
