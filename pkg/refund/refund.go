// Package refund implements the Refund Engine from spec.md §4.7: partial
// or full reversal of a settled payment back to the payer. Grounded on
// the teacher's RefundHandler — the idempotency-key short-circuit, the
// status-gate switch, and the double-entry ledger debit/credit pair are
// kept almost structurally identical — but rewired onto
// models.Transaction/pkg/txstate instead of the teacher's flat orders
// table, and onto SETTLED rather than PAID as the refund-eligible state:
// in this gateway funds only leave the merchant's control once a payment
// has settled, so SETTLED is precisely the state a refund reverses,
// where the teacher's orders table settled nothing and refunded directly
// off PAID.
package refund

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/models"
	"github.com/oxzoid/gatewaycore/pkg/money"
)

// Backend broadcasts the actual refund transfer back to the payer
// address. Satisfied by pkg/payout/onchain.Backend's Send method.
type Backend interface {
	Send(ctx context.Context, destAddress string, amount money.Amount) (reference string, err error)
}

// Engine validates and executes refunds against SETTLED transactions.
type Engine struct {
	db      *sql.DB
	backend Backend
}

// New constructs an Engine.
func New(db *sql.DB, backend Backend) *Engine {
	return &Engine{db: db, backend: backend}
}

// Params describes a requested refund.
type Params struct {
	TransactionID     string
	Amount            money.Amount // zero means full refund of the original amount
	IdempotencyKey    string
	ExternalReference string
}

// Result is the outcome of a refund request, including whether it was
// a short-circuited replay of an already-processed idempotency key.
type Result struct {
	RefundTransaction *models.Transaction
	Replayed          bool
}

// Create validates the source transaction's status, applies the
// idempotency-key short-circuit, writes a double-entry ledger pair, and
// flips the source transaction to a terminal refunded marker by
// recording the linkage on a new REFUND-type Transaction row (the
// source transaction's own status is left SETTLED — its money movement
// is recorded as a separate, linked REFUND transaction rather than
// mutated in place, since a SETTLED payment may be partially refunded
// more than once up to its remaining balance).
func (e *Engine) Create(ctx context.Context, p Params) (*Result, error) {
	if p.IdempotencyKey != "" {
		var existingID, existingStatus string
		err := e.db.QueryRowContext(ctx, `
			SELECT id, status FROM transactions
			WHERE external_reference = ? AND type = 'REFUND'
		`, p.IdempotencyKey).Scan(&existingID, &existingStatus)
		if err == nil {
			existing, loadErr := e.loadTransaction(ctx, existingID)
			if loadErr != nil {
				return nil, loadErr
			}
			return &Result{RefundTransaction: existing, Replayed: true}, nil
		}
		if err != sql.ErrNoRows {
			return nil, gwerr.Wrap(gwerr.Internal, "REFUND_IDEMPOTENCY_LOOKUP_FAILED", "failed to check refund idempotency key", err)
		}
	}

	src, err := e.loadTransaction(ctx, p.TransactionID)
	if err != nil {
		return nil, err
	}

	switch src.Status {
	case models.TxSettled, models.TxCompleted:
		// eligible
	case models.TxPending, models.TxConfirming:
		return nil, gwerr.New(gwerr.Conflict, gwerr.CodeIllegalTransition, "transaction has not settled yet")
	default:
		return nil, gwerr.New(gwerr.Conflict, gwerr.CodeIllegalTransition, "transaction is not refundable in its current state")
	}

	refundAmount := p.Amount
	if refundAmount.IsZero() {
		refundAmount = src.Amount
	}
	if refundAmount.GreaterThan(src.Amount) {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeInvalidAmount, "refund amount exceeds original transaction amount")
	}
	if !refundAmount.IsPositive() {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeInvalidAmount, "refund amount must be positive")
	}

	var alreadyRefunded money.Amount
	err = e.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CAST(amount AS TEXT)), '0') FROM transactions
		WHERE metadata_json LIKE ? AND type = 'REFUND' AND status != 'FAILED'
	`, "%\"source_transaction_id\":\""+src.ID+"\"%").Scan(&alreadyRefunded)
	if err != nil && err != sql.ErrNoRows {
		return nil, gwerr.Wrap(gwerr.Internal, "REFUND_SUM_LOOKUP_FAILED", "failed to sum prior refunds", err)
	}
	if alreadyRefunded.Add(refundAmount).GreaterThan(src.Amount) {
		return nil, gwerr.New(gwerr.Conflict, gwerr.CodeInvalidAmount, "refund would exceed original transaction amount")
	}

	reference, err := e.backend.Send(ctx, src.FromAddress, refundAmount)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.External, "REFUND_SEND_FAILED", "failed to broadcast refund transfer", err)
	}

	now := time.Now().UTC()
	refundTx := &models.Transaction{
		ID:                uuid.NewString(),
		MerchantID:        src.MerchantID,
		TxHash:            reference,
		Status:            models.TxCompleted,
		Type:              models.TxTypeRefund,
		Amount:            refundAmount,
		Currency:          src.Currency,
		Network:           src.Network,
		ToAddress:         src.FromAddress,
		ExternalReference: p.IdempotencyKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	dbTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "REFUND_TX_BEGIN_FAILED", "failed to start refund transaction", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	metadata := `{"source_transaction_id":"` + src.ID + `"}`
	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO transactions (id, merchant_id, tx_hash, status, type, amount, fee_amount, currency, network, to_address, external_reference, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '0', ?, ?, ?, ?, ?, ?, ?)
	`, refundTx.ID, refundTx.MerchantID, refundTx.TxHash, string(refundTx.Status), string(refundTx.Type),
		refundTx.Amount.String(), refundTx.Currency, refundTx.Network, refundTx.ToAddress,
		refundTx.ExternalReference, metadata, refundTx.CreatedAt.Format(time.RFC3339), refundTx.UpdatedAt.Format(time.RFC3339)); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "REFUND_INSERT_FAILED", "failed to persist refund transaction", err)
	}

	bucket := "merchant:" + src.MerchantID
	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, transaction_id, merchant_id, bucket, direction, amount, currency, event_type, created_at)
		VALUES (?, ?, ?, ?, 'DEBIT', ?, ?, 'REFUND', ?)
	`, uuid.NewString(), src.ID, src.MerchantID, bucket, refundAmount.String(), src.Currency, now.Format(time.RFC3339)); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "REFUND_LEDGER_DEBIT_FAILED", "failed to write refund debit ledger entry", err)
	}
	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, transaction_id, merchant_id, bucket, direction, amount, currency, event_type, created_at)
		VALUES (?, ?, ?, 'clearing', 'CREDIT', ?, ?, 'REFUND', ?)
	`, uuid.NewString(), src.ID, src.MerchantID, refundAmount.String(), src.Currency, now.Format(time.RFC3339)); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "REFUND_LEDGER_CREDIT_FAILED", "failed to write refund credit ledger entry", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "REFUND_COMMIT_FAILED", "failed to commit refund", err)
	}
	return &Result{RefundTransaction: refundTx, Replayed: false}, nil
}

func (e *Engine) loadTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	var status, txType string
	err := e.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, status, type, amount, currency, network, from_address
		FROM transactions WHERE id = ?
	`, id).Scan(&t.ID, &t.MerchantID, &status, &txType, &t.Amount, &t.Currency, &t.Network, &t.FromAddress)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, gwerr.CodeTransactionNotFound, "transaction not found")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "REFUND_TX_LOOKUP_FAILED", "failed to load transaction", err)
	}
	t.Status = models.TransactionStatus(status)
	t.Type = models.TransactionType(txType)
	return &t, nil
}
