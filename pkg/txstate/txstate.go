// Package txstate implements the Transaction confirmation state machine
// from spec.md §4.3: PENDING → CONFIRMING → CONFIRMED/UNDERPAID →
// SETTLED → COMPLETED, with FAILED/EXPIRED branches. Every transition is
// a single guarded conditional UPDATE — the same "UPDATE … WHERE status
// IN (...)" single-flight idiom the teacher uses in
// PaymentDetectedHandler/processVerificationJob, generalized from one ad
// hoc handler into a reusable state machine driven by the Queue Bus.
package txstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/models"
	"github.com/oxzoid/gatewaycore/pkg/money"
)

// allowedFrom lists the states a transition may legally originate from,
// enforcing the invariant that the machine only ever advances.
var allowedFrom = map[models.TransactionStatus][]models.TransactionStatus{
	models.TxConfirming: {models.TxPending, models.TxConfirming},
	models.TxConfirmed:  {models.TxPending, models.TxConfirming},
	models.TxUnderpaid:  {models.TxPending, models.TxConfirming},
	models.TxSettled:    {models.TxConfirmed},
	models.TxCompleted:  {models.TxSettled},
	models.TxFailed:     {models.TxPending, models.TxConfirming},
	models.TxExpired:    {models.TxPending},
}

// Machine drives Transaction rows through their lifecycle.
type Machine struct {
	db                    *sql.DB
	requiredConfirmations int
	amountTolerance       money.Amount
}

// New constructs a Machine. amountTolerance bounds the §4.3/§8
// "within a tolerance of 1 smallest token unit" exact-payment check.
func New(db *sql.DB, requiredConfirmations int, amountTolerance money.Amount) *Machine {
	return &Machine{db: db, requiredConfirmations: requiredConfirmations, amountTolerance: amountTolerance}
}

// OnDetect records a newly observed on-chain transfer as a PENDING
// Transaction. If txHash already has a row (the push and poll sources
// both saw it), the existing row is returned instead of a duplicate.
func (m *Machine) OnDetect(ctx context.Context, merchantID, addressID, txHash, fromAddr, toAddr string, amount money.Amount, network, currency string) (*models.Transaction, error) {
	if existing, err := m.byTxHash(ctx, txHash); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:          uuid.NewString(),
		MerchantID:  merchantID,
		AddressID:   addressID,
		TxHash:      txHash,
		Status:      models.TxPending,
		Type:        models.TxTypePayment,
		Amount:      amount,
		Currency:    currency,
		Network:     network,
		FromAddress: fromAddr,
		ToAddress:   toAddr,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO transactions
		  (id, merchant_id, address_id, tx_hash, status, type, amount, fee_amount, currency, network,
		   from_address, to_address, confirmations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '0', ?, ?, ?, ?, 0, ?, ?)
	`, tx.ID, tx.MerchantID, tx.AddressID, tx.TxHash, string(tx.Status), string(tx.Type), tx.Amount.String(),
		tx.Currency, tx.Network, tx.FromAddress, tx.ToAddress, tx.CreatedAt.Format(time.RFC3339), tx.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return m.byTxHash(ctx, txHash)
		}
		return nil, gwerr.Wrap(gwerr.Internal, "TX_INSERT_FAILED", "failed to record detected transaction", err)
	}
	return tx, nil
}

// OnConfirmationTick advances confirmations and, once the required
// count is reached, resolves the three-way amount policy: within
// tolerance settles CONFIRMED, short settles UNDERPAID, and over settles
// CONFIRMED with the excess recorded as "overpaid" in metadata_json so
// the caller can enqueue a refund of the difference. A no-op returns
// (false, zero, nil) if the row is already past CONFIRMING.
func (m *Machine) OnConfirmationTick(ctx context.Context, txID string, confirmations int, blockNumber uint64, blockHash string, blockTimestamp time.Time, expectedAmount money.Amount) (bool, money.Amount, error) {
	txRow, err := m.byID(ctx, txID)
	if err != nil {
		return false, money.Zero, err
	}
	if txRow.Status != models.TxPending && txRow.Status != models.TxConfirming {
		return false, money.Zero, nil
	}

	next := models.TxConfirming
	overpaid := money.Zero
	if confirmations >= m.requiredConfirmations {
		switch {
		case txRow.Amount.WithinTolerance(expectedAmount, m.amountTolerance):
			next = models.TxConfirmed
		case txRow.Amount.GreaterThan(expectedAmount):
			next = models.TxConfirmed
			overpaid = txRow.Amount.Sub(expectedAmount)
		default:
			next = models.TxUnderpaid
		}
	}

	ok, err := m.transition(ctx, txID, next, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET confirmations = ?, block_number = ?, block_hash = ?, block_timestamp = ?, updated_at = datetime('now')
			WHERE id = ?
		`, confirmations, blockNumber, blockHash, blockTimestamp.UTC().Format(time.RFC3339), txID); err != nil {
			return err
		}
		if overpaid.IsPositive() {
			meta := txRow.Metadata
			if meta == nil {
				meta = map[string]any{}
			}
			meta["overpaid"] = overpaid.String()
			metaJSON, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE transactions SET metadata_json = ? WHERE id = ?`, string(metaJSON), txID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || !ok {
		return ok, money.Zero, err
	}
	return ok, overpaid, nil
}

// OnSettlementComplete advances a CONFIRMED transaction to SETTLED once
// the settlement sweep has been broadcast.
func (m *Machine) OnSettlementComplete(ctx context.Context, txID, settlementTxHash string) (bool, error) {
	return m.transition(ctx, txID, models.TxSettled, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE transactions SET settlement_tx_hash = ? WHERE id = ?`, settlementTxHash, txID)
		return err
	})
}

// OnAcknowledged advances a SETTLED transaction to COMPLETED once the
// merchant's webhook has been delivered (or exhausted) for it.
func (m *Machine) OnAcknowledged(ctx context.Context, txID string) (bool, error) {
	return m.transition(ctx, txID, models.TxCompleted, nil)
}

// Fail marks a transaction FAILED, e.g. after on-chain verification
// permanently rejects it.
func (m *Machine) Fail(ctx context.Context, txID string) (bool, error) {
	return m.transition(ctx, txID, models.TxFailed, nil)
}

// Expire marks a still-PENDING transaction EXPIRED once its address's
// TTL has lapsed with no confirmations.
func (m *Machine) Expire(ctx context.Context, txID string) (bool, error) {
	return m.transition(ctx, txID, models.TxExpired, nil)
}

// transition performs the guarded UPDATE enforcing allowedFrom, plus an
// optional extra statement (e.g. setting confirmations) inside the same
// transaction. Returns false, nil if another process already moved the
// row past its expected origin state — the spec.md §8 "transitions are
// idempotent" guarantee.
func (m *Machine) transition(ctx context.Context, txID string, to models.TransactionStatus, extra func(*sql.Tx) error) (bool, error) {
	froms, ok := allowedFrom[to]
	if !ok || len(froms) == 0 {
		return false, gwerr.New(gwerr.Internal, gwerr.CodeIllegalTransition, "no allowed origin states registered for target status")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, gwerr.Wrap(gwerr.Internal, "TX_TRANSITION_BEGIN_FAILED", "failed to start transition transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args := buildGuardedUpdate(txID, to, froms)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, gwerr.Wrap(gwerr.Internal, "TX_TRANSITION_UPDATE_FAILED", "failed to apply guarded transition", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return false, nil
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return false, gwerr.Wrap(gwerr.Internal, "TX_TRANSITION_EXTRA_FAILED", "failed to apply transition side effects", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, gwerr.Wrap(gwerr.Internal, "TX_TRANSITION_COMMIT_FAILED", "failed to commit transition", err)
	}
	return true, nil
}

func buildGuardedUpdate(txID string, to models.TransactionStatus, froms []models.TransactionStatus) (string, []any) {
	placeholders := ""
	args := []any{string(to)}
	for i, f := range froms {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(f))
	}
	args = append(args, txID)
	query := `UPDATE transactions SET status = ?, updated_at = datetime('now') WHERE status IN (` + placeholders + `) AND id = ?`
	return query, args
}

func (m *Machine) byID(ctx context.Context, txID string) (*models.Transaction, error) {
	var t models.Transaction
	var metaJSON string
	err := m.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, address_id, tx_hash, status, type, amount, currency, network, from_address, to_address, confirmations, metadata_json
		FROM transactions WHERE id = ?
	`, txID).Scan(&t.ID, &t.MerchantID, &t.AddressID, &t.TxHash, &t.Status, &t.Type, &t.Amount, &t.Currency, &t.Network, &t.FromAddress, &t.ToAddress, &t.Confirmations, &metaJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, gwerr.CodeTransactionNotFound, "transaction not found")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "TX_LOAD_FAILED", "failed to load transaction", err)
	}
	_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
	return &t, nil
}

func (m *Machine) byTxHash(ctx context.Context, txHash string) (*models.Transaction, error) {
	var t models.Transaction
	var metaJSON string
	err := m.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, address_id, tx_hash, status, type, amount, currency, network, from_address, to_address, confirmations, metadata_json
		FROM transactions WHERE tx_hash = ?
	`, txHash).Scan(&t.ID, &t.MerchantID, &t.AddressID, &t.TxHash, &t.Status, &t.Type, &t.Amount, &t.Currency, &t.Network, &t.FromAddress, &t.ToAddress, &t.Confirmations, &metaJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, gwerr.CodeTransactionNotFound, "transaction not found")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "TX_LOAD_FAILED", "failed to load transaction", err)
	}
	_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
	return &t, nil
}

func isNotFound(err error) bool {
	var e *gwerr.Error
	return gwerr.As(err, &e) && e.Class == gwerr.NotFound
}

// isUniqueViolation mirrors the teacher's sqliteIsUniqueConstraintError,
// which checks the modernc.org/sqlite driver's error string shape.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return containsUniqueConstraint(err.Error())
}

func containsUniqueConstraint(s string) bool {
	const needle = "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
