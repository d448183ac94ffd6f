// Package settlement implements the Settlement Engine from spec.md §4.4:
// batching CONFIRMED transactions per merchant in FIFO order, applying
// the merchant's fee schedule, sweeping funds to the merchant's
// settlement address, and rebalancing the hot wallet to cold storage
// once its balance crosses HOT_WALLET_THRESHOLD. Grounded on the
// teacher's settlement_batches table (declared but never populated) and
// its StartSettlementScheduler's "age past a delay, flip status" shape,
// generalized into the full batch-then-sweep contract.
package settlement

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/models"
	"github.com/oxzoid/gatewaycore/pkg/money"
)

// Sweeper broadcasts the actual on-chain transfer that empties a batch
// of confirmed transactions into the merchant's settlement address (or
// the cold wallet). Implemented by pkg/payout/onchain in this gateway;
// kept as an interface here so settlement logic is testable without a
// live chain connection.
type Sweeper interface {
	Sweep(ctx context.Context, fromAddressID, toAddress string, amount money.Amount) (txHash string, err error)
}

// Engine runs settlement batching and cold-storage rebalancing.
type Engine struct {
	db                *sql.DB
	sweeper           Sweeper
	hotWalletThreshold money.Amount
	coldWalletAddress string
	settleDelay       time.Duration

	coldStorageMu sync.Mutex // single-flight guard, spec.md §5
}

// New constructs an Engine.
func New(db *sql.DB, sweeper Sweeper, hotWalletThreshold money.Amount, coldWalletAddress string, settleDelay time.Duration) *Engine {
	return &Engine{db: db, sweeper: sweeper, hotWalletThreshold: hotWalletThreshold, coldWalletAddress: coldWalletAddress, settleDelay: settleDelay}
}

// ScheduleSettlements groups every CONFIRMED transaction older than
// settleDelay into one SCHEDULED settlement_batches row per
// (merchant, currency), in FIFO order by confirmation time.
func (e *Engine) ScheduleSettlements(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.settleDelay).Format(time.RFC3339)
	rows, err := e.db.QueryContext(ctx, `
		SELECT DISTINCT merchant_id, currency FROM transactions
		WHERE status = 'CONFIRMED' AND type = 'PAYMENT' AND datetime(updated_at) <= datetime(?)
	`, cutoff)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "SETTLEMENT_SCAN_FAILED", "failed to scan confirmed transactions for scheduling", err)
	}
	type group struct{ merchantID, currency string }
	var groups []group
	for rows.Next() {
		var g group
		if err := rows.Scan(&g.merchantID, &g.currency); err == nil {
			groups = append(groups, g)
		}
	}
	rows.Close()

	scheduled := 0
	for _, g := range groups {
		n, err := e.scheduleBatch(ctx, g.merchantID, g.currency, cutoff)
		if err != nil {
			return scheduled, err
		}
		scheduled += n
	}
	return scheduled, nil
}

func (e *Engine) scheduleBatch(ctx context.Context, merchantID, currency, cutoff string) (int, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_TX_FAILED", "failed to start batch transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, amount FROM transactions
		WHERE merchant_id = ? AND currency = ? AND status = 'CONFIRMED' AND type = 'PAYMENT' AND datetime(updated_at) <= datetime(?)
		ORDER BY datetime(updated_at) ASC
	`, merchantID, currency, cutoff)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_QUERY_FAILED", "failed to query batchable transactions", err)
	}
	var txIDs []string
	total := money.Zero
	for rows.Next() {
		var id string
		var amt money.Amount
		if err := rows.Scan(&id, &amt); err != nil {
			rows.Close()
			return 0, gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_SCAN_FAILED", "failed to scan batchable transaction", err)
		}
		txIDs = append(txIDs, id)
		total = total.Add(amt)
	}
	rows.Close()
	if len(txIDs) == 0 {
		return 0, nil
	}

	fee, err := e.feeFor(ctx, tx, merchantID, total)
	if err != nil {
		return 0, err
	}

	batchID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO settlement_batches (id, merchant_id, currency, scheduled_for, status, total_amount, fee_amount, created_at)
		VALUES (?, ?, ?, ?, 'SCHEDULED', ?, ?, ?)
	`, batchID, merchantID, currency, now, total.String(), fee.String(), now)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_INSERT_FAILED", "failed to insert settlement batch", err)
	}
	for _, txID := range txIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settlement_batch_transactions (batch_id, transaction_id) VALUES (?, ?)`, batchID, txID); err != nil {
			return 0, gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_LINK_FAILED", "failed to link transaction to batch", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_COMMIT_FAILED", "failed to commit settlement batch", err)
	}
	return len(txIDs), nil
}

func (e *Engine) feeFor(ctx context.Context, tx *sql.Tx, merchantID string, amount money.Amount) (money.Amount, error) {
	var percent int64
	var fixed string
	if err := tx.QueryRowContext(ctx, `SELECT fee_percent_bps, fee_fixed FROM merchants WHERE id = ?`, merchantID).Scan(&percent, &fixed); err != nil {
		return money.Zero, gwerr.Wrap(gwerr.Internal, "SETTLEMENT_FEE_LOOKUP_FAILED", "failed to load merchant fee schedule", err)
	}
	fixedAmt, err := money.New(fixed)
	if err != nil {
		fixedAmt = money.Zero
	}
	schedule := models.FeeSchedule{PercentBps: percent, Fixed: fixedAmt}
	return schedule.Apply(amount), nil
}

// Execute broadcasts the sweep transaction for a SCHEDULED batch,
// advances its transactions to SETTLED, and marks the batch EXECUTED.
// It also records the sweep itself as a SETTLEMENT-type Transaction and
// the batch's accrued fee as a FEE-type Transaction, so every settled
// payment's settlementTxHash resolves to a real ledger row instead of
// only a settlement_batches column.
func (e *Engine) Execute(ctx context.Context, batchID string) error {
	var merchantID, currency, total, feeAmount, settlementAddr string
	err := e.db.QueryRowContext(ctx, `
		SELECT sb.merchant_id, sb.currency, sb.total_amount, sb.fee_amount, m.settlement_address
		FROM settlement_batches sb JOIN merchants m ON m.id = sb.merchant_id
		WHERE sb.id = ? AND sb.status = 'SCHEDULED'
	`, batchID).Scan(&merchantID, &currency, &total, &feeAmount, &settlementAddr)
	if err != nil {
		if err == sql.ErrNoRows {
			return gwerr.New(gwerr.NotFound, "SETTLEMENT_BATCH_NOT_FOUND", "settlement batch not found or not schedulable")
		}
		return gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_LOOKUP_FAILED", "failed to load settlement batch", err)
	}
	if settlementAddr == "" {
		return gwerr.New(gwerr.Validation, "SETTLEMENT_ADDRESS_MISSING", "merchant has no settlement address configured")
	}
	amount, err := money.New(total)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "SETTLEMENT_AMOUNT_INVALID", "invalid total amount on settlement batch", err)
	}
	fee, err := money.New(feeAmount)
	if err != nil {
		fee = money.Zero
	}

	txHash, err := e.sweeper.Sweep(ctx, "", settlementAddr, amount)
	if err != nil {
		return gwerr.Wrap(gwerr.External, "SETTLEMENT_SWEEP_FAILED", "failed to broadcast settlement sweep", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "SETTLEMENT_EXECUTE_TX_FAILED", "failed to start execute transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE settlement_batches SET status = 'EXECUTED', settlement_tx_hash = ?, executed_at = datetime('now')
		WHERE id = ? AND status = 'SCHEDULED'
	`, txHash, batchID); err != nil {
		return gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_UPDATE_FAILED", "failed to mark batch executed", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = 'SETTLED', settlement_tx_hash = ?, updated_at = datetime('now')
		WHERE id IN (SELECT transaction_id FROM settlement_batch_transactions WHERE batch_id = ?) AND status = 'CONFIRMED'
	`, txHash, batchID); err != nil {
		return gwerr.Wrap(gwerr.Internal, "SETTLEMENT_TX_UPDATE_FAILED", "failed to settle batch transactions", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, merchant_id, tx_hash, status, type, amount, fee_amount, currency, network, to_address, settlement_tx_hash, external_reference, created_at, updated_at)
		VALUES (?, ?, ?, 'SETTLED', 'SETTLEMENT', ?, '0', ?, 'BSC', ?, ?, ?, ?, ?)
	`, uuid.NewString(), merchantID, txHash, amount.String(), currency, settlementAddr, txHash, batchID, now, now); err != nil {
		return gwerr.Wrap(gwerr.Internal, "SETTLEMENT_TX_INSERT_FAILED", "failed to record settlement transaction", err)
	}
	if fee.IsPositive() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, merchant_id, status, type, amount, fee_amount, currency, network, settlement_tx_hash, external_reference, created_at, updated_at)
			VALUES (?, ?, 'SETTLED', 'FEE', ?, '0', ?, 'BSC', ?, ?, ?, ?)
		`, uuid.NewString(), merchantID, fee.String(), currency, txHash, batchID, now, now); err != nil {
			return gwerr.Wrap(gwerr.Internal, "SETTLEMENT_FEE_TX_INSERT_FAILED", "failed to record settlement fee transaction", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return gwerr.Wrap(gwerr.Internal, "SETTLEMENT_EXECUTE_COMMIT_FAILED", "failed to commit settlement execution", err)
	}
	return nil
}

// TransferToColdStorage sweeps the hot wallet down to ColdStorageReserve
// whenever its balance exceeds hotWalletThreshold. Single-flight guarded
// so two scheduler ticks never race the same sweep, per spec.md §5.
func (e *Engine) TransferToColdStorage(ctx context.Context, hotWalletAddressID string, hotBalance, reserve money.Amount) (bool, error) {
	if !hotBalance.GreaterThan(e.hotWalletThreshold) {
		return false, nil
	}
	if !e.coldStorageMu.TryLock() {
		return false, nil
	}
	defer e.coldStorageMu.Unlock()

	excess := hotBalance.Sub(reserve)
	if !excess.IsPositive() {
		return false, nil
	}
	if _, err := e.sweeper.Sweep(ctx, hotWalletAddressID, e.coldWalletAddress, excess); err != nil {
		return false, gwerr.Wrap(gwerr.External, "COLDSTORAGE_SWEEP_FAILED", "failed to sweep excess hot wallet balance to cold storage", err)
	}
	return true, nil
}
