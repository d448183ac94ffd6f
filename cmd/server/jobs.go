package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxzoid/gatewaycore/pkg/addressmgr"
	"github.com/oxzoid/gatewaycore/pkg/audit"
	"github.com/oxzoid/gatewaycore/pkg/blockchain"
	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/idempotency"
	"github.com/oxzoid/gatewaycore/pkg/metrics"
	"github.com/oxzoid/gatewaycore/pkg/models"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/payout"
	"github.com/oxzoid/gatewaycore/pkg/queuebus"
	"github.com/oxzoid/gatewaycore/pkg/refund"
	"github.com/oxzoid/gatewaycore/pkg/settlement"
	"github.com/oxzoid/gatewaycore/pkg/txstate"
	"github.com/oxzoid/gatewaycore/pkg/webhook"
)

// app bundles every engine the background workers and schedulers need. It
// plays the role the teacher's package-level db handle in pkg/api played,
// but threaded explicitly instead of relying on process-global state.
type app struct {
	db          *sql.DB
	log         zerolog.Logger
	addresses   *addressmgr.Manager
	monitor     *blockchain.Monitor
	machine     *txstate.Machine
	settlements *settlement.Engine
	payouts     *payout.Engine
	refunds     *refund.Engine
	webhooks    *webhook.Dispatcher
	audit       *audit.Logger
	bus         *queuebus.Bus
}

type transferJob struct {
	TxID string `json:"tx_id"`
}

type webhookJob struct {
	MerchantID string          `json:"merchant_id"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
}

type payoutJob struct {
	TxID string `json:"tx_id"`
}

type settlementJob struct {
	BatchID string `json:"batch_id"`
}

type refundJob struct {
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
}

type watchedAddress struct {
	ID             string
	MerchantID     string
	Address        string
	Currency       string
	ExpectedAmount money.Amount
}

func (a *app) lookupAddress(ctx context.Context, address string) (*watchedAddress, error) {
	var w watchedAddress
	var expected string
	err := a.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, address, currency, expected_amount
		FROM payment_addresses WHERE LOWER(address) = LOWER(?) AND status = 'ACTIVE'
	`, address).Scan(&w.ID, &w.MerchantID, &w.Address, &w.Currency, &expected)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, gwerr.CodeAddressNotFound, "no watched address for this destination")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "ADDRESS_LOOKUP_FAILED", "failed to look up watched address", err)
	}
	w.ExpectedAmount, _ = money.New(expected)
	return &w, nil
}

// onTransfer is the blockchain Monitor's Sink: it re-verifies the
// transfer against its own receipt, records it as a PENDING transaction,
// and hands confirmation tracking off to the queue so the log feed never
// blocks on an RPC round trip.
func (a *app) onTransfer(ctx context.Context, t blockchain.Transfer) error {
	w, err := a.lookupAddress(ctx, t.To)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	ok, err := a.monitor.VerifyReceipt(ctx, t.TxHash, t.LogIndex, w.Address)
	if err != nil {
		return err
	}
	if !ok {
		a.log.Warn().Str("tx_hash", t.TxHash).Str("address", w.Address).Msg("transfer failed receipt re-verification")
		return nil
	}

	amount, err := a.monitor.Amount(t)
	if err != nil {
		return err
	}

	tx, err := a.machine.OnDetect(ctx, w.MerchantID, w.ID, t.TxHash, t.From, t.To, amount, "BSC", w.Currency)
	if err != nil {
		return err
	}
	metrics.TransactionsDetected.WithLabelValues("BSC").Inc()
	metrics.TransactionStateTransitions.WithLabelValues(string(tx.Status)).Inc()
	_ = a.addresses.MarkUsed(ctx, w.ID)
	_ = a.audit.Log(ctx, audit.Entry{
		Action: models.AuditTxStateChanged, EntityType: "transaction", EntityID: tx.ID,
		NewSnapshot: string(tx.Status), MerchantID: w.MerchantID, Description: "on-chain transfer detected",
	})
	a.enqueueWebhook(ctx, w.MerchantID, models.EventPaymentReceived, tx)

	payload, _ := json.Marshal(transferJob{TxID: tx.ID})
	_, err = a.bus.Enqueue(ctx, queuebus.QueueTransactionMonitor, string(payload), 0, 500)
	return err
}

// trackConfirmations drains QueueTransactionMonitor: it polls the chain
// for txID's confirmation depth and feeds the state machine until the
// required count is reached, at which point it dispatches the
// confirmed/underpaid webhook and acks the job.
func (a *app) trackConfirmations(ctx context.Context, job queuebus.Job) error {
	var tj transferJob
	if err := json.Unmarshal([]byte(job.Payload), &tj); err != nil {
		return gwerr.Wrap(gwerr.Internal, "JOB_DECODE_FAILED", "failed to decode transaction monitor job", err)
	}

	var txHash, status, merchantID, addressID string
	err := a.db.QueryRowContext(ctx, `SELECT tx_hash, status, merchant_id, address_id FROM transactions WHERE id = ?`, tj.TxID).
		Scan(&txHash, &status, &merchantID, &addressID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return gwerr.Wrap(gwerr.Internal, "TX_LOOKUP_FAILED", "failed to load transaction for confirmation tracking", err)
	}
	if status != string(models.TxPending) && status != string(models.TxConfirming) {
		return nil
	}

	expected, err := a.expectedAmountForAddress(ctx, addressID)
	if err != nil {
		return err
	}

	confirmations, blockNumber, blockHash, err := a.monitor.Confirmations(ctx, txHash)
	if err != nil {
		return err
	}
	_, overpaid, err := a.machine.OnConfirmationTick(ctx, tj.TxID, confirmations, blockNumber, blockHash, time.Now(), expected)
	if err != nil {
		return err
	}

	var newStatus string
	if err := a.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = ?`, tj.TxID).Scan(&newStatus); err != nil {
		return gwerr.Wrap(gwerr.Internal, "TX_RELOAD_FAILED", "failed to reload transaction status", err)
	}
	if newStatus == string(models.TxPending) || newStatus == string(models.TxConfirming) {
		return fmt.Errorf("awaiting confirmations: %d observed", confirmations)
	}

	metrics.TransactionStateTransitions.WithLabelValues(newStatus).Inc()
	event := models.EventPaymentConfirmed
	if newStatus == string(models.TxUnderpaid) {
		event = models.EventPaymentUnderpaid
	}
	a.enqueueWebhook(ctx, merchantID, event, map[string]string{"transaction_id": tj.TxID, "status": newStatus})
	_ = a.audit.Log(ctx, audit.Entry{Action: models.AuditTxStateChanged, EntityType: "transaction", EntityID: tj.TxID, NewSnapshot: newStatus, MerchantID: merchantID, Description: "confirmation threshold reached"})

	if newStatus == string(models.TxConfirmed) && overpaid.IsPositive() {
		a.enqueueRefund(ctx, tj.TxID, overpaid)
	}
	return nil
}

// enqueueRefund hands an overpayment's excess off to QueueRefundProcess.
// The source transaction is still CONFIRMED, not yet SETTLED, so
// processRefund's call into refund.Engine.Create is expected to fail and
// get retried with backoff until settlement completes — the same
// eventually-consistent pattern enqueuePendingPayouts relies on.
func (a *app) enqueueRefund(ctx context.Context, txID string, amount money.Amount) {
	payload, _ := json.Marshal(refundJob{TransactionID: txID, Amount: amount.String()})
	if _, err := a.bus.Enqueue(ctx, queuebus.QueueRefundProcess, string(payload), 0, 500); err != nil {
		a.log.Error().Err(err).Str("tx_id", txID).Msg("failed to enqueue overpayment refund")
	}
}

func (a *app) expectedAmountForAddress(ctx context.Context, addressID string) (money.Amount, error) {
	var expected string
	if err := a.db.QueryRowContext(ctx, `SELECT expected_amount FROM payment_addresses WHERE id = ?`, addressID).Scan(&expected); err != nil {
		return money.Zero, gwerr.Wrap(gwerr.Internal, "EXPECTED_AMOUNT_LOOKUP_FAILED", "failed to load expected amount", err)
	}
	amt, err := money.New(expected)
	if err != nil {
		return money.Zero, gwerr.Wrap(gwerr.Internal, "EXPECTED_AMOUNT_INVALID", "invalid stored expected amount", err)
	}
	return amt, nil
}

// enqueueWebhook hands a Dispatch call off to QueueWebhookSend instead of
// calling the Dispatcher inline, so a slow or down merchant endpoint
// never blocks the detection/confirmation path that enqueued it.
func (a *app) enqueueWebhook(ctx context.Context, merchantID string, event models.EventName, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to encode webhook job payload")
		return
	}
	job, _ := json.Marshal(webhookJob{MerchantID: merchantID, Event: string(event), Data: payload})
	if _, err := a.bus.Enqueue(ctx, queuebus.QueueWebhookSend, string(job), 0, 20); err != nil {
		a.log.Error().Err(err).Msg("failed to enqueue webhook job")
	}
}

func (a *app) sendWebhook(ctx context.Context, job queuebus.Job) error {
	var wj webhookJob
	if err := json.Unmarshal([]byte(job.Payload), &wj); err != nil {
		return gwerr.Wrap(gwerr.Internal, "JOB_DECODE_FAILED", "failed to decode webhook job", err)
	}
	err := a.webhooks.Dispatch(ctx, wj.MerchantID, models.EventName(wj.Event), wj.Data)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	return err
}

// enqueuePendingPayouts scans for payouts created by the REST surface but
// not yet submitted and hands each to QueuePayoutExecute, decoupling
// request latency from the backend round trip exactly as payout.Create's
// own doc comment calls for.
func (a *app) enqueuePendingPayouts(ctx context.Context) {
	rows, err := a.db.QueryContext(ctx, `SELECT id FROM transactions WHERE type = 'PAYOUT' AND status = 'PENDING'`)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to scan pending payouts")
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()
	for _, id := range ids {
		payload, _ := json.Marshal(payoutJob{TxID: id})
		if _, err := a.bus.Enqueue(ctx, queuebus.QueuePayoutExecute, string(payload), 0, 10); err != nil {
			a.log.Error().Err(err).Str("tx_id", id).Msg("failed to enqueue payout")
		}
	}
}

func (a *app) executePayout(ctx context.Context, job queuebus.Job) error {
	var pj payoutJob
	if err := json.Unmarshal([]byte(job.Payload), &pj); err != nil {
		return gwerr.Wrap(gwerr.Internal, "JOB_DECODE_FAILED", "failed to decode payout job", err)
	}
	err := a.payouts.Execute(ctx, pj.TxID)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.PayoutsExecuted.WithLabelValues(outcome).Inc()
	return err
}

// processRefund drains QueueRefundProcess. Overpayment refunds are
// enqueued the moment a transaction confirms, well before settlement
// makes it eligible, so a rejection here surfaces as an error the
// worker nacks with backoff and retries — no different from any other
// job racing ahead of the state it depends on.
func (a *app) processRefund(ctx context.Context, job queuebus.Job) error {
	var rj refundJob
	if err := json.Unmarshal([]byte(job.Payload), &rj); err != nil {
		return gwerr.Wrap(gwerr.Internal, "JOB_DECODE_FAILED", "failed to decode refund job", err)
	}
	amount, err := money.New(rj.Amount)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "REFUND_JOB_AMOUNT_INVALID", "invalid refund job amount", err)
	}
	_, err = a.refunds.Create(ctx, refund.Params{
		TransactionID:  rj.TransactionID,
		Amount:         amount,
		IdempotencyKey: "overpay:" + rj.TransactionID,
	})
	return err
}

func (a *app) sweepExpiredAddresses(ctx context.Context) {
	n, err := a.addresses.SweepExpired(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("address sweep failed")
		return
	}
	if n > 0 {
		metrics.AddressesExpired.Add(float64(n))
		a.log.Info().Int64("count", n).Msg("expired addresses swept")
	}
}

func (a *app) scheduleSettlements(ctx context.Context) {
	n, err := a.settlements.ScheduleSettlements(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("settlement scheduling failed")
		return
	}
	if n > 0 {
		a.log.Info().Int("count", n).Msg("transactions scheduled for settlement")
	}
}

// enqueueScheduledBatches hands every SCHEDULED settlement_batches row to
// QueueSettlementExecute, decoupling batch creation from the on-chain
// sweep the same way payouts are decoupled from submission.
func (a *app) enqueueScheduledBatches(ctx context.Context) {
	rows, err := a.db.QueryContext(ctx, `SELECT id FROM settlement_batches WHERE status = 'SCHEDULED'`)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to scan scheduled settlement batches")
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()
	for _, id := range ids {
		payload, _ := json.Marshal(settlementJob{BatchID: id})
		if _, err := a.bus.Enqueue(ctx, queuebus.QueueSettlementExecute, string(payload), 0, 10); err != nil {
			a.log.Error().Err(err).Str("batch_id", id).Msg("failed to enqueue settlement batch")
		}
	}
}

func (a *app) executeSettlementBatch(ctx context.Context, job queuebus.Job) error {
	var sj settlementJob
	if err := json.Unmarshal([]byte(job.Payload), &sj); err != nil {
		return gwerr.Wrap(gwerr.Internal, "JOB_DECODE_FAILED", "failed to decode settlement job", err)
	}
	txIDs, merchantID, err := a.settlementBatchTransactions(ctx, sj.BatchID)
	if err != nil {
		return err
	}
	if err := a.settlements.Execute(ctx, sj.BatchID); err != nil {
		return err
	}
	metrics.SettlementBatchesExecuted.Inc()

	for _, txID := range txIDs {
		_ = a.audit.Log(ctx, audit.Entry{Action: models.AuditSettlementExec, EntityType: "transaction", EntityID: txID, MerchantID: merchantID, Description: "settlement batch executed"})
		a.enqueueWebhook(ctx, merchantID, models.EventTransactionSettled, map[string]string{"transaction_id": txID})
		if ok, err := a.machine.OnAcknowledged(ctx, txID); err == nil && ok {
			a.enqueueWebhook(ctx, merchantID, models.EventPaymentCompleted, map[string]string{"transaction_id": txID})
		}
	}
	return nil
}

func (a *app) settlementBatchTransactions(ctx context.Context, batchID string) ([]string, string, error) {
	var merchantID string
	if err := a.db.QueryRowContext(ctx, `SELECT merchant_id FROM settlement_batches WHERE id = ?`, batchID).Scan(&merchantID); err != nil {
		return nil, "", gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_LOOKUP_FAILED", "failed to load settlement batch merchant", err)
	}
	rows, err := a.db.QueryContext(ctx, `SELECT transaction_id FROM settlement_batch_transactions WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, "", gwerr.Wrap(gwerr.Internal, "SETTLEMENT_BATCH_TX_SCAN_FAILED", "failed to load settlement batch transactions", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	return ids, merchantID, nil
}

// checkColdStorage estimates the hot wallet's outstanding balance as the
// sum of CONFIRMED payments not yet settled — the same running-total
// idiom settlement.scheduleBatch uses — and triggers a sweep to cold
// storage once it crosses the configured threshold.
func (a *app) checkColdStorage(ctx context.Context, reserve money.Amount) {
	rows, err := a.db.QueryContext(ctx, `SELECT amount FROM transactions WHERE status = 'CONFIRMED' AND type = 'PAYMENT'`)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to compute hot wallet balance")
		return
	}
	total := money.Zero
	for rows.Next() {
		var amt money.Amount
		if rows.Scan(&amt) == nil {
			total = total.Add(amt)
		}
	}
	rows.Close()

	swept, err := a.settlements.TransferToColdStorage(ctx, "", total, reserve)
	if err != nil {
		a.log.Error().Err(err).Msg("cold storage sweep failed")
		return
	}
	if swept {
		metrics.ColdStorageSweeps.Inc()
		a.log.Info().Msg("hot wallet excess swept to cold storage")
	}
}

func (a *app) sweepIdempotencyKeys(ctx context.Context, store *idempotency.Store) {
	n, err := store.SweepExpired(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("idempotency sweep failed")
		return
	}
	if n > 0 {
		a.log.Info().Int64("count", n).Msg("expired idempotency keys swept")
	}
}

func isNotFound(err error) bool {
	var e *gwerr.Error
	return gwerr.As(err, &e) && e.Class == gwerr.NotFound
}
