package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/gatewaycore/pkg/dbtest"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/settlement"
)

type fakeSweeper struct {
	txHash string
	err    error
	swept  []struct {
		from, to string
		amount   money.Amount
	}
}

func (f *fakeSweeper) Sweep(ctx context.Context, fromAddressID, toAddress string, amount money.Amount) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.swept = append(f.swept, struct {
		from, to string
		amount   money.Amount
	}{fromAddressID, toAddress, amount})
	return f.txHash, nil
}

func TestScheduleSettlementsGroupsByMerchantAndCurrency(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "m-1")
	if _, err := database.Exec(`UPDATE merchants SET fee_percent_bps = 100, fee_fixed = '1' WHERE id = 'm-1'`); err != nil {
		t.Fatalf("set fee schedule: %v", err)
	}

	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	for _, amt := range []string{"100", "200"} {
		if _, err := database.Exec(`
			INSERT INTO transactions (id, merchant_id, status, type, amount, currency, created_at, updated_at)
			VALUES (?, 'm-1', 'CONFIRMED', 'PAYMENT', ?, 'USDT', ?, ?)
		`, uuid.NewString(), amt, old, old); err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
	}

	sweeper := &fakeSweeper{txHash: "0xsweep"}
	engine := settlement.New(database, sweeper, money.Zero, "0xcold", time.Minute)
	scheduled, err := engine.ScheduleSettlements(context.Background())
	if err != nil {
		t.Fatalf("ScheduleSettlements: %v", err)
	}
	if scheduled != 2 {
		t.Fatalf("expected 2 transactions scheduled into a batch, got %d", scheduled)
	}

	var status, total, fee string
	if err := database.QueryRow(`SELECT status, total_amount, fee_amount FROM settlement_batches WHERE merchant_id = 'm-1'`).
		Scan(&status, &total, &fee); err != nil {
		t.Fatalf("query batch: %v", err)
	}
	if status != "SCHEDULED" {
		t.Fatalf("expected SCHEDULED, got %s", status)
	}
	if total != "300" {
		t.Fatalf("expected total_amount 300, got %s", total)
	}
	// 1% of 300 + fixed 1 = 4.
	if fee != "4" {
		t.Fatalf("expected fee_amount 4, got %s", fee)
	}
}

func TestScheduleSettlementsSkipsTransactionsBeforeDelayElapses(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "m-1")
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := database.Exec(`
		INSERT INTO transactions (id, merchant_id, status, type, amount, currency, created_at, updated_at)
		VALUES (?, 'm-1', 'CONFIRMED', 'PAYMENT', '50', 'USDT', ?, ?)
	`, uuid.NewString(), now, now); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	sweeper := &fakeSweeper{txHash: "0xsweep"}
	engine := settlement.New(database, sweeper, money.Zero, "0xcold", time.Hour)
	scheduled, err := engine.ScheduleSettlements(context.Background())
	if err != nil {
		t.Fatalf("ScheduleSettlements: %v", err)
	}
	if scheduled != 0 {
		t.Fatalf("expected 0 transactions scheduled since settleDelay hasn't elapsed, got %d", scheduled)
	}
}

func TestExecuteSweepsBatchAndSettlesTransactions(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "m-1")
	if _, err := database.Exec(`UPDATE merchants SET settlement_address = '0xmerchant', fee_percent_bps = 100, fee_fixed = '1' WHERE id = 'm-1'`); err != nil {
		t.Fatalf("set settlement address: %v", err)
	}

	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	txID := uuid.NewString()
	if _, err := database.Exec(`
		INSERT INTO transactions (id, merchant_id, status, type, amount, currency, created_at, updated_at)
		VALUES (?, 'm-1', 'CONFIRMED', 'PAYMENT', '100', 'USDT', ?, ?)
	`, txID, old, old); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	sweeper := &fakeSweeper{txHash: "0xswept123"}
	engine := settlement.New(database, sweeper, money.Zero, "0xcold", time.Minute)
	if _, err := engine.ScheduleSettlements(context.Background()); err != nil {
		t.Fatalf("ScheduleSettlements: %v", err)
	}

	var batchID string
	if err := database.QueryRow(`SELECT id FROM settlement_batches WHERE merchant_id = 'm-1'`).Scan(&batchID); err != nil {
		t.Fatalf("query batch id: %v", err)
	}

	if err := engine.Execute(context.Background(), batchID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(sweeper.swept) != 1 || sweeper.swept[0].to != "0xmerchant" {
		t.Fatalf("expected one sweep to 0xmerchant, got %v", sweeper.swept)
	}

	var batchStatus, batchTxHash string
	if err := database.QueryRow(`SELECT status, settlement_tx_hash FROM settlement_batches WHERE id = ?`, batchID).
		Scan(&batchStatus, &batchTxHash); err != nil {
		t.Fatalf("query batch: %v", err)
	}
	if batchStatus != "EXECUTED" || batchTxHash != "0xswept123" {
		t.Fatalf("expected EXECUTED/0xswept123, got %s/%s", batchStatus, batchTxHash)
	}

	var txStatus, txSettlementHash string
	if err := database.QueryRow(`SELECT status, settlement_tx_hash FROM transactions WHERE id = ?`, txID).
		Scan(&txStatus, &txSettlementHash); err != nil {
		t.Fatalf("query transaction: %v", err)
	}
	if txStatus != "SETTLED" || txSettlementHash != "0xswept123" {
		t.Fatalf("expected SETTLED/0xswept123, got %s/%s", txStatus, txSettlementHash)
	}

	var settlementCount int
	if err := database.QueryRow(`
		SELECT COUNT(*) FROM transactions WHERE type = 'SETTLEMENT' AND settlement_tx_hash = '0xswept123' AND amount = '100'
	`).Scan(&settlementCount); err != nil {
		t.Fatalf("query settlement transaction: %v", err)
	}
	if settlementCount != 1 {
		t.Fatalf("expected one SETTLEMENT transaction recording the sweep, got %d", settlementCount)
	}

	var feeCount int
	var feeAmount string
	if err := database.QueryRow(`
		SELECT COUNT(*), amount FROM transactions WHERE type = 'FEE' AND settlement_tx_hash = '0xswept123'
	`).Scan(&feeCount, &feeAmount); err != nil {
		t.Fatalf("query fee transaction: %v", err)
	}
	// 1% of 100 + fixed 1 = 2.
	if feeCount != 1 || feeAmount != "2" {
		t.Fatalf("expected one FEE transaction of 2, got count=%d amount=%s", feeCount, feeAmount)
	}
}

func TestExecuteRejectsBatchWithoutSettlementAddress(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "m-1")

	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := database.Exec(`
		INSERT INTO transactions (id, merchant_id, status, type, amount, currency, created_at, updated_at)
		VALUES (?, 'm-1', 'CONFIRMED', 'PAYMENT', '100', 'USDT', ?, ?)
	`, uuid.NewString(), old, old); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	sweeper := &fakeSweeper{txHash: "0xswept"}
	engine := settlement.New(database, sweeper, money.Zero, "0xcold", time.Minute)
	if _, err := engine.ScheduleSettlements(context.Background()); err != nil {
		t.Fatalf("ScheduleSettlements: %v", err)
	}

	var batchID string
	if err := database.QueryRow(`SELECT id FROM settlement_batches WHERE merchant_id = 'm-1'`).Scan(&batchID); err != nil {
		t.Fatalf("query batch id: %v", err)
	}

	if err := engine.Execute(context.Background(), batchID); err == nil {
		t.Fatal("expected Execute to reject a batch whose merchant has no settlement address")
	}
}

func TestTransferToColdStorageSweepsExcessAboveThreshold(t *testing.T) {
	database := dbtest.Open(t)
	threshold, _ := money.New("1000")
	hotBalance, _ := money.New("1500")
	reserve, _ := money.New("200")
	sweeper := &fakeSweeper{txHash: "0xcoldsweep"}
	engine := settlement.New(database, sweeper, threshold, "0xcoldwallet", time.Minute)

	moved, err := engine.TransferToColdStorage(context.Background(), "hot-addr-1", hotBalance, reserve)
	if err != nil {
		t.Fatalf("TransferToColdStorage: %v", err)
	}
	if !moved {
		t.Fatal("expected a cold-storage sweep to occur")
	}
	if len(sweeper.swept) != 1 || sweeper.swept[0].to != "0xcoldwallet" || sweeper.swept[0].amount.String() != "1300" {
		t.Fatalf("expected a sweep of 1300 to 0xcoldwallet, got %v", sweeper.swept)
	}
}

func TestTransferToColdStorageNoopsBelowThreshold(t *testing.T) {
	database := dbtest.Open(t)
	threshold, _ := money.New("1000")
	hotBalance, _ := money.New("500")
	reserve, _ := money.New("200")
	sweeper := &fakeSweeper{txHash: "0xcoldsweep"}
	engine := settlement.New(database, sweeper, threshold, "0xcoldwallet", time.Minute)

	moved, err := engine.TransferToColdStorage(context.Background(), "hot-addr-1", hotBalance, reserve)
	if err != nil {
		t.Fatalf("TransferToColdStorage: %v", err)
	}
	if moved {
		t.Fatal("expected no sweep below threshold")
	}
	if len(sweeper.swept) != 0 {
		t.Fatalf("expected zero sweeps, got %v", sweeper.swept)
	}
}
