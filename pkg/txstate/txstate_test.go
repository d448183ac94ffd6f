package txstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/oxzoid/gatewaycore/pkg/dbtest"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/txstate"
)

func newMachine(t *testing.T) (*txstate.Machine, func()) {
	t.Helper()
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "merchant-1")
	tolerance, err := money.New("0.01")
	if err != nil {
		t.Fatalf("money.New: %v", err)
	}
	return txstate.New(database, 2, tolerance), func() {}
}

func TestOnDetectIsIdempotentPerTxHash(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	amount, _ := money.New("100")

	first, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash1", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect: %v", err)
	}
	second, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash1", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect (replay): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same transaction row on replay, got %s vs %s", first.ID, second.ID)
	}
}

func TestOnConfirmationTickReachesConfirmed(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	amount, _ := money.New("100")
	expected, _ := money.New("100")

	tx, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash2", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect: %v", err)
	}

	ok, _, err := m.OnConfirmationTick(ctx, tx.ID, 1, 100, "0xblock", time.Now(), expected)
	if err != nil {
		t.Fatalf("OnConfirmationTick (1st): %v", err)
	}
	if !ok {
		t.Fatal("expected the first tick to apply (PENDING -> CONFIRMING)")
	}

	ok, overpaid, err := m.OnConfirmationTick(ctx, tx.ID, 2, 101, "0xblock2", time.Now(), expected)
	if err != nil {
		t.Fatalf("OnConfirmationTick (2nd): %v", err)
	}
	if !ok {
		t.Fatal("expected the second tick to apply (CONFIRMING -> CONFIRMED)")
	}
	if !overpaid.IsZero() {
		t.Fatalf("expected no overpaid excess for an exact payment, got %s", overpaid.String())
	}
}

func TestOnConfirmationTickUnderpaidOutsideTolerance(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	amount, _ := money.New("90")
	expected, _ := money.New("100")

	tx, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash3", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect: %v", err)
	}
	if _, _, err := m.OnConfirmationTick(ctx, tx.ID, 2, 100, "0xblock", time.Now(), expected); err != nil {
		t.Fatalf("OnConfirmationTick: %v", err)
	}

	second, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash3", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect (reload): %v", err)
	}
	if second.Status != "UNDERPAID" {
		t.Fatalf("expected status UNDERPAID after confirming an amount outside tolerance, got %s", second.Status)
	}
}

func TestOnConfirmationTickOverpaidSettlesConfirmedWithExcess(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	amount, _ := money.New("110")
	expected, _ := money.New("100")

	tx, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash-overpay", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect: %v", err)
	}
	ok, overpaid, err := m.OnConfirmationTick(ctx, tx.ID, 2, 100, "0xblock", time.Now(), expected)
	if err != nil {
		t.Fatalf("OnConfirmationTick: %v", err)
	}
	if !ok {
		t.Fatal("expected the tick to apply")
	}
	if overpaid.String() != "10" {
		t.Fatalf("expected an overpaid excess of 10, got %s", overpaid.String())
	}

	second, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash-overpay", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect (reload): %v", err)
	}
	if second.Status != "CONFIRMED" {
		t.Fatalf("expected status CONFIRMED for an overpayment, got %s", second.Status)
	}
	if second.Metadata["overpaid"] != "10" {
		t.Fatalf("expected metadata overpaid=10, got %v", second.Metadata["overpaid"])
	}
}

func TestSettlementAndCompletionTransitions(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	amount, _ := money.New("100")
	expected, _ := money.New("100")

	tx, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash4", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect: %v", err)
	}
	if _, _, err := m.OnConfirmationTick(ctx, tx.ID, 2, 100, "0xblock", time.Now(), expected); err != nil {
		t.Fatalf("OnConfirmationTick: %v", err)
	}

	ok, err := m.OnSettlementComplete(ctx, tx.ID, "0xsettle")
	if err != nil {
		t.Fatalf("OnSettlementComplete: %v", err)
	}
	if !ok {
		t.Fatal("expected CONFIRMED -> SETTLED to apply")
	}

	ok, err = m.OnAcknowledged(ctx, tx.ID)
	if err != nil {
		t.Fatalf("OnAcknowledged: %v", err)
	}
	if !ok {
		t.Fatal("expected SETTLED -> COMPLETED to apply")
	}

	// Repeating an already-applied transition is a no-op, not an error.
	ok, err = m.OnAcknowledged(ctx, tx.ID)
	if err != nil {
		t.Fatalf("OnAcknowledged (repeat): %v", err)
	}
	if ok {
		t.Fatal("expected a repeated transition past its allowed origin state to be a no-op")
	}
}

func TestExpireOnlyAppliesFromPending(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	amount, _ := money.New("100")
	expected, _ := money.New("100")

	tx, err := m.OnDetect(ctx, "merchant-1", "addr-1", "0xhash5", "0xfrom", "0xto", amount, "BSC", "USDT")
	if err != nil {
		t.Fatalf("OnDetect: %v", err)
	}
	if _, _, err := m.OnConfirmationTick(ctx, tx.ID, 2, 100, "0xblock", time.Now(), expected); err != nil {
		t.Fatalf("OnConfirmationTick: %v", err)
	}

	ok, err := m.Expire(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if ok {
		t.Fatal("expected Expire to be a no-op once the transaction has already confirmed")
	}
}
