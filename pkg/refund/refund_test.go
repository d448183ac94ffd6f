package refund_test

import (
	"context"
	"testing"

	"github.com/oxzoid/gatewaycore/pkg/dbtest"
	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/refund"
)

type fakeBackend struct {
	reference string
	err       error
	sent      []money.Amount
}

func (f *fakeBackend) Send(ctx context.Context, destAddress string, amount money.Amount) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, amount)
	return f.reference, nil
}

func TestCreateRejectsUnsettledTransaction(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "merchant-1")
	_, err := database.Exec(`
		INSERT INTO transactions (id, merchant_id, status, type, amount, currency, network, from_address)
		VALUES ('tx-1', 'merchant-1', 'PENDING', 'PAYMENT', '100', 'USDT', 'BSC', '0xabc')
	`)
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	backend := &fakeBackend{reference: "0xref"}
	engine := refund.New(database, backend)
	_, err = engine.Create(context.Background(), refund.Params{TransactionID: "tx-1"})
	if err == nil {
		t.Fatal("expected an error for a refund against a non-settled transaction")
	}
	var gerr *gwerr.Error
	if !gwerr.As(err, &gerr) || gerr.Class != gwerr.Conflict {
		t.Fatalf("expected a Conflict gwerr, got %v", err)
	}
}

func TestCreateFullRefund(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "merchant-1")
	_, err := database.Exec(`
		INSERT INTO transactions (id, merchant_id, status, type, amount, currency, network, from_address)
		VALUES ('tx-1', 'merchant-1', 'SETTLED', 'PAYMENT', '100', 'USDT', 'BSC', '0xabc')
	`)
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	backend := &fakeBackend{reference: "0xref"}
	engine := refund.New(database, backend)
	result, err := engine.Create(context.Background(), refund.Params{TransactionID: "tx-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.Replayed {
		t.Fatal("expected a fresh refund, not a replay")
	}
	if result.RefundTransaction.Amount.String() != "100" {
		t.Fatalf("expected full refund of 100, got %s", result.RefundTransaction.Amount.String())
	}

	var debit, credit string
	if err := database.QueryRow(`
		SELECT amount FROM ledger_entries WHERE transaction_id = 'tx-1' AND direction = 'DEBIT'
	`).Scan(&debit); err != nil {
		t.Fatalf("query debit entry: %v", err)
	}
	if err := database.QueryRow(`
		SELECT amount FROM ledger_entries WHERE transaction_id = 'tx-1' AND direction = 'CREDIT'
	`).Scan(&credit); err != nil {
		t.Fatalf("query credit entry: %v", err)
	}
	if debit != "100" || credit != "100" {
		t.Fatalf("expected balanced ledger entries of 100, got debit=%s credit=%s", debit, credit)
	}
}

func TestCreateRejectsAmountExceedingOriginal(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "merchant-1")
	_, err := database.Exec(`
		INSERT INTO transactions (id, merchant_id, status, type, amount, currency, network, from_address)
		VALUES ('tx-1', 'merchant-1', 'SETTLED', 'PAYMENT', '100', 'USDT', 'BSC', '0xabc')
	`)
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	overAmount, err := money.New("150")
	if err != nil {
		t.Fatalf("money.New: %v", err)
	}
	backend := &fakeBackend{reference: "0xref"}
	engine := refund.New(database, backend)
	_, err = engine.Create(context.Background(), refund.Params{TransactionID: "tx-1", Amount: overAmount})
	if err == nil {
		t.Fatal("expected an error for a refund amount exceeding the original transaction")
	}
}

func TestCreateIdempotencyKeyReplay(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "merchant-1")
	_, err := database.Exec(`
		INSERT INTO transactions (id, merchant_id, status, type, amount, currency, network, from_address)
		VALUES ('tx-1', 'merchant-1', 'SETTLED', 'PAYMENT', '100', 'USDT', 'BSC', '0xabc')
	`)
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	backend := &fakeBackend{reference: "0xref"}
	engine := refund.New(database, backend)
	first, err := engine.Create(context.Background(), refund.Params{TransactionID: "tx-1", IdempotencyKey: "idem-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	second, err := engine.Create(context.Background(), refund.Params{TransactionID: "tx-1", IdempotencyKey: "idem-1"})
	if err != nil {
		t.Fatalf("Create replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected the second call with the same idempotency key to be a replay")
	}
	if second.RefundTransaction.ID != first.RefundTransaction.ID {
		t.Fatalf("expected the replay to return the original refund transaction id")
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected the backend to be invoked exactly once, got %d", len(backend.sent))
	}
}
