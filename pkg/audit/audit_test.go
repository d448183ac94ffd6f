package audit_test

import (
	"context"
	"testing"

	"github.com/oxzoid/gatewaycore/pkg/audit"
	"github.com/oxzoid/gatewaycore/pkg/dbtest"
	"github.com/oxzoid/gatewaycore/pkg/models"
)

func TestLogAndForEntity(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedMerchant(t, database, "merchant-1")
	logger := audit.New(database)
	ctx := context.Background()

	if err := logger.Log(ctx, audit.Entry{
		Action:      models.AuditAddressIssued,
		EntityType:  "payment_address",
		EntityID:    "addr-1",
		NewSnapshot: "ACTIVE",
		MerchantID:  "merchant-1",
		Description: "address issued",
	}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := logger.Log(ctx, audit.Entry{
		Action:        models.AuditAddressExpired,
		EntityType:    "payment_address",
		EntityID:      "addr-1",
		PriorSnapshot: "ACTIVE",
		NewSnapshot:   "EXPIRED",
		MerchantID:    "merchant-1",
	}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := logger.ForEntity(ctx, "payment_address", "addr-1")
	if err != nil {
		t.Fatalf("ForEntity: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != models.AuditAddressIssued {
		t.Fatalf("expected first entry to be the issued record, got %s", entries[0].Action)
	}
	if entries[1].Action != models.AuditAddressExpired {
		t.Fatalf("expected second entry to be the expired record, got %s", entries[1].Action)
	}
	if entries[1].PriorSnapshot != "ACTIVE" || entries[1].NewSnapshot != "EXPIRED" {
		t.Fatalf("expected snapshots to round-trip, got %+v", entries[1])
	}
}

func TestForEntityEmptyWhenNoEntries(t *testing.T) {
	database := dbtest.Open(t)
	logger := audit.New(database)
	entries, err := logger.ForEntity(context.Background(), "transaction", "missing")
	if err != nil {
		t.Fatalf("ForEntity: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}
