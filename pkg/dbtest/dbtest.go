// Package dbtest opens throwaway in-memory SQLite databases for package
// tests, sharing pkg/db's own schema so each package test exercises the
// real table definitions rather than a hand-copied subset.
package dbtest

import (
	"database/sql"
	"testing"

	"github.com/oxzoid/gatewaycore/pkg/db"
)

// Open returns a fresh in-memory database with the full gateway schema
// applied, closed automatically when the test completes.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open("file::memory:?cache=shared&_pragma=busy_timeout=5000")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.EnsureSchema(database); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return database
}

// SeedMerchant inserts a minimal ACTIVE merchant row under the given id,
// since every transactions/payment_addresses/webhooks row carries a merchant
// foreign key.
func SeedMerchant(t *testing.T, database *sql.DB, id string) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO merchants (id, business_name, status) VALUES (?, ?, 'ACTIVE')
	`, id, "test-merchant-"+id)
	if err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
}
