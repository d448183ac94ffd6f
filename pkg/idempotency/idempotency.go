// Package idempotency implements the request-fingerprint store from
// spec.md §4.8, generalizing the teacher's per-handler idempotency-key
// lookup-then-insert-then-unique-violation-fallback pattern (duplicated
// across CreateOrderHandler and RefundHandler) into a single store any
// mutating handler can share.
package idempotency

import (
	"context"
	"database/sql"
	"time"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
)

// DefaultTTL matches spec.md §4.8's 24-hour idempotency window.
const DefaultTTL = 24 * time.Hour

// Record is a captured idempotent response.
type Record struct {
	Key                string
	RequestFingerprint string
	ResponseBody       []byte
	ResponseStatusCode int
	Done               bool
}

// Store persists idempotency keys in the gateway's sqlite database.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// New constructs a Store. ttl defaults to DefaultTTL when zero.
func New(db *sql.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}
}

// Begin registers key as in-flight for (method, path, fingerprint). If
// the key already exists, it returns the prior Record (which may or may
// not be Done yet) and started=false; the caller must not re-execute
// the underlying operation in that case. If the key is new, it returns
// started=true and the caller should perform the operation then call
// Complete.
func (s *Store) Begin(ctx context.Context, key, method, path, fingerprint string) (*Record, bool, error) {
	existing, err := s.lookup(ctx, key)
	if err == nil {
		if existing.RequestFingerprint != fingerprint {
			return nil, false, gwerr.New(gwerr.Conflict, gwerr.CodeIdempotencyInFlight, "idempotency key reused with a different request body")
		}
		return existing, false, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}

	expiresAt := time.Now().UTC().Add(s.ttl).Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, method, path, request_fingerprint, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, key, method, path, fingerprint, expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.lookup(ctx, key)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, gwerr.Wrap(gwerr.Internal, "IDEMPOTENCY_INSERT_FAILED", "failed to register idempotency key", err)
	}
	return &Record{Key: key, RequestFingerprint: fingerprint}, true, nil
}

// Complete records the response captured for a key so subsequent
// retries replay it instead of re-executing the operation.
func (s *Store) Complete(ctx context.Context, key string, statusCode int, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET response_status_code = ?, response_body = ?, completed_at = datetime('now')
		WHERE key = ?
	`, statusCode, body, key)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "IDEMPOTENCY_COMPLETE_FAILED", "failed to record idempotent response", err)
	}
	return nil
}

// SweepExpired deletes idempotency records past their TTL.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE datetime(expires_at) <= datetime('now')`)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "IDEMPOTENCY_SWEEP_FAILED", "failed to sweep expired idempotency keys", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) lookup(ctx context.Context, key string) (*Record, error) {
	var r Record
	var statusCode sql.NullInt64
	var body []byte
	var completedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT key, request_fingerprint, response_status_code, response_body, completed_at
		FROM idempotency_keys WHERE key = ?
	`, key).Scan(&r.Key, &r.RequestFingerprint, &statusCode, &body, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, "IDEMPOTENCY_KEY_NOT_FOUND", "idempotency key not found")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "IDEMPOTENCY_LOOKUP_FAILED", "failed to look up idempotency key", err)
	}
	r.ResponseStatusCode = int(statusCode.Int64)
	r.ResponseBody = body
	r.Done = completedAt.Valid
	return &r, nil
}

func isNotFound(err error) bool {
	var e *gwerr.Error
	return gwerr.As(err, &e) && e.Class == gwerr.NotFound
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	const needle = "UNIQUE constraint failed"
	s := err.Error()
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
