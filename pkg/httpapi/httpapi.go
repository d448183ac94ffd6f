// Package httpapi is the thin REST surface over the gateway's engines,
// deliberately kept small per spec.md §1 (framework/dashboard/merchant
// UI are non-goals — this is the wire boundary those would call). It
// follows the teacher's pkg/api handler shape almost verbatim: a plain
// http.HandlerFunc per route, json.NewDecoder/Encoder, a shared
// writeJSON/writeError pair, and an X-API-Key middleware that resolves
// the key to a merchant before calling the wrapped handler — generalized
// from the teacher's plaintext api_key column lookup to a salted-hash
// comparison against api_keys.secret_hash, and extended with the
// sliding-window rate limiter spec.md §6 adds on top of authentication.
package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/oxzoid/gatewaycore/pkg/addressmgr"
	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/idempotency"
	"github.com/oxzoid/gatewaycore/pkg/models"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/payout"
	"github.com/oxzoid/gatewaycore/pkg/ratelimit"
	"github.com/oxzoid/gatewaycore/pkg/refund"
	"github.com/oxzoid/gatewaycore/pkg/webhook"
)

// Server wires every engine the REST surface fronts.
type Server struct {
	db          *sql.DB
	apiKeySalt  string
	addresses   *addressmgr.Manager
	payouts     *payout.Engine
	refunds     *refund.Engine
	webhooks    *webhook.Dispatcher
	idempotent  *idempotency.Store
	limiter     *ratelimit.Limiter
}

// New constructs a Server.
func New(db *sql.DB, apiKeySalt string, addresses *addressmgr.Manager, payouts *payout.Engine, refunds *refund.Engine, webhooks *webhook.Dispatcher, idempotent *idempotency.Store, limiter *ratelimit.Limiter) *Server {
	return &Server{db: db, apiKeySalt: apiKeySalt, addresses: addresses, payouts: payouts, refunds: refunds, webhooks: webhooks, idempotent: idempotent, limiter: limiter}
}

// Handler builds the routed, CORS-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/merchants", s.withAuth(s.handleCreateMerchant, true))
	mux.HandleFunc("/addresses", s.withAuth(s.withIdempotency(s.handleIssueAddress), false))
	mux.HandleFunc("/payouts", s.withAuth(s.withIdempotency(s.handleCreatePayout), false))
	mux.HandleFunc("/refunds", s.withAuth(s.handleCreateRefund, false))
	mux.HandleFunc("/webhooks/test", s.withAuth(s.handleTestWebhook, false))

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-API-Key", "Idempotency-Key"},
	}).Handler(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ctxKey is the merchant ID stashed in the request context by withAuth.
type ctxKey int

const merchantIDKey ctxKey = 0

// withAuth resolves X-API-Key against api_keys.secret_hash and enforces
// the per-key rate limit before calling next. skipAuth is set only for
// merchant onboarding, which happens before a merchant has a key.
func (s *Server) withAuth(next http.HandlerFunc, skipAuth bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if skipAuth {
			next(w, r)
			return
		}
		rawKey := r.Header.Get("X-API-Key")
		if rawKey == "" {
			writeError(w, http.StatusUnauthorized, gwerr.New(gwerr.Auth, "MISSING_API_KEY", "X-API-Key header required"))
			return
		}
		publicID, secret, ok := strings.Cut(rawKey, ".")
		if !ok {
			writeError(w, http.StatusUnauthorized, gwerr.New(gwerr.Auth, "MALFORMED_API_KEY", "malformed API key"))
			return
		}

		var merchantID string
		var storedHash []byte
		var status string
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := s.db.QueryRowContext(ctx, `
			SELECT merchant_id, secret_hash, status FROM api_keys WHERE public_id = ?
		`, publicID).Scan(&merchantID, &storedHash, &status)
		if err != nil || status != "ACTIVE" {
			writeError(w, http.StatusUnauthorized, gwerr.New(gwerr.Auth, "INVALID_API_KEY", "invalid or inactive API key"))
			return
		}
		sum := sha256.Sum256([]byte(secret + s.apiKeySalt))
		if subtle.ConstantTimeCompare(sum[:], storedHash) != 1 {
			writeError(w, http.StatusUnauthorized, gwerr.New(gwerr.Auth, "INVALID_API_KEY", "invalid or inactive API key"))
			return
		}

		if allowed, _ := s.limiter.Allow(publicID); !allowed {
			writeError(w, http.StatusTooManyRequests, gwerr.New(gwerr.RateLimited, "RATE_LIMITED", "rate limit exceeded"))
			return
		}
		_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = datetime('now'), use_count = use_count + 1 WHERE public_id = ?`, publicID)

		next(w, r.WithContext(context.WithValue(r.Context(), merchantIDKey, merchantID)))
	}
}

// withIdempotency replays a prior response when the caller repeats an
// Idempotency-Key header, instead of re-running next. Generalizes the
// teacher's per-handler "SELECT ... WHERE idempotency_key, else INSERT"
// pattern into a single store any POST route can opt into.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, "INVALID_REQUEST", "failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		fingerprint := hex.EncodeToString(sum[:])

		rec, started, err := s.idempotent.Begin(r.Context(), key, r.Method, r.URL.Path, fingerprint)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if !started {
			if rec.Done {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(rec.ResponseStatusCode)
				_, _ = w.Write(rec.ResponseBody)
				return
			}
			writeError(w, http.StatusConflict, gwerr.New(gwerr.Conflict, gwerr.CodeIdempotencyInFlight, "request with this idempotency key is already being processed"))
			return
		}

		capture := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(capture, r)
		_ = s.idempotent.Complete(r.Context(), key, capture.status, capture.body)
	}
}

// responseRecorder captures a handler's response so withIdempotency can
// persist it for replay.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.body = append(rr.body, b...)
	return rr.ResponseWriter.Write(b)
}

func merchantID(r *http.Request) string {
	v, _ := r.Context().Value(merchantIDKey).(string)
	return v
}

type createMerchantReq struct {
	BusinessName string `json:"business_name"`
	ContactEmail string `json:"contact_email"`
}

type createMerchantResp struct {
	MerchantID string `json:"merchant_id"`
	APIKey     string `json:"api_key"`
}

func (s *Server) handleCreateMerchant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gwerr.New(gwerr.Validation, "METHOD_NOT_ALLOWED", "method not allowed"))
		return
	}
	var req createMerchantReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BusinessName == "" {
		writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, "INVALID_REQUEST", "business_name is required"))
		return
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchants (id, business_name, contact_email, status, risk_level, created_at, updated_at)
		VALUES (?, ?, ?, 'ACTIVE', 'LOW', ?, ?)
	`, id, req.BusinessName, req.ContactEmail, now, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, gwerr.Wrap(gwerr.Internal, "MERCHANT_INSERT_FAILED", "failed to create merchant", err))
		return
	}

	publicID := "pk_" + uuid.NewString()
	secret := uuid.NewString()
	sum := sha256.Sum256([]byte(secret + s.apiKeySalt))
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, merchant_id, public_id, secret_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'ACTIVE', ?, ?)
	`, uuid.NewString(), id, publicID, sum[:], now, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, gwerr.Wrap(gwerr.Internal, "API_KEY_INSERT_FAILED", "failed to create API key", err))
		return
	}

	writeJSON(w, http.StatusCreated, createMerchantResp{MerchantID: id, APIKey: publicID + "." + secret})
}

type issueAddressReq struct {
	ExpectedAmount    string `json:"expected_amount"`
	Currency          string `json:"currency"`
	TTLSeconds        int    `json:"ttl_seconds"`
	CallbackURL       string `json:"callback_url"`
	ExternalReference string `json:"external_reference"`
}

func (s *Server) handleIssueAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gwerr.New(gwerr.Validation, "METHOD_NOT_ALLOWED", "method not allowed"))
		return
	}
	var req issueAddressReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, "INVALID_REQUEST", "invalid JSON body"))
		return
	}
	amount, err := money.New(req.ExpectedAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, gwerr.CodeInvalidAmount, "invalid expected_amount"))
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second

	addr, err := s.addresses.Issue(r.Context(), addressmgr.IssueParams{
		MerchantID:        merchantID(r),
		ExpectedAmount:    amount,
		Currency:          req.Currency,
		TTL:               ttl,
		CallbackURL:       req.CallbackURL,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, addr)
}

type createPayoutReq struct {
	DestAddress       string `json:"dest_address"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	ExternalReference string `json:"external_reference"`
}

func (s *Server) handleCreatePayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gwerr.New(gwerr.Validation, "METHOD_NOT_ALLOWED", "method not allowed"))
		return
	}
	var req createPayoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, "INVALID_REQUEST", "invalid JSON body"))
		return
	}
	amount, err := money.New(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, gwerr.CodeInvalidAmount, "invalid amount"))
		return
	}
	tx, err := s.payouts.Create(r.Context(), payout.CreateParams{
		MerchantID:        merchantID(r),
		DestAddress:       req.DestAddress,
		Amount:            amount,
		Currency:          req.Currency,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type createRefundReq struct {
	TransactionID     string `json:"transaction_id"`
	Amount            string `json:"amount"`
	IdempotencyKey    string `json:"idempotency_key"`
	ExternalReference string `json:"external_reference"`
}

func (s *Server) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gwerr.New(gwerr.Validation, "METHOD_NOT_ALLOWED", "method not allowed"))
		return
	}
	var req createRefundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, "INVALID_REQUEST", "transaction_id is required"))
		return
	}
	amount := money.Zero
	if req.Amount != "" {
		var err error
		amount, err = money.New(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, gwerr.CodeInvalidAmount, "invalid amount"))
			return
		}
	}
	result, err := s.refunds.Create(r.Context(), refund.Params{
		TransactionID:     req.TransactionID,
		Amount:            amount,
		IdempotencyKey:    req.IdempotencyKey,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type testWebhookReq struct {
	Event string `json:"event"`
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gwerr.New(gwerr.Validation, "METHOD_NOT_ALLOWED", "method not allowed"))
		return
	}
	var req testWebhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Event == "" {
		writeError(w, http.StatusBadRequest, gwerr.New(gwerr.Validation, "INVALID_REQUEST", "event is required"))
		return
	}
	if err := s.webhooks.Dispatch(r.Context(), merchantID(r), models.EventName(req.Event), map[string]string{"test": "true"}); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"dispatched": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeEngineError(w http.ResponseWriter, err error) {
	var e *gwerr.Error
	if !gwerr.As(err, &e) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusInternalServerError
	switch e.Class {
	case gwerr.Validation:
		status = http.StatusBadRequest
	case gwerr.Auth:
		status = http.StatusUnauthorized
	case gwerr.Conflict:
		status = http.StatusConflict
	case gwerr.NotFound:
		status = http.StatusNotFound
	case gwerr.RateLimited:
		status = http.StatusTooManyRequests
	case gwerr.External:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": e.Code, "message": e.Message})
}
