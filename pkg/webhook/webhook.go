// Package webhook implements the Webhook Dispatcher: signed,
// at-least-once delivery to merchant endpoints with a per-endpoint
// exponential backoff and a FAILED flip after MaxRetries. The signing
// scheme (HMAC-SHA256 over timestamp + body, delivered as a header
// alongside a timestamp and a nonce) is grounded on
// other_examples/…np_webhook.go's VerifyIPNHMAC idiom, with header names
// swapped to this gateway's own X-Signature/X-Timestamp/X-Nonce (that
// file verifies an inbound NOWPayments signature; this package is its
// send-side mirror). Per-endpoint serialization — never let two
// deliveries to the same URL race — follows the teacher's discipline of
// never holding a DB transaction across an HTTP call.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/models"
)

// Dispatcher delivers signed webhooks. Its defaultSecret is used for
// webhooks that haven't configured their own secret (Webhook.Secret empty).
type Dispatcher struct {
	db                *sql.DB
	httpClient        *http.Client
	defaultSecret     string
	defaultRetryDelay time.Duration
	log               zerolog.Logger

	endpointLocks sync.Map // url -> *sync.Mutex, one in-flight delivery per endpoint
}

// New constructs a Dispatcher. defaultRetryDelay is the base retry
// interval (WEBHOOK_RETRY_DELAY) used for webhooks that haven't
// configured their own base_retry_interval_seconds.
func New(db *sql.DB, defaultSecret string, defaultRetryDelay time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		db:                db,
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		defaultSecret:     defaultSecret,
		defaultRetryDelay: defaultRetryDelay,
		log:               log,
	}
}

// Envelope is the JSON body POSTed to a merchant's webhook URL.
type Envelope struct {
	ID        string          `json:"id"`
	Event     models.EventName `json:"event"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Dispatch looks up every ACTIVE webhook on merchantID subscribed to
// event and attempts one delivery each, persisting success/failure back
// onto the webhooks table. Call sites are queuebus workers draining
// QueueWebhookSend, so a delivery failure here surfaces as an error the
// worker Nacks with backoff rather than retrying inline.
func (d *Dispatcher) Dispatch(ctx context.Context, merchantID string, event models.EventName, data any) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, url, subscribed_events_json, secret, max_retries, failed_attempts, base_retry_interval_seconds
		FROM webhooks WHERE merchant_id = ? AND status = 'ACTIVE'
	`, merchantID)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "WEBHOOK_SCAN_FAILED", "failed to scan subscribed webhooks", err)
	}
	type endpoint struct {
		id, url, secret      string
		subscribedJSON       string
		maxRetries, failures int
		baseRetrySeconds     int
	}
	var endpoints []endpoint
	for rows.Next() {
		var e endpoint
		if err := rows.Scan(&e.id, &e.url, &e.subscribedJSON, &e.secret, &e.maxRetries, &e.failures, &e.baseRetrySeconds); err == nil {
			endpoints = append(endpoints, e)
		}
	}
	rows.Close()

	payload, err := json.Marshal(data)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "WEBHOOK_ENCODE_FAILED", "failed to encode webhook payload", err)
	}

	var firstErr error
	for _, e := range endpoints {
		var subscribedList []string
		if err := json.Unmarshal([]byte(e.subscribedJSON), &subscribedList); err != nil {
			continue
		}
		subscribed := false
		for _, ev := range subscribedList {
			if ev == string(event) {
				subscribed = true
				break
			}
		}
		if !subscribed {
			continue
		}
		secret := e.secret
		if secret == "" {
			secret = d.defaultSecret
		}
		baseRetry := d.defaultRetryDelay
		if e.baseRetrySeconds > 0 {
			baseRetry = time.Duration(e.baseRetrySeconds) * time.Second
		}
		env := Envelope{ID: uuid.NewString(), Event: event, CreatedAt: time.Now().UTC(), Data: payload}
		if err := d.deliver(ctx, e.id, e.url, secret, e.maxRetries, e.failures, baseRetry, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) deliver(ctx context.Context, webhookID, url, secret string, maxRetries, priorFailures int, baseRetry time.Duration, env Envelope) error {
	lockIface, _ := d.endpointLocks.LoadOrStore(url, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	body, err := json.Marshal(env)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "WEBHOOK_ENCODE_FAILED", "failed to encode webhook envelope", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()
	signature := sign(secret, timestamp, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "WEBHOOK_REQUEST_BUILD_FAILED", "failed to build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Nonce", nonce)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return d.recordFailure(ctx, webhookID, maxRetries, priorFailures, baseRetry, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d.recordFailure(ctx, webhookID, maxRetries, priorFailures, baseRetry, "endpoint returned HTTP "+resp.Status)
	}
	_, err = d.db.ExecContext(ctx, `
		UPDATE webhooks SET failed_attempts = 0, last_success_at = datetime('now'), last_attempt_at = datetime('now')
		WHERE id = ?
	`, webhookID)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "WEBHOOK_UPDATE_FAILED", "failed to record webhook delivery success", err)
	}
	return nil
}

// recordFailure persists the failed attempt and returns an error carrying
// the next retry delay: base × 2^(attempts-1), so a webhook's own
// base_retry_interval_seconds (or WEBHOOK_RETRY_DELAY, for webhooks that
// never overrode it) governs its schedule instead of the queue's generic
// per-attempt backoff.
func (d *Dispatcher) recordFailure(ctx context.Context, webhookID string, maxRetries, priorFailures int, baseRetry time.Duration, reason string) error {
	failures := priorFailures + 1
	status := "ACTIVE"
	if maxRetries > 0 && failures >= maxRetries {
		status = "FAILED"
	}
	_, err := d.db.ExecContext(ctx, `
		UPDATE webhooks SET failed_attempts = ?, last_failure_reason = ?, last_attempt_at = datetime('now'), status = ?
		WHERE id = ?
	`, failures, reason, status, webhookID)
	if err != nil {
		d.log.Error().Err(err).Str("webhook_id", webhookID).Msg("failed to record webhook delivery failure")
	}
	nextRetryAt := baseRetry * time.Duration(1<<uint(failures-1))
	gerr := gwerr.New(gwerr.External, "WEBHOOK_DELIVERY_FAILED", reason)
	gerr.RetryAfter = nextRetryAt
	return gerr
}

// sign computes hex(HMAC-SHA256(secret, timestamp + "\n" + body)). The
// nonce is sent as its own X-Nonce header and is not part of the signed
// preimage.
func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
