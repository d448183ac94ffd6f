// Package models holds the plain-record entity types from spec.md §3.
// Unlike the TypeORM-decorated entities this system was distilled from,
// validation happens in dedicated constructors rather than
// @BeforeInsert/@BeforeUpdate hooks (spec.md §9).
package models

import (
	"time"

	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/shopspring/decimal"
)

// MerchantStatus is the closed set of merchant lifecycle states.
type MerchantStatus string

const (
	MerchantPending   MerchantStatus = "PENDING"
	MerchantActive    MerchantStatus = "ACTIVE"
	MerchantSuspended MerchantStatus = "SUSPENDED"
)

// RiskLevel is the closed set of merchant risk classifications.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// FeeBearer resolves the Open Question in spec.md §9 about which party
// absorbs the settlement sweep fee.
type FeeBearer string

const (
	FeeBearerPlatform FeeBearer = "PLATFORM"
	FeeBearerMerchant FeeBearer = "MERCHANT"
)

// FeeSchedule is a merchant's percent + fixed fee structure.
type FeeSchedule struct {
	PercentBps int64 // basis points, e.g. 150 = 1.50%
	Fixed      money.Amount
	Bearer     FeeBearer
}

// Apply computes the fee owed on amount under this schedule.
func (f FeeSchedule) Apply(amount money.Amount) money.Amount {
	bps := decimal.NewFromInt(f.PercentBps).Div(decimal.NewFromInt(10000))
	pct := amount.Decimal().Mul(bps)
	return money.FromDecimalUnsafe(pct).Add(f.Fixed)
}

// Limits are a merchant's per-transaction and rolling volume caps.
type Limits struct {
	DailyVolumeCap   money.Amount
	MonthlyVolumeCap money.Amount
	MinPerTx         money.Amount
	MaxPerTx         money.Amount
}

// Merchant is the business identity owning addresses, transactions,
// webhooks, and API keys.
type Merchant struct {
	ID                string
	BusinessName      string
	ContactEmail      string
	Status            MerchantStatus
	Risk              RiskLevel
	Limits            Limits
	Fees              FeeSchedule
	SettlementAddress string // optional
	IPWhitelist       []string
	TestMode          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsActive reports whether the merchant may transact.
func (m Merchant) IsActive() bool { return m.Status == MerchantActive }

// IPAllowed reports whether ip is permitted. An empty whitelist allows all.
func (m Merchant) IPAllowed(ip string) bool {
	if len(m.IPWhitelist) == 0 {
		return true
	}
	for _, allowed := range m.IPWhitelist {
		if allowed == ip {
			return true
		}
	}
	return false
}

// ApiKeyStatus is the closed set of API key lifecycle states.
type ApiKeyStatus string

const (
	ApiKeyActive  ApiKeyStatus = "ACTIVE"
	ApiKeyRevoked ApiKeyStatus = "REVOKED"
	ApiKeyExpired ApiKeyStatus = "EXPIRED"
)

// ApiKey is a long-lived credential. The raw "sk_" secret is never
// persisted — only its SHA-256 hash.
type ApiKey struct {
	ID            string
	MerchantID    string
	PublicID      string // "pk_..." prefix
	SecretHash    [32]byte
	Status        ApiKeyStatus
	ExpiresAt     *time.Time
	LastUsedAt    *time.Time
	UseCount      int64
	IPAllowList   []string
	ReadOnly      bool
	Permissions   map[string]bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AddressType is the closed set of PaymentAddress roles.
type AddressType string

const (
	AddressMerchantPayment AddressType = "MERCHANT_PAYMENT"
	AddressHotWallet       AddressType = "HOT_WALLET"
	AddressColdWallet      AddressType = "COLD_WALLET"
	AddressSettlement      AddressType = "SETTLEMENT"
)

// AddressStatus is the closed set of PaymentAddress lifecycle states.
type AddressStatus string

const (
	AddressActive     AddressStatus = "ACTIVE"
	AddressExpired    AddressStatus = "EXPIRED"
	AddressUsed       AddressStatus = "USED"
	AddressBlacklisted AddressStatus = "BLACKLISTED"
)

// PaymentAddress is a blockchain address of one of the roles above.
type PaymentAddress struct {
	ID                   string
	MerchantID           string
	Type                 AddressType
	Address              string
	EncryptedPrivateKey  []byte // nil for non-controlled/watch-only addresses
	DerivationPath       string
	Status               AddressStatus
	ExpectedAmount       money.Amount
	Currency             string
	ExpiresAt            time.Time
	Monitored            bool
	CallbackURL          string
	ExternalReference    string
	Metadata             map[string]any
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TransactionStatus is the closed set of Transaction lifecycle states,
// spec.md §4.3.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "PENDING"
	TxConfirming TransactionStatus = "CONFIRMING"
	TxConfirmed  TransactionStatus = "CONFIRMED"
	TxFailed     TransactionStatus = "FAILED"
	TxExpired    TransactionStatus = "EXPIRED"
	TxSettled    TransactionStatus = "SETTLED"
	TxCompleted  TransactionStatus = "COMPLETED"
	TxUnderpaid  TransactionStatus = "UNDERPAID"
)

// TransactionType is the closed set of money-movement kinds.
type TransactionType string

const (
	TxTypePayment    TransactionType = "PAYMENT"
	TxTypePayout     TransactionType = "PAYOUT"
	TxTypeRefund     TransactionType = "REFUND"
	TxTypeSettlement TransactionType = "SETTLEMENT"
	TxTypeFee        TransactionType = "FEE"
	TxTypeTransfer   TransactionType = "TRANSFER"
)

// terminal is the set of states from which no transition is permitted.
var terminal = map[TransactionStatus]bool{
	TxCompleted: true,
	TxExpired:   true,
	TxFailed:    true,
}

// IsTerminal reports whether status is a terminal state per the invariant
// in spec.md §4.3/§8 ("monotonic advance").
func IsTerminal(status TransactionStatus) bool { return terminal[status] }

// Transaction is an on- or off-chain money movement.
type Transaction struct {
	ID                string
	MerchantID        string
	AddressID         string // weak back-reference, may be empty for payouts
	TxHash            string // unique when present
	Status            TransactionStatus
	Type              TransactionType
	Amount            money.Amount
	FeeAmount         money.Amount
	Currency          string
	Network           string
	FromAddress       string
	ToAddress         string
	Confirmations     int
	BlockNumber       uint64
	BlockHash         string
	BlockTimestamp    time.Time
	WebhookSent       bool
	SettlementTxHash  string
	ExternalReference string
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WebhookStatus is the closed set of Webhook lifecycle states.
type WebhookStatus string

const (
	WebhookActive   WebhookStatus = "ACTIVE"
	WebhookInactive WebhookStatus = "INACTIVE"
	WebhookFailed   WebhookStatus = "FAILED"
)

// EventName is the closed event catalog from spec.md §4.6.
type EventName string

const (
	EventPaymentReceived     EventName = "payment.received"
	EventPaymentConfirmed    EventName = "payment.confirmed"
	EventPaymentCompleted    EventName = "payment.completed"
	EventPaymentFailed       EventName = "payment.failed"
	EventPaymentUnderpaid    EventName = "payment.underpaid"
	EventAddressCreated      EventName = "address.created"
	EventAddressExpired      EventName = "address.expired"
	EventSettlementCompleted EventName = "settlement.completed"
	EventTransactionSettled  EventName = "transaction.settled"
	EventRefundInitiated     EventName = "refund.initiated"
	EventRefundCompleted     EventName = "refund.completed"
	EventRefundFailed        EventName = "refund.failed"
	EventPayoutInitiated     EventName = "payout.initiated"
	EventPayoutProcessing    EventName = "payout.processing"
	EventPayoutCompleted     EventName = "payout.completed"
	EventPayoutFailed        EventName = "payout.failed"
)

// AllEvents is the closed set, used to validate webhook subscriptions.
var AllEvents = map[EventName]bool{
	EventPaymentReceived: true, EventPaymentConfirmed: true, EventPaymentCompleted: true,
	EventPaymentFailed: true, EventPaymentUnderpaid: true, EventAddressCreated: true,
	EventAddressExpired: true, EventSettlementCompleted: true, EventTransactionSettled: true,
	EventRefundInitiated: true, EventRefundCompleted: true, EventRefundFailed: true,
	EventPayoutInitiated: true, EventPayoutProcessing: true, EventPayoutCompleted: true,
	EventPayoutFailed: true,
}

// Webhook is an endpoint subscription.
type Webhook struct {
	ID                string
	MerchantID        string
	URL               string
	SubscribedEvents  map[EventName]bool
	Status            WebhookStatus
	Secret            string // optional; falls back to WEBHOOK_SECRET
	FailedAttempts    int
	LastFailureReason string
	LastSuccessAt     *time.Time
	LastAttemptAt     *time.Time
	MaxRetries        int
	BaseRetryInterval time.Duration
	SendPayload       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IdempotencyKey is a request fingerprint record, spec.md §4.8.
type IdempotencyKey struct {
	Key                string
	Method             string
	Path               string
	RequestFingerprint string
	ResponseBody       []byte
	ResponseStatusCode int
	CompletedAt        *time.Time
	ExpiresAt          time.Time
	CreatedAt          time.Time
}

// Done reports whether a response has been captured.
func (k IdempotencyKey) Done() bool { return k.CompletedAt != nil }

// AuditAction is the closed set of auditable action kinds.
type AuditAction string

const (
	AuditAddressIssued     AuditAction = "ADDRESS_ISSUED"
	AuditAddressExpired    AuditAction = "ADDRESS_EXPIRED"
	AuditTxStateChanged    AuditAction = "TX_STATE_CHANGED"
	AuditSettlementExec    AuditAction = "SETTLEMENT_EXECUTED"
	AuditPayoutCreated     AuditAction = "PAYOUT_CREATED"
	AuditRefundProcessed   AuditAction = "REFUND_PROCESSED"
	AuditWebhookDelivered  AuditAction = "WEBHOOK_DELIVERED"
	AuditWebhookDeactivate AuditAction = "WEBHOOK_DEACTIVATED"
)

// AuditLog is an append-only, never-mutated record of a state change.
type AuditLog struct {
	ID             string
	Action         AuditAction
	EntityType     string
	EntityID       string
	PriorSnapshot  string // JSON
	NewSnapshot    string // JSON
	ActorID        string
	MerchantID     string
	Description    string
	CreatedAt      time.Time
}
