package intent

import (
	"time"

	"gorm.io/datatypes"

	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
)

type PaymentIntent struct {
	ID                string           `gorm:"column:id;primaryKey;type:varchar(36)"`
	IdempotencyKey    string           `gorm:"column:idempotency_key;not null;uniqueIndex"`
	ProviderRef       *string          `gorm:"column:provider_ref;uniqueIndex"`
	AmountCents       int64            `gorm:"column:amount_cents;not null"`
	Currency          string           `gorm:"column:currency;not null;type:varchar(3)"`
	SubjectID         string           `gorm:"column:subject_id;not null;index"`
	Status            lifecycle.Status `gorm:"column:status;not null;index;type:varchar(20)"`
	FailureReason     *string          `gorm:"column:failure_reason"`
	Metadata          datatypes.JSON   `gorm:"column:metadata"`
	CheckoutURL       *string          `gorm:"column:checkout_url"`
	CreationClaimedAt *time.Time       `gorm:"column:creation_claimed_at"`
	QueryFailures     int              `gorm:"column:query_failures;not null;default:0"`
	NeedsAttention    bool             `gorm:"column:needs_attention;not null;default:false"`
	CreatedAt         time.Time        `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time        `gorm:"column:updated_at;not null"`
}

func (PaymentIntent) TableName() string {
	return "payment_intents"
}

// SameParameters reports whether a retry with the same idempotency key asks for the same charge.
func (p *PaymentIntent) SameParameters(amountCents int64, currency, subjectID string) bool {
	return p.AmountCents == amountCents && p.Currency == currency && p.SubjectID == subjectID
}

func (p *PaymentIntent) Ref() string {
	if p.ProviderRef == nil {
		return ""
	}
	return *p.ProviderRef
}

type LedgerOutcome string

const (
	OutcomeReceived LedgerOutcome = "received"
	OutcomeApplied  LedgerOutcome = "applied"
	OutcomeNoop     LedgerOutcome = "noop"
	OutcomeStale    LedgerOutcome = "stale"
	OutcomeRejected LedgerOutcome = "rejected"
	OutcomeOrphaned LedgerOutcome = "orphaned"
)

type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourceSweeper EventSource = "sweeper"
	SourceCreate  EventSource = "create"
)

type WebhookLedgerEntry struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement"`
	ProviderEventID   string         `gorm:"column:provider_event_id;not null;uniqueIndex"`
	EventType         string         `gorm:"column:event_type;not null"`
	ProviderRef       string         `gorm:"column:provider_ref;index"`
	EventTimestamp    time.Time      `gorm:"column:event_timestamp"`
	FailureReason     *string        `gorm:"column:failure_reason"`
	Source            EventSource    `gorm:"column:source;not null;type:varchar(16)"`
	Outcome           LedgerOutcome  `gorm:"column:outcome;not null;index;type:varchar(16)"`
	AppliedTransition *string        `gorm:"column:applied_transition"`
	Payload           datatypes.JSON `gorm:"column:payload"`
	Attempts          int            `gorm:"column:attempts;not null;default:0"`
	ReceivedAt        time.Time      `gorm:"column:received_at;not null"`
	ProcessedAt       *time.Time     `gorm:"column:processed_at"`
}

func (WebhookLedgerEntry) TableName() string {
	return "webhook_ledger"
}
