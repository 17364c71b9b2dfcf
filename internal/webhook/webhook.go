package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
)

// OutcomeDuplicate is returned for an event id the ledger already holds. It is never stored.
const OutcomeDuplicate intent.LedgerOutcome = "duplicate"

// Ledger records every inbound event before it has any effect. ProviderEventID is unique.
type Ledger interface {
	// Insert returns false when the event id is already recorded.
	Insert(ctx context.Context, entry *intent.WebhookLedgerEntry) (bool, error)
	Get(ctx context.Context, providerEventID string) (*intent.WebhookLedgerEntry, error)
	// Complete settles a received entry. It is a no-op for entries that are already settled.
	Complete(ctx context.Context, providerEventID string, outcome intent.LedgerOutcome, appliedTransition *string, processedAt time.Time) error
	IncrementAttempts(ctx context.Context, providerEventID string) (int, error)
	ListStuck(ctx context.Context, receivedBefore time.Time, limit int) ([]intent.WebhookLedgerEntry, error)
	CountByOutcome(ctx context.Context) (map[intent.LedgerOutcome]int64, error)
}

// IntentStore is the slice of the intent store the reconciler works with.
type IntentStore interface {
	GetByID(ctx context.Context, id string) (*intent.PaymentIntent, error)
	GetByProviderRef(ctx context.Context, ref string) (*intent.PaymentIntent, error)
	Transition(ctx context.Context, id string, allowedFrom []lifecycle.Status, to lifecycle.Status, reason *string) (bool, error)
}

// RetryQueue holds events whose provider reference did not resolve yet.
type RetryQueue interface {
	Enqueue(ctx context.Context, providerEventID string, delay time.Duration) error
	// Run delivers due event ids to handle until ctx is done.
	Run(ctx context.Context, handle func(ctx context.Context, providerEventID string)) error
}

// EventParser turns a raw gateway delivery into a verified event.
type EventParser interface {
	ParseWebhook(header http.Header, body []byte) (*paymentgateway.WebhookEvent, error)
}
