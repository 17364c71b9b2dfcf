package intent

import (
	"context"
	"time"

	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/core/events"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
)

// NewIntent is the caller's request after validation.
type NewIntent struct {
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	SubjectID      string
	Metadata       map[string]any
}

// Store persists payment intents. Status changes go through Transition only.
type Store interface {
	// CreateOrGet inserts a PENDING intent, or returns the existing one for the key.
	// It returns ErrIdempotencyConflict when the key is bound to different parameters.
	CreateOrGet(ctx context.Context, in NewIntent) (*intent.PaymentIntent, bool, error)
	GetByID(ctx context.Context, id string) (*intent.PaymentIntent, error)
	GetByProviderRef(ctx context.Context, ref string) (*intent.PaymentIntent, error)
	// AttachProviderRef is idempotent for the same ref and returns ErrProviderRefMismatch otherwise.
	AttachProviderRef(ctx context.Context, id, ref, checkoutURL string) error
	// Transition applies to when the current status is one of allowedFrom. A false result with
	// a nil error means another writer got there first.
	Transition(ctx context.Context, id string, allowedFrom []lifecycle.Status, to lifecycle.Status, reason *string) (bool, error)

	ListStale(ctx context.Context, statuses []lifecycle.Status, updatedBefore time.Time, limit int) ([]intent.PaymentIntent, error)
	ListCreationCandidates(ctx context.Context, claimedBefore time.Time, limit int) ([]intent.PaymentIntent, error)
	// ClaimCreation moves the creation claim from previous to now. Only one caller wins.
	ClaimCreation(ctx context.Context, id string, previous *time.Time, now time.Time) (bool, error)
	ReleaseCreationClaim(ctx context.Context, id string) error
	RecordQueryFailure(ctx context.Context, id string, threshold int) (failures int, flagged bool, err error)
	ResetQueryFailures(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[lifecycle.Status]int64, error)
	ListNeedingAttention(ctx context.Context, limit int) ([]intent.PaymentIntent, error)
}

// Creator is the part of the gateway contract the creation path needs.
type Creator interface {
	Create(ctx context.Context, req paymentgateway.CreateRequest) (*paymentgateway.CreateResult, error)
}

// StatusApplier feeds a gateway-reported status through the reconciliation path.
type StatusApplier interface {
	Ingest(ctx context.Context, event paymentgateway.WebhookEvent, source intent.EventSource) (intent.LedgerOutcome, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Alerter interface {
	Raise(ctx context.Context, reason, intentID, providerEventID, detail string)
}

// Result is what CreateOrGet hands back to callers.
type Result struct {
	Intent          *intent.PaymentIntent
	Created         bool
	StillProcessing bool
}
