package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	apperrors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/alert"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/core/events"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
	"github.com/frahmantamala/member-payments/internal/metrics"
)

const cancelReason = "canceled by caller"

var errAwaitingProviderRef = errors.New("intent has no provider reference yet")

type CoordinatorConfig struct {
	ProviderTimeout time.Duration
	PollBaseDelay   time.Duration
	PollMaxDelay    time.Duration
	PollBudget      time.Duration
}

// Coordinator makes sure an idempotency key reaches the gateway at most once, however many
// callers race on it.
type Coordinator struct {
	store     Store
	provider  Creator
	applier   StatusApplier
	publisher EventPublisher
	alerter   Alerter
	cfg       CoordinatorConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewCoordinator(store Store, provider Creator, applier StatusApplier, publisher EventPublisher, alerter Alerter, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		provider:  provider,
		applier:   applier,
		publisher: publisher,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *Coordinator) CreateOrGet(ctx context.Context, in NewIntent) (*Result, error) {
	record, isNew, err := c.store.CreateOrGet(ctx, in)
	if err != nil {
		if errors.Is(err, apperrors.ErrIdempotencyConflict) {
			metrics.IntentRequests.WithLabelValues("conflict").Inc()
			c.logger.Warn("idempotency key reused with different parameters",
				"idempotency_key", in.IdempotencyKey,
				"subject_id", in.SubjectID)
		}
		return nil, err
	}

	if isNew {
		return c.createAtProvider(ctx, record, in.Metadata)
	}

	if record.ProviderRef != nil || lifecycle.IsTerminal(record.Status) {
		metrics.IntentRequests.WithLabelValues("existing").Inc()
		return &Result{Intent: record}, nil
	}

	return c.awaitProviderRef(ctx, record)
}

func (c *Coordinator) createAtProvider(ctx context.Context, record *intent.PaymentIntent, metadata map[string]any) (*Result, error) {
	c.publish(ctx, events.NewIntentCreatedEvent(record.ID, record.IdempotencyKey, record.SubjectID, record.AmountCents, record.Currency))

	created, err := CallCreate(ctx, c.provider, c.cfg.ProviderTimeout, paymentgateway.CreateRequest{
		IdempotencyKey: record.IdempotencyKey,
		AmountCents:    record.AmountCents,
		Currency:       record.Currency,
		Metadata:       metadata,
	})
	if err != nil {
		metrics.IntentRequests.WithLabelValues("provider_unavailable").Inc()
		c.logger.Error("provider create failed, intent left pending",
			"intent_id", record.ID,
			"idempotency_key", record.IdempotencyKey,
			"error", err)

		// Hand the claim back so the sweeper can retry creation without waiting for the lease.
		if relErr := c.store.ReleaseCreationClaim(ctx, record.ID); relErr != nil {
			c.logger.Warn("failed to release creation claim", "intent_id", record.ID, "error", relErr)
		}
		return nil, apperrors.ErrProviderUnavailable.WithCause(err)
	}

	if err := c.store.AttachProviderRef(ctx, record.ID, created.ProviderRef, created.CheckoutURL); err != nil {
		if errors.Is(err, apperrors.ErrProviderRefMismatch) {
			c.alerter.Raise(ctx, alert.ReasonProviderRefMismatch, record.ID, "", fmt.Sprintf("gateway returned %s", created.ProviderRef))
		}
		c.logger.Error("failed to attach provider reference",
			"intent_id", record.ID,
			"provider_ref", created.ProviderRef,
			"error", err)
		return nil, fmt.Errorf("attach provider ref: %w", err)
	}

	c.applyInitialStatus(ctx, record.ID, created)

	fresh, err := c.store.GetByID(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("reload intent: %w", err)
	}

	metrics.IntentRequests.WithLabelValues("new").Inc()
	c.logger.Info("payment intent created",
		"intent_id", fresh.ID,
		"provider_ref", created.ProviderRef,
		"status", fresh.Status)

	return &Result{Intent: fresh, Created: true}, nil
}

// applyInitialStatus never fails the caller: the ref is attached, so webhooks and the sweeper
// can still bring the status forward.
func (c *Coordinator) applyInitialStatus(ctx context.Context, intentID string, created *paymentgateway.CreateResult) {
	if created.Status == "" {
		return
	}
	event := paymentgateway.NewSyntheticEvent("create", created.ProviderRef, created.Status, "", c.now().UTC())
	if _, err := c.applier.Ingest(ctx, event, intent.SourceCreate); err != nil {
		c.logger.Warn("failed to apply initial provider status",
			"intent_id", intentID,
			"provider_ref", created.ProviderRef,
			"status", created.Status,
			"error", err)
	}
}

// awaitProviderRef polls until the creator that won the insert has attached the gateway's
// reference. It never calls the gateway itself.
func (c *Coordinator) awaitProviderRef(ctx context.Context, record *intent.PaymentIntent) (*Result, error) {
	latest := record

	b := retry.NewExponential(c.cfg.PollBaseDelay)
	b = retry.WithCappedDuration(c.cfg.PollMaxDelay, b)
	b = retry.WithMaxDuration(c.cfg.PollBudget, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		current, err := c.store.GetByID(ctx, record.ID)
		if err != nil {
			return err
		}
		latest = current
		if current.ProviderRef != nil || lifecycle.IsTerminal(current.Status) {
			return nil
		}
		return retry.RetryableError(errAwaitingProviderRef)
	})

	switch {
	case err == nil:
		metrics.IntentRequests.WithLabelValues("existing").Inc()
		return &Result{Intent: latest}, nil
	case errors.Is(err, errAwaitingProviderRef), errors.Is(err, context.DeadlineExceeded):
		metrics.IntentRequests.WithLabelValues("still_processing").Inc()
		c.logger.Info("intent creation still in flight",
			"intent_id", record.ID,
			"idempotency_key", record.IdempotencyKey)
		return &Result{Intent: latest, StillProcessing: true}, nil
	default:
		return nil, fmt.Errorf("poll intent %s: %w", record.ID, err)
	}
}

func (c *Coordinator) Get(ctx context.Context, id string) (*intent.PaymentIntent, error) {
	return c.store.GetByID(ctx, id)
}

// Cancel is allowed from PENDING and PROCESSING only. Canceling an already canceled intent
// returns it unchanged.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*intent.PaymentIntent, error) {
	current, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	reason := cancelReason
	applied, err := c.store.Transition(ctx, id, lifecycle.AllowedFrom(lifecycle.StatusCanceled), lifecycle.StatusCanceled, &reason)
	if err != nil {
		return nil, fmt.Errorf("cancel intent: %w", err)
	}

	updated, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !applied {
		if updated.Status == lifecycle.StatusCanceled {
			return updated, nil
		}
		return nil, apperrors.ErrIntentNotCancelable.WithDetails(map[string]string{"status": string(updated.Status)})
	}

	metrics.Transitions.WithLabelValues(string(current.Status), string(lifecycle.StatusCanceled)).Inc()
	c.logger.Info("payment intent canceled", "intent_id", id, "from", current.Status)
	c.publish(ctx, events.NewIntentStatusChangedEvent(events.EventTypeIntentStatusChanged,
		id, updated.Ref(), string(current.Status), string(lifecycle.StatusCanceled), reason, "caller"))

	return updated, nil
}

func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish event", "event_type", event.EventType(), "error", err)
	}
}

// CallCreate runs one gateway create with its own timeout and records the call's metrics.
// The sweeper's creation recovery uses it too.
func CallCreate(ctx context.Context, provider Creator, timeout time.Duration, req paymentgateway.CreateRequest) (*paymentgateway.CreateResult, error) {
	callCtx, cancel := apperrors.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	created, err := provider.Create(callCtx, req)
	metrics.ProviderLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	if created == nil || created.ProviderRef == "" {
		metrics.ProviderCalls.WithLabelValues("create", "error").Inc()
		return nil, errors.New("gateway returned no provider reference")
	}
	metrics.ProviderCalls.WithLabelValues("create", "ok").Inc()
	return created, nil
}
