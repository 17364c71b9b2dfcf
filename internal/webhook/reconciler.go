package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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

// maxApplyRounds bounds how often a path walk restarts after losing a race to another writer.
const maxApplyRounds = 3

var errLostRace = errors.New("intent changed while applying event")

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Alerter interface {
	Raise(ctx context.Context, reason, intentID, providerEventID, detail string)
}

type ReconcilerConfig struct {
	OrphanMaxRetries int
	OrphanBaseDelay  time.Duration
	OrphanMaxDelay   time.Duration
}

// Reconciler applies gateway events to intents exactly once per provider event id.
type Reconciler struct {
	store     IntentStore
	ledger    Ledger
	queue     RetryQueue
	publisher EventPublisher
	alerter   Alerter
	cfg       ReconcilerConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(store IntentStore, ledger Ledger, queue RetryQueue, publisher EventPublisher, alerter Alerter, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		ledger:    ledger,
		queue:     queue,
		publisher: publisher,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the orphan retry loop until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	if r.queue == nil {
		return
	}
	go func() {
		if err := r.queue.Run(ctx, r.Retry); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("orphan retry queue stopped", "error", err)
		}
	}()
}

// Ingest records the event and applies it. An error means the ledger insert did not commit and
// the sender should redeliver; anything that goes wrong afterwards is handled here.
func (r *Reconciler) Ingest(ctx context.Context, event paymentgateway.WebhookEvent, source intent.EventSource) (intent.LedgerOutcome, error) {
	if !event.Verified {
		r.logger.Warn("rejecting unverified event", "provider_event_id", event.ProviderEventID, "source", source)
		return "", apperrors.ErrUnverifiedEvent
	}
	if err := event.Validate(); err != nil {
		return "", apperrors.NewValidationError(err.Error(), apperrors.ErrCodeValidationFailed)
	}

	entry := r.newEntry(event, source)
	inserted, err := r.ledger.Insert(ctx, entry)
	if err != nil {
		r.logger.Error("failed to record event in ledger",
			"provider_event_id", event.ProviderEventID,
			"error", err)
		return "", fmt.Errorf("ledger insert: %w", err)
	}
	if !inserted {
		metrics.DuplicateEvents.WithLabelValues(string(source)).Inc()
		r.logger.Info("event already processed",
			"provider_event_id", event.ProviderEventID,
			"source", source)
		return OutcomeDuplicate, nil
	}

	return r.process(ctx, entry, true), nil
}

// Retry is the orphan queue's handler.
func (r *Reconciler) Retry(ctx context.Context, providerEventID string) {
	entry, err := r.ledger.Get(ctx, providerEventID)
	if err != nil {
		r.logger.Error("failed to load queued event", "provider_event_id", providerEventID, "error", err)
		return
	}
	if entry.Outcome != intent.OutcomeReceived {
		return
	}
	r.process(ctx, entry, true)
}

// Redrive re-applies a ledger entry left in received, without inserting it again. Orphans found
// this way are not requeued; the next sweep picks them up instead.
func (r *Reconciler) Redrive(ctx context.Context, entry *intent.WebhookLedgerEntry) intent.LedgerOutcome {
	return r.process(ctx, entry, false)
}

func (r *Reconciler) process(ctx context.Context, entry *intent.WebhookLedgerEntry, requeue bool) intent.LedgerOutcome {
	log := r.logger.With(
		"provider_event_id", entry.ProviderEventID,
		"provider_ref", entry.ProviderRef,
		"event_type", entry.EventType,
		"source", entry.Source)

	target, err := lifecycle.Parse(entry.EventType)
	if err != nil {
		log.Warn("event type does not map to a payment status", "error", err)
		return r.complete(ctx, entry, intent.OutcomeRejected, nil)
	}

	record, err := r.store.GetByProviderRef(ctx, entry.ProviderRef)
	if errors.Is(err, apperrors.ErrIntentNotFound) {
		return r.handleOrphan(ctx, entry, requeue)
	}
	if err != nil {
		log.Error("failed to resolve intent, leaving event for re-drive", "error", err)
		return intent.OutcomeReceived
	}

	outcome, applied, err := r.apply(ctx, record, target, entry)
	if errors.Is(err, apperrors.ErrIllegalTransition) {
		log.Warn("illegal transition requested by event",
			"anomaly", true,
			"intent_id", record.ID,
			"target", target,
			"error", err)
		if settles(target) {
			r.alerter.Raise(ctx, alert.ReasonIllegalTransition, record.ID, entry.ProviderEventID, err.Error())
		}
		return r.complete(ctx, entry, intent.OutcomeRejected, nil)
	}
	if err != nil {
		log.Error("failed to apply event, leaving it for re-drive", "intent_id", record.ID, "error", err)
		return intent.OutcomeReceived
	}

	if outcome == intent.OutcomeApplied {
		log.Info("event applied", "intent_id", record.ID, "transition", *applied)
	} else {
		log.Debug("event settled without change", "intent_id", record.ID, "outcome", outcome)
	}

	return r.complete(ctx, entry, outcome, applied)
}

// settles reports whether the gateway is claiming money moved or definitively did not.
func settles(target lifecycle.Status) bool {
	switch target {
	case lifecycle.StatusSucceeded, lifecycle.StatusFailed, lifecycle.StatusRefunded:
		return true
	}
	return false
}

func (r *Reconciler) apply(ctx context.Context, record *intent.PaymentIntent, target lifecycle.Status, entry *intent.WebhookLedgerEntry) (intent.LedgerOutcome, *string, error) {
	reason := failureReason(target, entry)

	// One step from the snapshot; otherwise re-read and walk from the row's actual status.
	if lifecycle.Allowed(record.Status, target) {
		applied, err := r.store.Transition(ctx, record.ID, []lifecycle.Status{record.Status}, target, reason)
		if err != nil {
			return "", nil, err
		}
		if applied {
			r.announce(ctx, record, record.Status, target, reason, entry.Source)
			step := describe(record.Status, target)
			return intent.OutcomeApplied, &step, nil
		}
	}

	for round := 0; round < maxApplyRounds; round++ {
		current, err := r.store.GetByID(ctx, record.ID)
		if err != nil {
			return "", nil, err
		}

		if current.Status == target {
			return intent.OutcomeNoop, nil, nil
		}

		path := lifecycle.Path(current.Status, target)
		if path == nil {
			if entry.EventTimestamp.Before(current.UpdatedAt) {
				return intent.OutcomeStale, nil, nil
			}
			return "", nil, apperrors.ErrIllegalTransition.WithCause(fmt.Errorf("%s -> %s", current.Status, target))
		}

		walked, err := r.walk(ctx, current, path, reason, entry.Source)
		if errors.Is(err, errLostRace) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return intent.OutcomeApplied, &walked, nil
	}

	return "", nil, fmt.Errorf("intent %s: %w", record.ID, errLostRace)
}

// walk applies a multi-step path one conditional transition at a time.
func (r *Reconciler) walk(ctx context.Context, current *intent.PaymentIntent, path []lifecycle.Status, reason *string, source intent.EventSource) (string, error) {
	from := current.Status
	steps := []string{string(from)}

	for i, next := range path {
		var stepReason *string
		if i == len(path)-1 {
			stepReason = reason
		}

		applied, err := r.store.Transition(ctx, current.ID, []lifecycle.Status{from}, next, stepReason)
		if err != nil {
			return "", err
		}
		if !applied {
			return "", errLostRace
		}

		r.announce(ctx, current, from, next, stepReason, source)
		steps = append(steps, string(next))
		from = next
	}

	return strings.Join(steps, "->"), nil
}

func (r *Reconciler) handleOrphan(ctx context.Context, entry *intent.WebhookLedgerEntry, requeue bool) intent.LedgerOutcome {
	attempts, err := r.ledger.IncrementAttempts(ctx, entry.ProviderEventID)
	if err != nil {
		r.logger.Error("failed to count orphan attempt", "provider_event_id", entry.ProviderEventID, "error", err)
		return intent.OutcomeReceived
	}

	if attempts > r.cfg.OrphanMaxRetries {
		orphan := apperrors.ErrOrphanEvent.WithCause(fmt.Errorf("provider ref %s, %d attempts", entry.ProviderRef, attempts))
		r.alerter.Raise(ctx, alert.ReasonOrphanEvent, "", entry.ProviderEventID, orphan.Error())
		return r.complete(ctx, entry, intent.OutcomeOrphaned, nil)
	}

	if !requeue || r.queue == nil {
		return intent.OutcomeReceived
	}

	delay := r.orphanDelay(attempts)
	if err := r.queue.Enqueue(ctx, entry.ProviderEventID, delay); err != nil {
		r.logger.Error("failed to requeue orphan event, leaving it for re-drive",
			"provider_event_id", entry.ProviderEventID,
			"error", err)
		return intent.OutcomeReceived
	}

	metrics.OrphanRequeues.Inc()
	r.logger.Warn("no intent for provider ref yet, event requeued",
		"provider_event_id", entry.ProviderEventID,
		"provider_ref", entry.ProviderRef,
		"attempt", attempts,
		"delay", delay)
	return intent.OutcomeReceived
}

// orphanDelay returns the capped exponential delay for the given attempt, starting at 1.
func (r *Reconciler) orphanDelay(attempt int) time.Duration {
	b := retry.WithCappedDuration(r.cfg.OrphanMaxDelay, retry.NewExponential(r.cfg.OrphanBaseDelay))

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay, _ = b.Next()
	}
	return delay
}

func (r *Reconciler) complete(ctx context.Context, entry *intent.WebhookLedgerEntry, outcome intent.LedgerOutcome, applied *string) intent.LedgerOutcome {
	metrics.LedgerEvents.WithLabelValues(string(entry.Source), string(outcome)).Inc()

	if err := r.ledger.Complete(ctx, entry.ProviderEventID, outcome, applied, r.now()); err != nil {
		// The transition, if any, is already durable; re-drive will settle the row as a noop.
		r.logger.Error("failed to settle ledger entry",
			"provider_event_id", entry.ProviderEventID,
			"outcome", outcome,
			"error", err)
	}
	return outcome
}

func (r *Reconciler) announce(ctx context.Context, record *intent.PaymentIntent, from, to lifecycle.Status, reason *string, source intent.EventSource) {
	metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()

	if r.publisher == nil {
		return
	}

	var failure string
	if reason != nil {
		failure = *reason
	}

	types := []string{events.EventTypeIntentStatusChanged}
	switch to {
	case lifecycle.StatusSucceeded:
		types = append(types, events.EventTypeIntentSucceeded)
	case lifecycle.StatusFailed:
		types = append(types, events.EventTypeIntentFailed)
	}

	for _, eventType := range types {
		event := events.NewIntentStatusChangedEvent(eventType, record.ID, record.Ref(), string(from), string(to), failure, string(source))
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Warn("failed to publish status change", "intent_id", record.ID, "error", err)
		}
	}
}

func (r *Reconciler) newEntry(event paymentgateway.WebhookEvent, source intent.EventSource) *intent.WebhookLedgerEntry {
	entry := &intent.WebhookLedgerEntry{
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		ProviderRef:     event.ProviderRef,
		EventTimestamp:  event.Timestamp.UTC(),
		Source:          source,
		Outcome:         intent.OutcomeReceived,
		ReceivedAt:      r.now(),
	}
	if event.FailureReason != "" {
		reason := event.FailureReason
		entry.FailureReason = &reason
	}
	if len(event.Payload) > 0 && json.Valid(event.Payload) {
		entry.Payload = event.Payload
	}
	return entry
}

func failureReason(target lifecycle.Status, entry *intent.WebhookLedgerEntry) *string {
	if target != lifecycle.StatusFailed {
		return nil
	}
	if entry.FailureReason != nil && *entry.FailureReason != "" {
		return entry.FailureReason
	}
	reason := "reported failed by gateway"
	return &reason
}

func describe(from, to lifecycle.Status) string {
	return string(from) + "->" + string(to)
}
