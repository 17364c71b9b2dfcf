// Package alert escalates conditions the system will not resolve on its own.
package alert

import (
	"context"
	"log/slog"

	"github.com/frahmantamala/member-payments/internal/core/events"
	"github.com/frahmantamala/member-payments/internal/metrics"
)

const (
	ReasonOrphanEvent         = "orphan_event"
	ReasonProviderRefMismatch = "provider_ref_mismatch"
	ReasonIllegalTransition   = "illegal_transition"
	ReasonQueryFailures       = "provider_query_failures"
	ReasonCreationStuck       = "creation_stuck"
)

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Alerter struct {
	logger    *slog.Logger
	publisher Publisher
}

// NewAlerter accepts a nil publisher; alerts are then only logged and counted.
func NewAlerter(logger *slog.Logger, publisher Publisher) *Alerter {
	return &Alerter{logger: logger, publisher: publisher}
}

func (a *Alerter) Raise(ctx context.Context, reason, intentID, providerEventID, detail string) {
	metrics.OperatorAlerts.WithLabelValues(reason).Inc()

	a.logger.Error("operator attention required",
		"alert", true,
		"reason", reason,
		"intent_id", intentID,
		"provider_event_id", providerEventID,
		"detail", detail)

	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, events.NewOperatorAlertEvent(reason, intentID, providerEventID, detail)); err != nil {
		a.logger.Warn("failed to publish operator alert", "reason", reason, "error", err)
	}
}
