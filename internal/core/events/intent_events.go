package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeIntentCreated       = "intent.created"
	EventTypeIntentStatusChanged = "intent.status_changed"
	EventTypeIntentSucceeded     = "intent.succeeded"
	EventTypeIntentFailed        = "intent.failed"
	EventTypeOperatorAlert       = "operator.alert"
)

var (
	_ Event = (*IntentCreatedEvent)(nil)
	_ Event = (*IntentStatusChangedEvent)(nil)
	_ Event = (*OperatorAlertEvent)(nil)
)

type IntentCreatedEvent struct {
	BaseEvent
	IntentID       string `json:"intent_id"`
	IdempotencyKey string `json:"idempotency_key"`
	SubjectID      string `json:"subject_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

func NewIntentCreatedEvent(intentID, idempotencyKey, subjectID string, amountCents int64, currency string) *IntentCreatedEvent {
	return &IntentCreatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeIntentCreated,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"intent_id":       intentID,
				"idempotency_key": idempotencyKey,
				"subject_id":      subjectID,
				"amount_cents":    amountCents,
				"currency":        currency,
			},
		},
		IntentID:       intentID,
		IdempotencyKey: idempotencyKey,
		SubjectID:      subjectID,
		AmountCents:    amountCents,
		Currency:       currency,
	}
}

type IntentStatusChangedEvent struct {
	BaseEvent
	IntentID      string `json:"intent_id"`
	ProviderRef   string `json:"provider_ref"`
	From          string `json:"from"`
	To            string `json:"to"`
	FailureReason string `json:"failure_reason,omitempty"`
	Source        string `json:"source"`
}

// NewIntentStatusChangedEvent returns the generic change event. Terminal outcomes also get a
// dedicated type so consumers can subscribe to just those.
func NewIntentStatusChangedEvent(eventType, intentID, providerRef, from, to, failureReason, source string) *IntentStatusChangedEvent {
	return &IntentStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"intent_id":      intentID,
				"provider_ref":   providerRef,
				"from":           from,
				"to":             to,
				"failure_reason": failureReason,
				"source":         source,
			},
		},
		IntentID:      intentID,
		ProviderRef:   providerRef,
		From:          from,
		To:            to,
		FailureReason: failureReason,
		Source:        source,
	}
}

type OperatorAlertEvent struct {
	BaseEvent
	Reason          string `json:"reason"`
	IntentID        string `json:"intent_id,omitempty"`
	ProviderEventID string `json:"provider_event_id,omitempty"`
	Detail          string `json:"detail"`
}

func NewOperatorAlertEvent(reason, intentID, providerEventID, detail string) *OperatorAlertEvent {
	return &OperatorAlertEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeOperatorAlert,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"reason":            reason,
				"intent_id":         intentID,
				"provider_event_id": providerEventID,
				"detail":            detail,
			},
		},
		Reason:          reason,
		IntentID:        intentID,
		ProviderEventID: providerEventID,
		Detail:          detail,
	}
}
