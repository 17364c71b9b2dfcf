package paymentgateway

import (
	"errors"
	"strings"
	"time"
)

// Gateway-side status names as they appear on the wire.
const (
	GatewayStatusPending    = "pending"
	GatewayStatusProcessing = "processing"
	GatewayStatusSucceeded  = "succeeded"
	GatewayStatusFailed     = "failed"
	GatewayStatusCanceled   = "canceled"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignature      = "X-Gateway-Signature"
	HeaderTimestamp      = "X-Gateway-Timestamp"
)

type CreateRequest struct {
	IdempotencyKey string         `json:"-"`
	AmountCents    int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount must be greater than 0")
	}
	if r.Currency == "" {
		return errors.New("currency is required")
	}
	return nil
}

type CreateResult struct {
	ProviderRef string `json:"id"`
	Status      string `json:"status"`
	CheckoutURL string `json:"checkout_url,omitempty"`
}

type StatusResult struct {
	ProviderRef   string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// WebhookPayload is the JSON body the gateway posts to the webhook endpoint.
type WebhookPayload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      WebhookData `json:"data"`
}

type WebhookData struct {
	ProviderRef   string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// WebhookEvent is the adapter's parsed view of a gateway notification. Verified is set only by
// an adapter that checked the signature; the reconciler refuses anything else.
type WebhookEvent struct {
	ProviderEventID string
	Type            string
	ProviderRef     string
	Timestamp       time.Time
	FailureReason   string
	Verified        bool
	Payload         []byte
}

func (e WebhookEvent) Validate() error {
	if e.ProviderEventID == "" {
		return errors.New("provider event id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.ProviderRef == "" {
		return errors.New("provider reference is required")
	}
	return nil
}

// NewSyntheticEvent wraps a status learned from a direct gateway call so it can travel the same
// ledger path as a webhook. The id is deterministic per (origin, ref, status), which lets the
// ledger drop repeats.
func NewSyntheticEvent(origin, providerRef, status, failureReason string, at time.Time) WebhookEvent {
	return WebhookEvent{
		ProviderEventID: origin + ":" + providerRef + ":" + strings.ToLower(status),
		Type:            status,
		ProviderRef:     providerRef,
		Timestamp:       at,
		FailureReason:   failureReason,
		Verified:        true,
	}
}
