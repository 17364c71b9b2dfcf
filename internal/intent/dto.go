package intent

import (
	"strings"
	"time"

	errors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/core/common/validation"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
)

const (
	maxIdempotencyKeyLength = 255
	maxAmountCents          = 100_000_000_00
)

// CreateIntentRequest is the body of POST /api/v1/intents. The idempotency key comes from the
// Idempotency-Key header.
type CreateIntentRequest struct {
	IdempotencyKey string         `json:"-"`
	AmountCents    int64          `json:"amount_cents"`
	Currency       string         `json:"currency"`
	SubjectID      string         `json:"subject_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (r *CreateIntentRequest) Validate() error {
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return errors.NewValidationError("Idempotency-Key header is required", errors.ErrCodeMissingKey)
	}

	validator := validation.NewValidator()

	validator.Field("Idempotency-Key", r.IdempotencyKey).MaxLength(maxIdempotencyKeyLength)
	validator.Field("amount_cents", r.AmountCents).
		MinInt(1, errors.ErrCodeInvalidAmount).
		MaxInt(maxAmountCents, errors.ErrCodeInvalidAmount)
	validator.Field("currency", r.Currency).Currency()
	validator.Field("subject_id", r.SubjectID).Required().MaxLength(255)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func (r *CreateIntentRequest) ToNewIntent() NewIntent {
	return NewIntent{
		IdempotencyKey: r.IdempotencyKey,
		AmountCents:    r.AmountCents,
		Currency:       r.Currency,
		SubjectID:      r.SubjectID,
		Metadata:       r.Metadata,
	}
}

type IntentResponse struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	SubjectID     string    `json:"subject_id"`
	CheckoutURL   *string   `json:"checkout_url,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewIntentResponse only exposes gateway-confirmed outcomes; everything else reads "processing".
// Failure reasons are shown only once the intent has actually failed.
func NewIntentResponse(p *intent.PaymentIntent) IntentResponse {
	resp := IntentResponse{
		ID:          p.ID,
		Status:      lifecycle.UserFacing(p.Status),
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		SubjectID:   p.SubjectID,
		CheckoutURL: p.CheckoutURL,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.Status == lifecycle.StatusFailed {
		resp.FailureReason = p.FailureReason
	}
	return resp
}
