package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/transport"
)

type ServiceAPI interface {
	CreateOrGet(ctx context.Context, in NewIntent) (*Result, error)
	Get(ctx context.Context, id string) (*intent.PaymentIntent, error)
	Cancel(ctx context.Context, id string) (*intent.PaymentIntent, error)
}

type Handler struct {
	transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: *transport.NewBaseHandler(logger),
		Service:     service,
	}
}

// CreateIntent handles POST /api/v1/intents
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("CreateIntent: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}
	req.IdempotencyKey = r.Header.Get(paymentgateway.HeaderIdempotencyKey)

	// Fall back to the authenticated subject when the body names none.
	if req.SubjectID == "" {
		req.SubjectID = errors.SubjectFromContext(r.Context())
	}

	if err := req.Validate(); err != nil {
		if appErr, ok := errors.IsAppError(err); ok {
			h.Logger.Info("CreateIntent: rejected request", "reason", appErr.GetDetailedMessage())
		}
		h.HandleServiceError(w, err)
		return
	}

	result, err := h.Service.CreateOrGet(r.Context(), req.ToNewIntent())
	if err != nil {
		h.Logger.Warn("CreateIntent: service error", "error", err, "idempotency_key", req.IdempotencyKey)
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusOK
	switch {
	case result.StillProcessing:
		status = http.StatusAccepted
	case result.Created:
		status = http.StatusCreated
	}

	h.WriteJSON(w, status, NewIntentResponse(result.Intent))
}

// GetIntent handles GET /api/v1/intents/{id}
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.HandleError(w, errors.NewValidationError("intent id is required", errors.ErrCodeValidationFailed))
		return
	}

	record, err := h.Service.Get(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, NewIntentResponse(record))
}

// CancelIntent handles POST /api/v1/intents/{id}/cancel
func (h *Handler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.HandleError(w, errors.NewValidationError("intent id is required", errors.ErrCodeValidationFailed))
		return
	}

	record, err := h.Service.Cancel(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("CancelIntent: intent canceled", "intent_id", id)
	h.WriteJSON(w, http.StatusOK, NewIntentResponse(record))
}
