package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/transport"
)

const maxWebhookBody = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, event paymentgateway.WebhookEvent, source intent.EventSource) (intent.LedgerOutcome, error)
}

type Handler struct {
	*transport.BaseHandler
	parser     EventParser
	reconciler Ingester
}

func NewHandler(parser EventParser, reconciler Ingester, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger),
		parser:      parser,
		reconciler:  reconciler,
	}
}

type AckResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// HandleGatewayEvent handles POST /api/v1/webhooks/gateway. A 2xx is returned only once the
// event is in the ledger; the gateway redelivers on anything else.
func (h *Handler) HandleGatewayEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.HandleError(w, errors.NewValidationError("unreadable request body", errors.ErrCodeValidationFailed))
		return
	}

	event, err := h.parser.ParseWebhook(r.Header, body)
	if err != nil {
		h.Logger.Warn("rejecting gateway webhook", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	outcome, err := h.reconciler.Ingest(r.Context(), *event, intent.SourceWebhook)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, AckResponse{Received: true, Outcome: string(outcome)})
}
