package ingress

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
	"github.com/tablestack/payproc/internal/webhook"
)

// maxWebhookBody caps inbound payload size; provider notifications are small.
const maxWebhookBody = 1 << 20

// webhookParams is validated before the delivery reaches the reconciler.
type webhookParams struct {
	OrgID     string `validate:"required,max=64"`
	Provider  string `validate:"required,max=32"`
	EventType string `validate:"required,max=128"`
	Signature string `validate:"required"`
}

// WebhookController receives provider notifications and hands them to the
// reconciler.
type WebhookController struct {
	reconciler *webhook.Reconciler
	logger     zerolog.Logger
}

// NewWebhookController creates a new WebhookController.
func NewWebhookController(reconciler *webhook.Reconciler, logger zerolog.Logger) *WebhookController {
	return &WebhookController{reconciler: reconciler, logger: logger}
}

// Receive handles POST /webhooks/{org}/{provider}.
//
// The event type and signature ride in headers; the body is the raw
// provider payload, passed through untouched so signature verification
// sees exactly the delivered bytes.
func (h *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	params := webhookParams{
		OrgID:     chi.URLParam(r, "org"),
		Provider:  chi.URLParam(r, "provider"),
		EventType: r.Header.Get("X-Event-Type"),
		Signature: r.Header.Get("X-Webhook-Signature"),
	}
	if err := validate.Struct(params); err != nil {
		writeError(w, domainErrors.NewValidationError("webhook", err.Error()))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, domainErrors.NewValidationError("body", "failed to read payload"))
		return
	}

	err = h.reconciler.Handle(r.Context(), params.OrgID, params.Provider, webhook.Delivery{
		EventType:  params.EventType,
		Signature:  params.Signature,
		RawPayload: payload,
	})
	if err != nil {
		h.logger.Warn().Err(err).
			Str("org_id", params.OrgID).
			Str("provider", params.Provider).
			Str("event_type", params.EventType).
			Msg("Webhook delivery rejected")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
