package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/larderworks/api/internal/platform/httpx"
	"github.com/larderworks/api/internal/services"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	webhookBodyLimit      = 256 << 10
)

// WebhookHandlers receives payment gateway events.
type WebhookHandlers struct {
	checkout services.CheckoutService
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(checkout services.CheckoutService) *WebhookHandlers {
	return &WebhookHandlers{checkout: checkout}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/stripe", h.stripe)
}

type webhookResponse struct {
	EventID string `json:"eventId"`
	Status  string `json:"status"`
	OrderID string `json:"orderId,omitempty"`
	Created *bool  `json:"created,omitempty"`
}

// stripe answers 2xx for anything that should not be redelivered. Failures that a retry can
// fix surface as 503 so the gateway tries again.
func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload, apiErr := httpx.ReadBody(w, r, webhookBodyLimit)
	if apiErr != nil {
		httpx.WriteError(ctx, w, *apiErr)
		return
	}

	outcome, err := h.checkout.HandleWebhook(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := webhookResponse{EventID: outcome.EventID, Status: string(outcome.Status)}
	if outcome.Result != nil {
		created := outcome.Result.Created
		resp.OrderID = outcome.Result.Order.ID
		resp.Created = &created
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
