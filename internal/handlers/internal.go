package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/larderworks/api/internal/platform/auth"
	"github.com/larderworks/api/internal/platform/httpx"
	"github.com/larderworks/api/internal/platform/requestctx"
	"github.com/larderworks/api/internal/services"
)

// InternalHandlers serves operator endpoints reachable only with a service token.
type InternalHandlers struct {
	orders services.OrderMaterializer
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(orders services.OrderMaterializer) *InternalHandlers {
	return &InternalHandlers{orders: orders}
}

// Routes registers internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/orders/{orderId}:resend-notifications", h.resendNotifications)
}

type resendResponse struct {
	OrderID    string `json:"orderId"`
	NotifiedAt string `json:"notifiedAt,omitempty"`
}

func (h *InternalHandlers) resendNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	caller := "unknown"
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok {
		caller = identity.Email
	}
	requestctx.Logger(ctx).Info("resending order notifications", zap.String("orderId", orderID), zap.String("caller", caller))

	order, err := h.orders.ResendNotifications(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := resendResponse{OrderID: order.ID}
	if order.NotifiedAt != nil {
		resp.NotifiedAt = order.NotifiedAt.UTC().Format(time.RFC3339)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
