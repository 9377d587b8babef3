package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/platform/auth"
	"github.com/larderworks/api/internal/platform/httpx"
	"github.com/larderworks/api/internal/platform/pagination"
	"github.com/larderworks/api/internal/services"
)

// MeHandlers serves the signed-in customer's profile.
type MeHandlers struct {
	authn    *auth.Authenticator
	identity services.IdentityService
}

// NewMeHandlers constructs profile handlers.
func NewMeHandlers(authn *auth.Authenticator, identity services.IdentityService) *MeHandlers {
	return &MeHandlers{authn: authn, identity: identity}
}

// Routes registers profile endpoints. Every route requires a verified ID token.
func (h *MeHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r = r.With(h.authn.RequireCustomer())
	}
	r.Post("/registration", h.register)
	r.Get("/profile", h.profile)
	r.Get("/orders", h.orders)
}

type registrationRequest struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

type profilePayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
	Guest     bool   `json:"guest"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type registrationResponse struct {
	Profile          profilePayload `json:"profile"`
	Promoted         bool           `json:"promoted"`
	Created          bool           `json:"created"`
	OrdersReassigned int            `json:"ordersReassigned"`
}

type profileResponse struct {
	Profile    profilePayload `json:"profile"`
	OrderCount int            `json:"orderCount"`
}

type orderSummaryPayload struct {
	OrderID   string      `json:"orderId"`
	Status    string      `json:"status"`
	Currency  string      `json:"currency"`
	Totals    orderTotals `json:"totals"`
	CreatedAt string      `json:"createdAt"`
}

type orderHistoryResponse struct {
	Orders        []orderSummaryPayload `json:"orders"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

var orderHistoryPaging = pagination.Options{DefaultPageSize: 20, MaxPageSize: 50}

// register promotes the guest profile matching the token email. The email comes from the
// verified token, never the body, so guests cannot claim someone else's orders.
func (h *MeHandlers) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customer, ok := auth.CustomerFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if !customer.EmailVerified || strings.TrimSpace(customer.Email) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("email_unverified", "a verified email address is required to register", http.StatusForbidden))
		return
	}

	var req registrationRequest
	if r.ContentLength != 0 {
		if apiErr := httpx.DecodeJSON(w, r, httpx.DefaultBodyLimit, &req); apiErr != nil {
			httpx.WriteError(ctx, w, *apiErr)
			return
		}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = customer.Name
	}

	result, err := h.identity.PromoteRegistration(ctx, services.PromoteRegistrationCommand{
		AccountID: customer.UID,
		Email:     customer.Email,
		Name:      name,
		Phone:     req.Phone,
		Company:   req.Company,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, registrationResponse{
		Profile:          toProfilePayload(result.Profile),
		Promoted:         result.Promoted,
		Created:          result.Created,
		OrdersReassigned: result.OrdersReassigned,
	})
}

func (h *MeHandlers) profile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customer, ok := auth.CustomerFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	summary, err := h.identity.ProfileForAccount(ctx, customer.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profileResponse{
		Profile:    toProfilePayload(summary.Profile),
		OrderCount: summary.OrderCount,
	})
}

func (h *MeHandlers) orders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customer, ok := auth.CustomerFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	params, err := pagination.FromRequest(r, orderHistoryPaging)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	history, err := h.identity.ListOrders(ctx, services.ListOrdersCommand{
		AccountID: customer.UID,
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := orderHistoryResponse{
		Orders:        make([]orderSummaryPayload, 0, len(history.Orders)),
		NextPageToken: history.NextPageToken,
	}
	for _, o := range history.Orders {
		resp.Orders = append(resp.Orders, orderSummaryPayload{
			OrderID:   o.ID,
			Status:    string(o.Status),
			Currency:  o.Currency,
			Totals:    toOrderTotals(o.Totals),
			CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func toProfilePayload(p domain.CustomerProfile) profilePayload {
	return profilePayload{
		ID:        p.ID,
		Email:     p.Email,
		Name:      p.Name,
		Phone:     p.Phone,
		Company:   p.Company,
		Guest:     p.IsGuest,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
