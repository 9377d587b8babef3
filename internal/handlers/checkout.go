package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/platform/auth"
	"github.com/larderworks/api/internal/platform/httpx"
	"github.com/larderworks/api/internal/platform/idempotency"
	"github.com/larderworks/api/internal/services"
)

// CheckoutHandlers exposes quote, session creation and the fallback sync.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	session  []func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithSessionMiddleware wraps session creation after the customer is resolved, so middleware such
// as the idempotency guard can scope by account.
func WithSessionMiddleware(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		for _, m := range mw {
			if m != nil {
				h.session = append(h.session, m)
			}
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers. Session creation links the order to the
// signed-in account when a valid ID token is presented.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{authn: authn, checkout: checkout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	r.Post("/quote", h.quote)
	session := r
	if h.authn != nil {
		session = session.With(h.authn.OptionalCustomer())
	}
	if len(h.session) > 0 {
		session = session.With(h.session...)
	}
	session.Post("/session", h.createSession)
	r.Post("/sync", h.sync)
}

type cartLinePayload struct {
	ProductID string `json:"productId"`
	Tier      string `json:"tier"`
	Quantity  int    `json:"quantity"`
}

type contactPayload struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

type addressPayload struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Province   string `json:"province,omitempty"`
	Country    string `json:"country"`
}

type declaredTotalsPayload struct {
	Gross    *decimal.Decimal `json:"gross,omitempty"`
	Shipping *decimal.Decimal `json:"shipping,omitempty"`
	Total    *decimal.Decimal `json:"total,omitempty"`
}

type quoteRequest struct {
	Lines []cartLinePayload `json:"lines"`
}

type sessionRequest struct {
	Lines          []cartLinePayload     `json:"lines"`
	Customer       contactPayload        `json:"customer"`
	Shipping       addressPayload        `json:"shipping"`
	Billing        *addressPayload       `json:"billing,omitempty"`
	Notes          string                `json:"notes,omitempty"`
	DeclaredTotals declaredTotalsPayload `json:"declaredTotals"`
	SuccessURL     string                `json:"successUrl"`
	CancelURL      string                `json:"cancelUrl"`
	Locale         string                `json:"locale,omitempty"`
}

type syncRequest struct {
	SessionID string `json:"sessionId"`
}

type pricedLinePayload struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Tier        string `json:"tier"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	LineTotal   string `json:"lineTotal"`
	WeightGrams int    `json:"weightGrams"`
}

type totalsPayload struct {
	Net                  string `json:"net"`
	Tax                  string `json:"tax"`
	Gross                string `json:"gross"`
	Shipping             string `json:"shipping"`
	Total                string `json:"total"`
	WeightGrams          int    `json:"weightGrams"`
	AmountToFreeShipping string `json:"amountToFreeShipping"`
}

type quoteResponse struct {
	Lines  []pricedLinePayload `json:"lines"`
	Totals totalsPayload       `json:"totals"`
}

type sessionResponse struct {
	SessionID   string        `json:"sessionId"`
	RedirectURL string        `json:"redirectUrl"`
	ExpiresAt   string        `json:"expiresAt,omitempty"`
	Currency    string        `json:"currency"`
	Totals      totalsPayload `json:"totals"`
}

type orderPayload struct {
	OrderID       string      `json:"orderId"`
	Status        string      `json:"status"`
	Created       bool        `json:"created"`
	Currency      string      `json:"currency"`
	Totals        orderTotals `json:"totals"`
	LinesInserted int         `json:"linesInserted"`
}

type orderTotals struct {
	Net      string `json:"net"`
	Tax      string `json:"tax"`
	Gross    string `json:"gross"`
	Shipping string `json:"shipping"`
	Total    string `json:"total"`
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req quoteRequest
	if apiErr := httpx.DecodeJSON(w, r, httpx.DefaultBodyLimit, &req); apiErr != nil {
		httpx.WriteError(ctx, w, *apiErr)
		return
	}
	result, err := h.checkout.Quote(ctx, services.QuoteCommand{Lines: toCartLines(req.Lines)})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, quoteResponse{
		Lines:  lo.Map(result.Lines, func(l domain.PricedLine, _ int) pricedLinePayload { return toPricedLine(l) }),
		Totals: toTotals(result.Quote),
	})
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req sessionRequest
	if apiErr := httpx.DecodeJSON(w, r, httpx.DefaultBodyLimit, &req); apiErr != nil {
		httpx.WriteError(ctx, w, *apiErr)
		return
	}

	cmd := services.CreateCheckoutSessionCommand{
		Lines:    toCartLines(req.Lines),
		Customer: domain.ContactDetails(req.Customer),
		Shipping: domain.Address(req.Shipping),
		Notes:    req.Notes,
		DeclaredTotals: services.DeclaredTotals{
			Gross:    req.DeclaredTotals.Gross,
			Shipping: req.DeclaredTotals.Shipping,
			Total:    req.DeclaredTotals.Total,
		},
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Locale:     req.Locale,
		AttemptKey: r.Header.Get(idempotency.HeaderName),
	}
	if req.Billing != nil {
		cmd.Billing = lo.ToPtr(domain.Address(*req.Billing))
	}
	if customer, ok := auth.CustomerFromContext(ctx); ok && strings.TrimSpace(customer.UID) != "" {
		cmd.AccountID = lo.ToPtr(customer.UID)
	}

	result, err := h.checkout.CreateSession(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := sessionResponse{
		SessionID:   result.SessionID,
		RedirectURL: result.RedirectURL,
		Currency:    result.Currency,
		Totals:      toTotals(result.Quote),
	}
	if result.ExpiresAt != nil {
		resp.ExpiresAt = result.ExpiresAt.UTC().Format(time.RFC3339)
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (h *CheckoutHandlers) sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req syncRequest
	if apiErr := httpx.DecodeJSON(w, r, httpx.DefaultBodyLimit, &req); apiErr != nil {
		httpx.WriteError(ctx, w, *apiErr)
		return
	}
	result, err := h.checkout.SyncSession(ctx, req.SessionID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderPayload(result))
}

func toCartLines(lines []cartLinePayload) []domain.CartLine {
	return lo.Map(lines, func(l cartLinePayload, _ int) domain.CartLine {
		return domain.CartLine{ProductID: l.ProductID, Tier: l.Tier, Quantity: l.Quantity}
	})
}

func toPricedLine(l domain.PricedLine) pricedLinePayload {
	return pricedLinePayload{
		ProductID:   l.ProductID,
		ProductName: l.ProductName,
		Tier:        l.Tier,
		Quantity:    l.Quantity,
		UnitPrice:   money(l.UnitGross),
		LineTotal:   money(l.LineGross),
		WeightGrams: l.WeightGrams,
	}
}

func toTotals(q services.Quote) totalsPayload {
	return totalsPayload{
		Net:                  money(q.Net),
		Tax:                  money(q.Tax),
		Gross:                money(q.Gross),
		Shipping:             money(q.Shipping),
		Total:                money(q.Total),
		WeightGrams:          q.WeightGrams,
		AmountToFreeShipping: money(q.AmountToFreeShipping),
	}
}

func toOrderPayload(result services.MaterializeResult) orderPayload {
	o := result.Order
	return orderPayload{
		OrderID:  o.ID,
		Status:   string(o.Status),
		Created:  result.Created,
		Currency: o.Currency,
		Totals:        toOrderTotals(o.Totals),
		LinesInserted: result.LinesInserted,
	}
}

func toOrderTotals(t domain.OrderTotals) orderTotals {
	return orderTotals{
		Net:      money(domain.FromMinor(t.Net)),
		Tax:      money(domain.FromMinor(t.Tax)),
		Gross:    money(domain.FromMinor(t.Gross)),
		Shipping: money(domain.FromMinor(t.Shipping)),
		Total:    money(domain.FromMinor(t.Total)),
	}
}
