package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/payments"
	"github.com/larderworks/api/internal/services"
)

func serveWebhook(svc services.CheckoutService, body, signature string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	NewWebhookHandlers(svc).Routes(r)
	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestStripeWebhookProcessed(t *testing.T) {
	svc := &stubCheckoutService{outcome: services.WebhookOutcome{
		EventID: "evt_1",
		Status:  services.WebhookStatusProcessed,
		Result:  &services.MaterializeResult{Order: domain.Order{ID: "ord_1"}, Created: true},
	}}
	rr := serveWebhook(svc, `{"id":"evt_1"}`, "t=1,v1=abc")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if string(svc.payload) != `{"id":"evt_1"}` || svc.signature != "t=1,v1=abc" {
		t.Fatalf("payload or signature not forwarded verbatim")
	}
	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID != "ord_1" || resp.Status != "processed" || resp.Created == nil || !*resp.Created {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStripeWebhookIgnoredEvent(t *testing.T) {
	svc := &stubCheckoutService{outcome: services.WebhookOutcome{EventID: "evt_2", Status: services.WebhookStatusIgnored}}
	rr := serveWebhook(svc, `{}`, "t=1,v1=abc")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "orderId") {
		t.Fatalf("ignored events carry no order: %s", rr.Body.String())
	}
}

func TestStripeWebhookErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad signature", fmt.Errorf("%w: mismatch", payments.ErrSignatureInvalid), http.StatusBadRequest, "invalid_signature"},
		{"malformed metadata", services.ErrMalformedMetadata, http.StatusUnprocessableEntity, "malformed_session"},
		{"store down", services.ErrDependencyUnavailable, http.StatusServiceUnavailable, "dependency_unavailable"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serveWebhook(&stubCheckoutService{err: tc.err}, `{}`, "sig")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestStripeWebhookBodyTooLarge(t *testing.T) {
	svc := &stubCheckoutService{}
	rr := serveWebhook(svc, strings.Repeat("x", webhookBodyLimit+1), "sig")

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if svc.payload != nil {
		t.Fatalf("service must not see oversized payloads")
	}
}
