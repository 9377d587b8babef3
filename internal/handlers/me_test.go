package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/platform/auth"
	"github.com/larderworks/api/internal/services"
)

func newMeRouter(svc services.IdentityService) chi.Router {
	authn := auth.NewAuthenticator(stubVerifier{tokens: map[string]*firebaseauth.Token{
		"verified":   customerToken("acct-1", "ada@example.com", true),
		"unverified": customerToken("acct-2", "eve@example.com", false),
	}}, time.Second)
	r := chi.NewRouter()
	NewMeHandlers(authn, svc).Routes(r)
	return r
}

func TestRegistrationPromotesGuest(t *testing.T) {
	created := time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC)
	svc := &stubIdentityService{promotion: services.PromotionResult{
		Profile:          domain.CustomerProfile{ID: "prof_1", Email: "ada@example.com", CreatedAt: created, UpdatedAt: created},
		Promoted:         true,
		OrdersReassigned: 3,
	}}
	req := httptest.NewRequest(http.MethodPost, "/registration", strings.NewReader(`{"phone":"+44 1225 000000"}`))
	req.Header.Set("Authorization", "Bearer verified")
	rr := httptest.NewRecorder()

	newMeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	cmd := svc.promoteCmd
	if cmd.AccountID != "acct-1" || cmd.Email != "ada@example.com" || cmd.Name != "Ada Lovelace" || cmd.Phone != "+44 1225 000000" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	var resp registrationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Promoted || resp.OrdersReassigned != 3 || resp.Profile.ID != "prof_1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRegistrationCreatesProfileWithoutBody(t *testing.T) {
	svc := &stubIdentityService{promotion: services.PromotionResult{Created: true}}
	req := httptest.NewRequest(http.MethodPost, "/registration", nil)
	req.Header.Set("Authorization", "Bearer verified")
	rr := httptest.NewRecorder()

	newMeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRegistrationRequiresVerifiedEmail(t *testing.T) {
	svc := &stubIdentityService{}
	req := httptest.NewRequest(http.MethodPost, "/registration", nil)
	req.Header.Set("Authorization", "Bearer unverified")
	rr := httptest.NewRecorder()

	newMeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if svc.promoteCmd.AccountID != "" {
		t.Fatalf("service must not be called")
	}
}

func TestRegistrationEmailClaimed(t *testing.T) {
	svc := &stubIdentityService{err: services.ErrProfileEmailClaimed}
	req := httptest.NewRequest(http.MethodPost, "/registration", nil)
	req.Header.Set("Authorization", "Bearer verified")
	rr := httptest.NewRecorder()

	newMeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestMeRoutesRequireToken(t *testing.T) {
	rr := httptest.NewRecorder()
	newMeRouter(&stubIdentityService{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/profile", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestProfileSummary(t *testing.T) {
	svc := &stubIdentityService{summary: services.ProfileSummary{
		Profile:    domain.CustomerProfile{ID: "prof_1", Email: "ada@example.com"},
		OrderCount: 4,
	}}
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Authorization", "Bearer verified")
	rr := httptest.NewRecorder()

	newMeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.accountID != "acct-1" {
		t.Fatalf("unexpected account %q", svc.accountID)
	}
	var resp profileResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderCount != 4 || resp.Profile.Guest {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestProfileNotFound(t *testing.T) {
	svc := &stubIdentityService{err: services.ErrProfileNotFound}
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Authorization", "Bearer verified")
	rr := httptest.NewRecorder()

	newMeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOrderHistory(t *testing.T) {
	placed := time.Date(2026, 2, 14, 18, 30, 0, 0, time.UTC)
	svc := &stubIdentityService{history: services.OrderHistory{
		Orders: []domain.Order{{
			ID: "ord_7", Status: domain.OrderStatusPaid, Currency: "EUR", CreatedAt: placed,
			Totals: domain.OrderTotals{Gross: 4000, Shipping: 990, Total: 4990},
		}},
		NextPageToken: "next-token",
	}}
	req := httptest.NewRequest(http.MethodGet, "/orders?pageSize=500", nil)
	req.Header.Set("Authorization", "Bearer verified")
	rr := httptest.NewRecorder()

	newMeRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.listCmd.AccountID != "acct-1" || svc.listCmd.PageSize != 50 {
		t.Fatalf("unexpected command: %+v", svc.listCmd)
	}
	var resp orderHistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Orders) != 1 || resp.NextPageToken != "next-token" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	got := resp.Orders[0]
	if got.OrderID != "ord_7" || got.Totals.Total != "49.90" || got.CreatedAt != "2026-02-14T18:30:00Z" {
		t.Fatalf("unexpected order payload: %+v", got)
	}
}

func TestOrderHistoryRejectsBadPaging(t *testing.T) {
	for _, query := range []string{"pageSize=zero", "pageToken=%7B%7D"} {
		svc := &stubIdentityService{}
		req := httptest.NewRequest(http.MethodGet, "/orders?"+query, nil)
		req.Header.Set("Authorization", "Bearer verified")
		rr := httptest.NewRecorder()

		newMeRouter(svc).ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
		if svc.listCmd.AccountID != "" {
			t.Fatalf("%s: service must not be called", query)
		}
	}
}
