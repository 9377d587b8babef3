package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func validVerifier() *stubTokenVerifier {
	return &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "uid-42",
		Claims: map[string]any{
			"email":          " anna@example.com ",
			"email_verified": true,
			"name":           "Anna Rossi",
		},
	}}
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, authz string) (*httptest.ResponseRecorder, *Customer, bool) {
	t.Helper()
	var (
		customer *Customer
		called   bool
	)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		customer, _ = CustomerFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/profile", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, customer, called
}

func TestRequireCustomerAllowsValidToken(t *testing.T) {
	verifier := validVerifier()
	rec, customer, called := serve(t, NewAuthenticator(verifier, 0).RequireCustomer(), "Bearer token-abc")

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected handler to run, status %d", rec.Code)
	}
	if verifier.received != "token-abc" {
		t.Fatalf("unexpected token forwarded: %q", verifier.received)
	}
	if customer == nil || customer.UID != "uid-42" || customer.Email != "anna@example.com" || !customer.EmailVerified || customer.Name != "Anna Rossi" {
		t.Fatalf("unexpected customer %+v", customer)
	}
}

func TestRequireCustomerRejects(t *testing.T) {
	cases := []struct {
		name     string
		verifier TokenVerifier
		authz    string
		code     string
	}{
		{name: "missing header", verifier: validVerifier(), code: "unauthenticated"},
		{name: "wrong scheme", verifier: validVerifier(), authz: "Basic abc", code: "unauthenticated"},
		{name: "verification error", verifier: &stubTokenVerifier{err: errors.New("bad signature")}, authz: "Bearer x", code: "invalid_token"},
		{name: "no verifier", verifier: nil, authz: "Bearer x", code: "unauthenticated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _, called := serve(t, NewAuthenticator(tc.verifier, 0).RequireCustomer(), tc.authz)
			if called {
				t.Fatalf("handler must not run")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestOptionalCustomer(t *testing.T) {
	authn := NewAuthenticator(validVerifier(), 0)

	rec, customer, called := serve(t, authn.OptionalCustomer(), "")
	if !called || customer != nil || rec.Code != http.StatusOK {
		t.Fatalf("guest request should pass without a customer")
	}

	_, customer, called = serve(t, authn.OptionalCustomer(), "Bearer token")
	if !called || customer == nil || customer.UID != "uid-42" {
		t.Fatalf("expected customer to be attached")
	}

	rec, _, called = serve(t, NewAuthenticator(&stubTokenVerifier{err: errors.New("expired")}, 0).OptionalCustomer(), "Bearer stale")
	if called || rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token must be rejected, status %d", rec.Code)
	}
}
