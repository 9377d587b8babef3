// Package auth verifies Firebase customer ID tokens and Google-signed service tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/larderworks/api/internal/platform/config"
	"github.com/larderworks/api/internal/platform/httpx"
)

const defaultVerifyTimeout = 5 * time.Second

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Customer is the signed-in storefront account taken from a verified ID token.
type Customer struct {
	UID           string
	Email         string
	EmailVerified bool
	Name          string
}

type customerKey struct{}

// WithCustomer stores the customer on ctx.
func WithCustomer(ctx context.Context, customer *Customer) context.Context {
	return context.WithValue(ctx, customerKey{}, customer)
}

// CustomerFromContext returns the customer installed by the middleware.
func CustomerFromContext(ctx context.Context) (*Customer, bool) {
	customer, ok := ctx.Value(customerKey{}).(*Customer)
	return customer, ok && customer != nil
}

// NewFirebaseVerifier initialises the Admin SDK auth client for the configured project.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig) (TokenVerifier, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return client, nil
}

// Authenticator wires Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// NewAuthenticator constructs an Authenticator. A nil verifier rejects every token.
func NewAuthenticator(verifier TokenVerifier, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &Authenticator{verifier: verifier, timeout: timeout}
}

// RequireCustomer rejects requests without a valid bearer ID token.
func (a *Authenticator) RequireCustomer() func(http.Handler) http.Handler {
	return a.middleware(true)
}

// OptionalCustomer attaches the customer when a bearer token is sent. Guests pass through, but a
// token that fails verification is still rejected so a stale session is not silently ignored.
func (a *Authenticator) OptionalCustomer() func(http.Handler) http.Handler {
	return a.middleware(false)
}

func (a *Authenticator) middleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			header := r.Header.Get("Authorization")
			tokenStr, ok := extractBearerToken(header)
			if !ok {
				if required || strings.TrimSpace(header) != "" {
					httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized))
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			cancel()
			if err != nil {
				code, message := "invalid_token", "firebase id token invalid"
				if firebaseauth.IsIDTokenExpired(err) {
					code, message = "token_expired", "firebase id token expired"
				}
				httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusUnauthorized))
				return
			}

			customer := &Customer{
				UID:           token.UID,
				Email:         claimString(token.Claims, "email"),
				EmailVerified: claimBool(token.Claims, "email_verified"),
				Name:          claimString(token.Claims, "name"),
			}
			next.ServeHTTP(w, r.WithContext(WithCustomer(ctx, customer)))
		})
	}
}

func claimString(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func claimBool(claims map[string]any, key string) bool {
	value, _ := claims[key].(bool)
	return value
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
