package handlers

import (
	"context"
	"errors"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/larderworks/api/internal/payments"
	"github.com/larderworks/api/internal/services"
)

type stubCheckoutService struct {
	quoteCmd   services.QuoteCommand
	quote      services.CheckoutQuote
	sessionCmd services.CreateCheckoutSessionCommand
	session    services.CheckoutSessionResult
	syncID     string
	sync       services.MaterializeResult
	payload    []byte
	signature  string
	outcome    services.WebhookOutcome
	err        error
}

func (s *stubCheckoutService) Quote(_ context.Context, cmd services.QuoteCommand) (services.CheckoutQuote, error) {
	s.quoteCmd = cmd
	return s.quote, s.err
}

func (s *stubCheckoutService) CreateSession(_ context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutSessionResult, error) {
	s.sessionCmd = cmd
	return s.session, s.err
}

func (s *stubCheckoutService) SyncSession(_ context.Context, sessionID string) (services.MaterializeResult, error) {
	s.syncID = sessionID
	return s.sync, s.err
}

func (s *stubCheckoutService) HandleWebhook(_ context.Context, payload []byte, signature string) (services.WebhookOutcome, error) {
	s.payload = payload
	s.signature = signature
	return s.outcome, s.err
}

type stubIdentityService struct {
	promoteCmd services.PromoteRegistrationCommand
	promotion  services.PromotionResult
	accountID  string
	summary    services.ProfileSummary
	listCmd    services.ListOrdersCommand
	history    services.OrderHistory
	err        error
}

func (s *stubIdentityService) ResolveProfile(context.Context, services.ResolveProfileCommand) (services.CustomerProfile, error) {
	return services.CustomerProfile{}, errors.New("not used")
}

func (s *stubIdentityService) PromoteRegistration(_ context.Context, cmd services.PromoteRegistrationCommand) (services.PromotionResult, error) {
	s.promoteCmd = cmd
	return s.promotion, s.err
}

func (s *stubIdentityService) ProfileForAccount(_ context.Context, accountID string) (services.ProfileSummary, error) {
	s.accountID = accountID
	return s.summary, s.err
}

func (s *stubIdentityService) ListOrders(_ context.Context, cmd services.ListOrdersCommand) (services.OrderHistory, error) {
	s.listCmd = cmd
	return s.history, s.err
}

type stubMaterializer struct {
	resendID string
	order    services.Order
	err      error
}

func (s *stubMaterializer) Materialize(context.Context, payments.CompletedSession) (services.MaterializeResult, error) {
	return services.MaterializeResult{}, errors.New("not used")
}

func (s *stubMaterializer) ResendNotifications(_ context.Context, orderID string) (services.Order, error) {
	s.resendID = orderID
	return s.order, s.err
}

type stubVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s stubVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if token, ok := s.tokens[idToken]; ok {
		return token, nil
	}
	return nil, errors.New("invalid token")
}

func customerToken(uid, email string, verified bool) *firebaseauth.Token {
	return &firebaseauth.Token{
		UID: uid,
		Claims: map[string]any{
			"email":          email,
			"email_verified": verified,
			"name":           "Ada Lovelace",
		},
	}
}
