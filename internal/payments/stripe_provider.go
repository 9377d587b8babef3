package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	eventCheckoutCompleted            = "checkout.session.completed"
	eventCheckoutAsyncPaymentSucceded = "checkout.session.async_payment_succeeded"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	// StrictAPIVersion rejects webhook events sent with an API version other than the library's.
	StrictAPIVersion bool
	// WebhookTolerance bounds the accepted age of a signed webhook payload.
	WebhookTolerance time.Duration
	Backends         *stripe.Backends
	Logger           StripeLogger
	Clock            func() time.Time
	Sessions         stripeSessionAPI
}

// StripeProvider implements Gateway with Stripe Checkout.
type StripeProvider struct {
	sessions      stripeSessionAPI
	webhookSecret string
	account       string
	strictVersion bool
	tolerance     time.Duration
	clock         func() time.Time
	logger        StripeLogger
}

var _ Gateway = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe gateway using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	sessions := cfg.Sessions
	if sessions == nil {
		sc := client.New(apiKey, cfg.Backends)
		sessions = sc.CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	return &StripeProvider{
		sessions:      sessions,
		webhookSecret: secret,
		account:       strings.TrimSpace(cfg.AccountID),
		strictVersion: cfg.StrictAPIVersion,
		tolerance:     tolerance,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession opens a Stripe Checkout session in payment mode.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	if len(req.Items) == 0 {
		return CheckoutSession{}, errors.New("stripe: at least one line item is required")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if req.Locale != "" {
		params.Locale = stripe.String(strings.ReplaceAll(strings.ToLower(req.Locale), "_", "-"))
	}
	if len(req.Metadata) > 0 {
		params.Metadata = lo.Assign(req.Metadata)
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: lo.Assign(req.Metadata),
		}
	}

	currency := strings.ToLower(req.Currency)
	params.LineItems = lo.Map(req.Items, func(item CheckoutLineItem, _ int) *stripe.CheckoutSessionLineItemParams {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.Description != "" {
			line.PriceData.ProductData.Description = stripe.String(item.Description)
		}
		if item.SKU != "" {
			line.PriceData.ProductData.Metadata = map[string]string{"sku": item.SKU}
		}
		return line
	})

	session, err := p.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":   session.ID,
		"amountTotal": session.AmountTotal,
		"currency":    session.Currency,
	})

	expiresAt := p.clock().Add(24 * time.Hour)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          session.ID,
		RedirectURL: session.URL,
		AmountTotal: session.AmountTotal,
		ExpiresAt:   expiresAt,
	}, nil
}

// GetCheckoutSession re-fetches a session by id for the fallback sync path.
func (p *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (CompletedSession, error) {
	if p == nil {
		return CompletedSession{}, errors.New("stripe: provider is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return CompletedSession{}, ErrSessionNotFound
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	session, err := p.sessions.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && (stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing) {
			return CompletedSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return CompletedSession{}, fmt.Errorf("stripe: get checkout session: %w", err)
	}
	return completedSessionFromStripe(session), nil
}

// ParseCompletionEvent verifies the webhook signature and extracts the checkout session for
// completion events. Other event types are returned with a nil Session.
func (p *StripeProvider) ParseCompletionEvent(payload []byte, signatureHeader string) (CompletionEvent, error) {
	if p == nil {
		return CompletionEvent{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return CompletionEvent{}, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: !p.strictVersion,
	})
	if err != nil {
		return CompletionEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	result := CompletionEvent{ID: event.ID, Type: string(event.Type)}
	switch result.Type {
	case eventCheckoutCompleted, eventCheckoutAsyncPaymentSucceded:
	default:
		return result, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return CompletionEvent{}, fmt.Errorf("stripe: event %s has no data", event.ID)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return CompletionEvent{}, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	completed := completedSessionFromStripe(&session)
	result.Session = &completed
	return result, nil
}

func completedSessionFromStripe(session *stripe.CheckoutSession) CompletedSession {
	if session == nil {
		return CompletedSession{}
	}
	out := CompletedSession{
		ID:            session.ID,
		Status:        SessionStatus(session.Status),
		PaymentStatus: PaymentStatus(session.PaymentStatus),
		CustomerEmail: session.CustomerEmail,
		AmountTotal:   session.AmountTotal,
		Currency:      strings.ToUpper(string(session.Currency)),
		Metadata:      lo.Assign(session.Metadata),
	}
	if session.CustomerDetails != nil && out.CustomerEmail == "" {
		out.CustomerEmail = session.CustomerDetails.Email
	}
	if session.PaymentIntent != nil {
		out.PaymentReference = session.PaymentIntent.ID
	}
	if session.ShippingDetails != nil && session.ShippingDetails.Address != nil {
		addr := session.ShippingDetails.Address
		out.CarrierShipping = &Address{
			Name:       session.ShippingDetails.Name,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			PostalCode: addr.PostalCode,
			State:      addr.State,
			Country:    addr.Country,
		}
	}
	return out
}
