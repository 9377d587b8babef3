package payments

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSignatureInvalid is returned when a webhook payload fails signature verification.
	ErrSignatureInvalid = errors.New("payments: invalid webhook signature")
	// ErrSessionNotFound is returned when the gateway does not know the session id.
	ErrSessionNotFound = errors.New("payments: checkout session not found")
)

// SessionStatus mirrors the gateway-side lifecycle of a checkout session.
type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusExpired  SessionStatus = "expired"
)

// PaymentStatus reports whether funds were collected for a session.
type PaymentStatus string

const (
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

// CheckoutLineItem describes a single externally priced line item.
type CheckoutLineItem struct {
	Name        string
	Description string
	SKU         string
	Quantity    int64
	Amount      int64
}

// CheckoutSessionRequest captures the payload required to open a checkout session.
type CheckoutSessionRequest struct {
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Locale         string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

// CheckoutSession represents the opened gateway session returned to the client.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	AmountTotal int64
	ExpiresAt   time.Time
}

// Address is a gateway-reported postal address.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	PostalCode string
	State      string
	Country    string
}

// CompletedSession is a session read back from the gateway, either from a webhook or by id.
type CompletedSession struct {
	ID               string
	Status           SessionStatus
	PaymentStatus    PaymentStatus
	CustomerEmail    string
	PaymentReference string
	AmountTotal      int64
	Currency         string
	Metadata         map[string]string
	// CarrierShipping is the shipping address collected by the gateway, when enabled.
	CarrierShipping *Address
}

// IsPaid reports whether the session completed with funds collected (or none required).
func (s CompletedSession) IsPaid() bool {
	if s.Status != SessionStatusComplete {
		return false
	}
	return s.PaymentStatus == PaymentStatusPaid || s.PaymentStatus == PaymentStatusNoPaymentRequired
}

// CompletionEvent is a verified webhook event. Session is nil for event types that do not
// describe a completed checkout.
type CompletionEvent struct {
	ID      string
	Type    string
	Session *CompletedSession
}

// Gateway is the narrow payment-gateway contract used by checkout.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (CompletedSession, error)
	ParseCompletionEvent(payload []byte, signatureHeader string) (CompletionEvent, error)
}
