package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/notifications"
	"github.com/larderworks/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	CustomerProfile    = domain.CustomerProfile
	Address            = domain.Address
	ContactDetails     = domain.ContactDetails
	SystemHealthReport = domain.SystemHealthReport
)

// CheckoutService turns a client cart into a gateway session and reacts to its completion.
type CheckoutService interface {
	Quote(ctx context.Context, cmd QuoteCommand) (CheckoutQuote, error)
	CreateSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSessionResult, error)
	SyncSession(ctx context.Context, sessionID string) (MaterializeResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error)
}

// OrderMaterializer converts completed sessions into exactly one persisted order.
type OrderMaterializer interface {
	Materialize(ctx context.Context, session payments.CompletedSession) (MaterializeResult, error)
	ResendNotifications(ctx context.Context, orderID string) (Order, error)
}

// IdentityService reconciles customer identities across guest and registered checkouts.
type IdentityService interface {
	ResolveProfile(ctx context.Context, cmd ResolveProfileCommand) (CustomerProfile, error)
	PromoteRegistration(ctx context.Context, cmd PromoteRegistrationCommand) (PromotionResult, error)
	ProfileForAccount(ctx context.Context, accountID string) (ProfileSummary, error)
	ListOrders(ctx context.Context, cmd ListOrdersCommand) (OrderHistory, error)
}

// SystemService aggregates health reporting for the probe endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// NotificationSender delivers rendered customer and owner messages.
type NotificationSender interface {
	Send(ctx context.Context, msg notifications.Message) error
}

// Command and DTO definitions ------------------------------------------------

type QuoteCommand struct {
	Lines []domain.CartLine
}

type CheckoutQuote struct {
	Lines []domain.PricedLine
	Quote Quote
}

// DeclaredTotals are the amounts the client displayed. They are compared, never trusted.
type DeclaredTotals struct {
	Gross    *decimal.Decimal
	Shipping *decimal.Decimal
	Total    *decimal.Decimal
}

type CreateCheckoutSessionCommand struct {
	Lines          []domain.CartLine
	Customer       domain.ContactDetails
	Shipping       domain.Address
	Billing        *domain.Address
	Notes          string
	AccountID      *string
	DeclaredTotals DeclaredTotals
	SuccessURL     string
	CancelURL      string
	Locale         string
	// AttemptKey is the caller's Idempotency-Key. Without one no gateway idempotency key is sent.
	AttemptKey     string
}

type CheckoutSessionResult struct {
	SessionID   string
	RedirectURL string
	ExpiresAt   *time.Time
	Currency    string
	Quote       Quote
}

// MaterializeResult reports the order owned by a session and whether this call created it.
type MaterializeResult struct {
	Order         Order
	Created       bool
	LinesInserted int
}

// WebhookOutcome is the acknowledgement state of one gateway event.
type WebhookOutcome struct {
	EventID string
	Status  WebhookStatus
	Result  *MaterializeResult
}

// WebhookStatus values are reported back to the gateway in the acknowledgement body.
type WebhookStatus string

const (
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusDuplicate WebhookStatus = "duplicate"
	WebhookStatusIgnored   WebhookStatus = "ignored"
	WebhookStatusRejected  WebhookStatus = "rejected"
)

type ListOrdersCommand struct {
	AccountID string
	PageSize  int
	PageToken string
}

// OrderHistory is one page of the signed-in holder's orders, newest first.
type OrderHistory struct {
	Orders        []Order
	NextPageToken string
}

// ProfileSummary is the profile view returned to a signed-in holder.
type ProfileSummary struct {
	Profile    CustomerProfile
	OrderCount int
}
