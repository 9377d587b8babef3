package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is immutable catalog reference data keyed by ID.
type Product struct {
	ID          string
	Name        string
	Description string
	Tiers       map[string]PackagingTier
}

// PackagingTier is one unit-of-sale configuration of a product (e.g. "40" pieces vs "100" pieces).
type PackagingTier struct {
	Code           string
	GrossPrice     decimal.Decimal
	Pieces         int
	NetWeightGrams int
	// ListPrice is the pre-discount price shown struck through, when the tier is discounted.
	ListPrice *decimal.Decimal
}

// CartLine references a product tier and a quantity. Carts are owned by the client until checkout.
type CartLine struct {
	ProductID string
	Tier      string
	Quantity  int
}

// PricedLine is a cart line resolved against the catalog at a point in time.
type PricedLine struct {
	ProductID   string
	ProductName string
	Tier        string
	Quantity    int
	UnitGross   decimal.Decimal
	LineGross   decimal.Decimal
	WeightGrams int
}

// CartTotals is derived from cart lines and never stored.
type CartTotals struct {
	Net         decimal.Decimal
	Gross       decimal.Decimal
	WeightGrams int
	Lines       []PricedLine
}

// Address is a postal address snapshot.
type Address struct {
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Province   string
	Country    string
}

// IsZero reports whether no address field is populated.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ContactDetails groups the customer contact fields collected by the checkout form.
type ContactDetails struct {
	Email   string
	Name    string
	Phone   string
	Company string
}

// CustomerProfile is the durable customer identity. AccountID is nil for guests.
type CustomerProfile struct {
	ID        string
	AccountID *string
	Email     string
	Name      string
	Phone     string
	Company   string
	IsGuest   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderStatus describes the lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusPaid is the only status created by checkout materialization.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
)

// OrderTotals stores monetary totals in minor currency units.
type OrderTotals struct {
	Net      int64
	Tax      int64
	Gross    int64
	Shipping int64
	Total    int64
}

// Order is created exactly once per completed checkout session.
type Order struct {
	ID               string
	ProfileID        *string
	Email            string
	SessionID        string
	PaymentReference string
	Status           OrderStatus
	Contact          ContactDetails
	Shipping         Address
	Billing          Address
	Totals           OrderTotals
	Currency         string
	Notes            string
	NotifiedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderLine is an immutable snapshot of a purchased cart line.
type OrderLine struct {
	OrderID     string
	LineNo      int
	ProductID   string
	ProductName string
	Tier        string
	Quantity    int
	UnitGross   int64
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but the service still answers.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for readiness responses.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
