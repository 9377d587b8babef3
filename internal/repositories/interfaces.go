package repositories

import (
	"context"
	"time"

	"github.com/larderworks/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Profiles() ProfileRepository
	Orders() OrderRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProfileRepository persists customer profiles. Implementations enforce one profile per
// normalised email and one profile per account id.
type ProfileRepository interface {
	FindByID(ctx context.Context, profileID string) (domain.CustomerProfile, error)
	FindByAccountID(ctx context.Context, accountID string) (domain.CustomerProfile, error)
	FindByEmail(ctx context.Context, email string) (domain.CustomerProfile, error)
	// Insert returns a conflict error when the email or account id is already taken.
	Insert(ctx context.Context, profile domain.CustomerProfile) error
	// UpdateContact overwrites name, phone and company.
	UpdateContact(ctx context.Context, profile domain.CustomerProfile) error
	// Promote links a guest profile to an account. It returns a conflict error when the
	// profile is no longer a guest or the account is already linked elsewhere.
	Promote(ctx context.Context, profileID, accountID string, at time.Time) error
}

// OrderRepository persists orders and their line snapshots. Implementations enforce one
// order per checkout session id.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error)
	// Insert returns a conflict error when an order already exists for the session id.
	Insert(ctx context.Context, order domain.Order) error
	// InsertLines stores lines keyed by (order id, line number), skipping existing keys, and
	// returns how many were written.
	InsertLines(ctx context.Context, orderID string, lines []domain.OrderLine) (int, error)
	ListLines(ctx context.Context, orderID string) ([]domain.OrderLine, error)
	MarkNotified(ctx context.Context, orderID string, at time.Time) error
	// AssignProfileByEmail re-points orders without a profile whose email matches.
	AssignProfileByEmail(ctx context.Context, email, profileID string) (int, error)
	CountByProfile(ctx context.Context, profileID string) (int, error)
	// ListByProfile returns the profile's orders newest first, resuming after page.PageToken.
	ListByProfile(ctx context.Context, profileID string, page Pagination) (OrderPage, error)
}

// Pagination selects one page of a list. PageToken is opaque to callers.
type Pagination struct {
	PageSize  int
	PageToken string
}

// OrderPage is one page of orders. NextPageToken is empty on the last page.
type OrderPage struct {
	Orders        []domain.Order
	NextPageToken string
}

// HealthRepository evaluates dependency health for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
