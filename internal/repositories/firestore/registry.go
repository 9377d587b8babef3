// Package firestore implements the repositories on Cloud Firestore. Uniqueness is enforced
// with index documents created in the same transaction as the entity they point at.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	pfirestore "github.com/larderworks/api/internal/platform/firestore"
	"github.com/larderworks/api/internal/repositories"
)

const (
	profilesCollection        = "profiles"
	profileEmailsCollection   = "profile_emails"
	profileAccountsCollection = "profile_accounts"
	ordersCollection          = "orders"
	orderSessionsCollection   = "order_sessions"
	orderLinesCollection      = "lines"
)

// Registry is a Firestore backed repositories.Registry. It owns the provider.
type Registry struct {
	provider *pfirestore.Provider
	profiles *ProfileRepository
	orders   *OrderRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires repositories around provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires a provider")
	}
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "firestore", Critical: true, Check: func(ctx context.Context) error {
			return provider.Ping(ctx, ordersCollection)
		}},
	})
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider: provider,
		profiles: &ProfileRepository{provider: provider},
		orders:   &OrderRepository{provider: provider},
		health:   health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Profiles() repositories.ProfileRepository { return r.profiles }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

type profileIndex struct {
	ProfileID string `firestore:"profileId"`
}

type sessionIndex struct {
	OrderID string `firestore:"orderId"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailKey keeps addresses out of document paths.
func emailKey(email string) string {
	sum := sha256.Sum256([]byte(normalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}
