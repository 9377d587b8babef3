// Package memory provides process-local repositories for local development and tests. They
// enforce the same uniqueness rules as the durable stores.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/repositories"
)

// Error implements repositories.RepositoryError.
type Error struct {
	Op          string
	notFound    bool
	conflict    bool
	unavailable bool
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error       { return e.Err }
func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }

var (
	errNotFound = errors.New("not found")
	errConflict = errors.New("already exists")
)

func notFound(op string) error { return &Error{Op: op, notFound: true, Err: errNotFound} }
func conflict(op, detail string) error {
	return &Error{Op: op, conflict: true, Err: fmt.Errorf("%w: %s", errConflict, detail)}
}

// Unavailable builds an error reported as a transient outage, for fault injection in tests.
func Unavailable(op string) error {
	return &Error{Op: op, unavailable: true, Err: errors.New("unavailable")}
}

var _ repositories.RepositoryError = (*Error)(nil)

// Registry is an in-memory repositories.Registry.
type Registry struct {
	profiles *ProfileRepository
	orders   *OrderRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs empty in-memory repositories.
func NewRegistry() *Registry {
	health, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "memory", Critical: true, Check: func(context.Context) error { return nil }},
	})
	return &Registry{
		profiles: NewProfileRepository(),
		orders:   NewOrderRepository(),
		health:   health,
	}
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Profiles() repositories.ProfileRepository { return r.profiles }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// ProfileStore exposes the concrete profile store for assertions in tests.
func (r *Registry) ProfileStore() *ProfileRepository { return r.profiles }

// OrderStore exposes the concrete order store for assertions in tests.
func (r *Registry) OrderStore() *OrderRepository { return r.orders }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ProfileRepository keeps profiles keyed by id with unique email and account indexes.
type ProfileRepository struct {
	mu        sync.Mutex
	byID      map[string]domain.CustomerProfile
	byEmail   map[string]string
	byAccount map[string]string
}

// NewProfileRepository constructs an empty profile store.
func NewProfileRepository() *ProfileRepository {
	return &ProfileRepository{
		byID:      make(map[string]domain.CustomerProfile),
		byEmail:   make(map[string]string),
		byAccount: make(map[string]string),
	}
}

func (r *ProfileRepository) FindByID(_ context.Context, profileID string) (domain.CustomerProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[profileID]
	if !ok {
		return domain.CustomerProfile{}, notFound("profiles.find_by_id")
	}
	return cloneProfile(p), nil
}

func (r *ProfileRepository) FindByAccountID(_ context.Context, accountID string) (domain.CustomerProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAccount[accountID]
	if !ok {
		return domain.CustomerProfile{}, notFound("profiles.find_by_account")
	}
	return cloneProfile(r.byID[id]), nil
}

func (r *ProfileRepository) FindByEmail(_ context.Context, email string) (domain.CustomerProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return domain.CustomerProfile{}, notFound("profiles.find_by_email")
	}
	return cloneProfile(r.byID[id]), nil
}

func (r *ProfileRepository) Insert(_ context.Context, profile domain.CustomerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	email := normalizeEmail(profile.Email)
	if _, exists := r.byID[profile.ID]; exists {
		return conflict("profiles.insert", "profile id")
	}
	if _, exists := r.byEmail[email]; exists {
		return conflict("profiles.insert", "email")
	}
	if profile.AccountID != nil {
		if _, exists := r.byAccount[*profile.AccountID]; exists {
			return conflict("profiles.insert", "account id")
		}
		r.byAccount[*profile.AccountID] = profile.ID
	}
	profile.Email = email
	r.byID[profile.ID] = cloneProfile(profile)
	r.byEmail[email] = profile.ID
	return nil
}

func (r *ProfileRepository) UpdateContact(_ context.Context, profile domain.CustomerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[profile.ID]
	if !ok {
		return notFound("profiles.update_contact")
	}
	existing.Name = profile.Name
	existing.Phone = profile.Phone
	existing.Company = profile.Company
	existing.UpdatedAt = profile.UpdatedAt
	r.byID[profile.ID] = existing
	return nil
}

func (r *ProfileRepository) Promote(_ context.Context, profileID, accountID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[profileID]
	if !ok {
		return notFound("profiles.promote")
	}
	if !existing.IsGuest || existing.AccountID != nil {
		return conflict("profiles.promote", "profile already registered")
	}
	if _, taken := r.byAccount[accountID]; taken {
		return conflict("profiles.promote", "account id")
	}
	existing.AccountID = &accountID
	existing.IsGuest = false
	existing.UpdatedAt = at
	r.byID[profileID] = existing
	r.byAccount[accountID] = profileID
	return nil
}

// Count returns the number of stored profiles.
func (r *ProfileRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func cloneProfile(p domain.CustomerProfile) domain.CustomerProfile {
	if p.AccountID != nil {
		id := *p.AccountID
		p.AccountID = &id
	}
	return p
}
