package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/platform/pagination"
	"github.com/larderworks/api/internal/repositories"
)

const profileIDPrefix = "cus_"

// IdentityServiceDeps wires the identity reconciler.
type IdentityServiceDeps struct {
	Profiles    repositories.ProfileRepository
	Orders      repositories.OrderRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type identityService struct {
	profiles repositories.ProfileRepository
	orders   repositories.OrderRepository
	now      func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// ResolveProfileCommand carries the identity hints known at order time.
type ResolveProfileCommand struct {
	AccountID *string
	Email     string
	Name      string
	Phone     string
	Company   string
}

// PromoteRegistrationCommand is issued when a holder creates credentials.
type PromoteRegistrationCommand struct {
	AccountID string
	Email     string
	Name      string
	Phone     string
	Company   string
}

// PromotionResult reports the registered profile and how many guest orders were re-pointed to it.
type PromotionResult struct {
	Profile          domain.CustomerProfile
	Promoted         bool
	Created          bool
	OrdersReassigned int
}

var _ IdentityService = (*identityService)(nil)

// NewIdentityService finds or creates customer profiles and promotes guests to registered accounts.
func NewIdentityService(deps IdentityServiceDeps) (IdentityService, error) {
	if deps.Profiles == nil {
		return nil, errors.New("identity service: profile repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("identity service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &identityService{
		profiles: deps.Profiles,
		orders:   deps.Orders,
		now:      func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

// ResolveProfile returns the profile for the account id when it exists, otherwise the profile
// owning the email (refreshing contact fields), otherwise a newly created guest profile.
func (s *identityService) ResolveProfile(ctx context.Context, cmd ResolveProfileCommand) (domain.CustomerProfile, error) {
	email, err := NormalizeEmail(cmd.Email)
	if err != nil {
		return domain.CustomerProfile{}, err
	}

	if cmd.AccountID != nil {
		if accountID := strings.TrimSpace(*cmd.AccountID); accountID != "" {
			profile, err := s.profiles.FindByAccountID(ctx, accountID)
			switch {
			case err == nil:
				return profile, nil
			case isRepoNotFound(err):
				s.logger(ctx, "identity.account_not_found", map[string]any{"accountId": accountID})
			default:
				return domain.CustomerProfile{}, dependencyError("find profile by account", err)
			}
		}
	}

	profile, err := s.profiles.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return s.refreshContact(ctx, profile, cmd)
	case !isRepoNotFound(err):
		return domain.CustomerProfile{}, dependencyError("find profile by email", err)
	}

	now := s.now()
	guest := domain.CustomerProfile{
		ID:        profileIDPrefix + s.newID(),
		Email:     email,
		Name:      strings.TrimSpace(cmd.Name),
		Phone:     strings.TrimSpace(cmd.Phone),
		Company:   strings.TrimSpace(cmd.Company),
		IsGuest:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.profiles.Insert(ctx, guest); err != nil {
		if !isRepoConflict(err) {
			return domain.CustomerProfile{}, dependencyError("insert guest profile", err)
		}
		// A concurrent completion for the same email created the profile first.
		existing, findErr := s.profiles.FindByEmail(ctx, email)
		if findErr != nil {
			return domain.CustomerProfile{}, dependencyError("re-read profile after conflict", findErr)
		}
		s.logger(ctx, "identity.guest_create_conflict", map[string]any{"profileId": existing.ID})
		return s.refreshContact(ctx, existing, cmd)
	}

	s.logger(ctx, "identity.guest_created", map[string]any{"profileId": guest.ID})
	return guest, nil
}

// PromoteRegistration links the profile holding the email to the new account and re-points
// orphaned orders placed under the linked profile's email.
func (s *identityService) PromoteRegistration(ctx context.Context, cmd PromoteRegistrationCommand) (PromotionResult, error) {
	accountID := strings.TrimSpace(cmd.AccountID)
	if accountID == "" {
		return PromotionResult{}, fmt.Errorf("%w: account id is required", ErrInvalidIdentity)
	}
	email, err := NormalizeEmail(cmd.Email)
	if err != nil {
		return PromotionResult{}, err
	}

	result, err := s.promote(ctx, accountID, email, cmd)
	if err != nil {
		return PromotionResult{}, err
	}

	// Orders follow the profile's stored email; a token email that differs must not pull in
	// another holder's orders.
	reassigned, err := s.orders.AssignProfileByEmail(ctx, result.Profile.Email, result.Profile.ID)
	if err != nil {
		return PromotionResult{}, dependencyError("reassign guest orders", err)
	}
	result.OrdersReassigned = reassigned

	s.logger(ctx, "identity.registration_promoted", map[string]any{
		"profileId":        result.Profile.ID,
		"accountId":        accountID,
		"promoted":         result.Promoted,
		"created":          result.Created,
		"ordersReassigned": reassigned,
	})
	return result, nil
}

func (s *identityService) promote(ctx context.Context, accountID, email string, cmd PromoteRegistrationCommand) (PromotionResult, error) {
	// Two passes: the second covers a profile created concurrently between lookup and insert.
	for attempt := 0; attempt < 2; attempt++ {
		linked, err := s.profiles.FindByAccountID(ctx, accountID)
		switch {
		case err == nil:
			if linked.Email != email {
				s.logger(ctx, "identity.account_email_mismatch", map[string]any{"profileId": linked.ID})
			}
			return PromotionResult{Profile: linked}, nil
		case !isRepoNotFound(err):
			return PromotionResult{}, dependencyError("find profile by account", err)
		}

		existing, err := s.profiles.FindByEmail(ctx, email)
		switch {
		case err == nil:
			if !existing.IsGuest {
				return PromotionResult{}, ErrProfileEmailClaimed
			}
			at := s.now()
			if err := s.profiles.Promote(ctx, existing.ID, accountID, at); err != nil {
				if isRepoConflict(err) {
					continue
				}
				return PromotionResult{}, dependencyError("promote guest profile", err)
			}
			existing.AccountID = &accountID
			existing.IsGuest = false
			existing.UpdatedAt = at
			refreshed, err := s.refreshContact(ctx, existing, ResolveProfileCommand{Name: cmd.Name, Phone: cmd.Phone, Company: cmd.Company})
			if err != nil {
				return PromotionResult{}, err
			}
			return PromotionResult{Profile: refreshed, Promoted: true}, nil
		case !isRepoNotFound(err):
			return PromotionResult{}, dependencyError("find profile by email", err)
		}

		now := s.now()
		registered := domain.CustomerProfile{
			ID:        profileIDPrefix + s.newID(),
			AccountID: &accountID,
			Email:     email,
			Name:      strings.TrimSpace(cmd.Name),
			Phone:     strings.TrimSpace(cmd.Phone),
			Company:   strings.TrimSpace(cmd.Company),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.profiles.Insert(ctx, registered); err != nil {
			if isRepoConflict(err) {
				continue
			}
			return PromotionResult{}, dependencyError("insert registered profile", err)
		}
		return PromotionResult{Profile: registered, Created: true}, nil
	}
	return PromotionResult{}, fmt.Errorf("%w: concurrent registration for %s", ErrDependencyUnavailable, maskEmail(email))
}

// ProfileForAccount returns the profile linked to the account with its order count.
func (s *identityService) ProfileForAccount(ctx context.Context, accountID string) (ProfileSummary, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ProfileSummary{}, fmt.Errorf("%w: account id is required", ErrInvalidIdentity)
	}
	profile, err := s.profiles.FindByAccountID(ctx, accountID)
	if err != nil {
		if isRepoNotFound(err) {
			return ProfileSummary{}, ErrProfileNotFound
		}
		return ProfileSummary{}, dependencyError("find profile by account", err)
	}
	count, err := s.orders.CountByProfile(ctx, profile.ID)
	if err != nil {
		return ProfileSummary{}, dependencyError("count profile orders", err)
	}
	return ProfileSummary{Profile: profile, OrderCount: count}, nil
}

// ListOrders pages through the orders linked to the account's profile.
func (s *identityService) ListOrders(ctx context.Context, cmd ListOrdersCommand) (OrderHistory, error) {
	accountID := strings.TrimSpace(cmd.AccountID)
	if accountID == "" {
		return OrderHistory{}, fmt.Errorf("%w: account id is required", ErrInvalidIdentity)
	}
	if _, err := pagination.DecodeToken(cmd.PageToken); err != nil {
		return OrderHistory{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	profile, err := s.profiles.FindByAccountID(ctx, accountID)
	if err != nil {
		if isRepoNotFound(err) {
			return OrderHistory{}, ErrProfileNotFound
		}
		return OrderHistory{}, dependencyError("find profile by account", err)
	}
	page, err := s.orders.ListByProfile(ctx, profile.ID, repositories.Pagination{
		PageSize:  cmd.PageSize,
		PageToken: cmd.PageToken,
	})
	if err != nil {
		return OrderHistory{}, dependencyError("list profile orders", err)
	}
	return OrderHistory{Orders: page.Orders, NextPageToken: page.NextPageToken}, nil
}

// refreshContact overwrites contact fields with non-empty new values and persists on change.
func (s *identityService) refreshContact(ctx context.Context, profile domain.CustomerProfile, cmd ResolveProfileCommand) (domain.CustomerProfile, error) {
	updated := profile
	changed := false
	apply := func(target *string, value string) {
		value = strings.TrimSpace(value)
		if value != "" && value != *target {
			*target = value
			changed = true
		}
	}
	apply(&updated.Name, cmd.Name)
	apply(&updated.Phone, cmd.Phone)
	apply(&updated.Company, cmd.Company)
	if !changed {
		return profile, nil
	}
	updated.UpdatedAt = s.now()
	if err := s.profiles.UpdateContact(ctx, updated); err != nil {
		return domain.CustomerProfile{}, dependencyError("update profile contact", err)
	}
	return updated, nil
}

// NormalizeEmail trims, lower-cases and validates an address.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidIdentity)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email is malformed", ErrInvalidIdentity)
	}
	return email, nil
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// dependencyError marks repository outages as transient; other repository errors pass through.
func dependencyError(op string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
