package services

import (
	"errors"

	"github.com/larderworks/api/internal/payments"
	"github.com/larderworks/api/internal/repositories"
)

var (
	// ErrEmptyCart is returned when checkout is attempted without lines.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrUnknownProduct is returned when a cart line references a product absent from the catalog.
	ErrUnknownProduct = errors.New("pricing: unknown product")
	// ErrUnknownTier is returned when the packaging tier is not defined for the product.
	ErrUnknownTier = errors.New("pricing: unknown packaging tier")
	// ErrInvalidQuantity is returned for non-positive or excessive line quantities.
	ErrInvalidQuantity = errors.New("pricing: invalid quantity")
	// ErrInvalidWeight is returned when the shipping calculator receives a negative weight.
	ErrInvalidWeight = errors.New("shipping: invalid weight")
	// ErrInvalidCheckoutInput signals missing or malformed contact and address fields.
	ErrInvalidCheckoutInput = errors.New("checkout: invalid input")
	// ErrCartTooLarge is returned when the cart cannot fit in the gateway metadata limits.
	ErrCartTooLarge = errors.New("checkout: cart too large")

	// ErrGatewayUnavailable wraps failures talking to the payment gateway.
	ErrGatewayUnavailable = errors.New("checkout: payment gateway unavailable")
	// ErrDependencyUnavailable wraps datastore failures on the critical path.
	ErrDependencyUnavailable = errors.New("checkout: dependency unavailable")

	// ErrMalformedMetadata is returned when session metadata cannot be reconstructed into an order.
	ErrMalformedMetadata = errors.New("order: malformed session metadata")
	// ErrSessionNotCompleted is returned when the session is not yet paid.
	ErrSessionNotCompleted = errors.New("order: checkout session not completed")
	// ErrNotificationFailed is returned by explicit re-sends when delivery fails.
	ErrNotificationFailed = errors.New("order: notification delivery failed")
	// ErrOrderNotFound is returned when an order lookup misses.
	ErrOrderNotFound = errors.New("order: not found")

	// ErrProfileEmailClaimed is returned when a registered profile already owns the email.
	ErrProfileEmailClaimed = errors.New("identity: email already registered to another account")
	// ErrProfileNotFound is returned when no profile is linked to the account.
	ErrProfileNotFound = errors.New("identity: profile not found")
	// ErrInvalidIdentity is returned when account id or email are missing or malformed.
	ErrInvalidIdentity = errors.New("identity: invalid input")
	// ErrInvalidPageToken is returned when a list page token cannot be decoded.
	ErrInvalidPageToken = errors.New("list: invalid page token")
)

// ErrorKind groups errors by how transports should react to them.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindValidation        ErrorKind = "validation"
	KindSignature         ErrorKind = "signature"
	KindMalformedMetadata ErrorKind = "malformed_metadata"
	KindNotCompleted      ErrorKind = "not_completed"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
	KindTransient         ErrorKind = "transient"
	KindInternal          ErrorKind = "internal"
)

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrUnknownProduct),
		errors.Is(err, ErrUnknownTier),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidWeight),
		errors.Is(err, ErrInvalidCheckoutInput),
		errors.Is(err, ErrCartTooLarge),
		errors.Is(err, ErrInvalidIdentity),
		errors.Is(err, ErrInvalidPageToken):
		return KindValidation
	case errors.Is(err, payments.ErrSignatureInvalid):
		return KindSignature
	case errors.Is(err, ErrMalformedMetadata):
		return KindMalformedMetadata
	case errors.Is(err, ErrSessionNotCompleted):
		return KindNotCompleted
	case errors.Is(err, ErrProfileEmailClaimed):
		return KindConflict
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrProfileNotFound), errors.Is(err, payments.ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, ErrDependencyUnavailable), errors.Is(err, ErrNotificationFailed):
		return KindTransient
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsUnavailable():
			return KindTransient
		case repoErr.IsNotFound():
			return KindNotFound
		case repoErr.IsConflict():
			return KindConflict
		}
	}
	return KindInternal
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
