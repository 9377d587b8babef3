package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/larderworks/api/internal/platform/httpx"
	"github.com/larderworks/api/internal/services"
)

const retryAfterSeconds = "30"

// writeServiceError maps service error kinds onto the HTTP error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var e httpx.Error
	switch services.KindOf(err) {
	case services.KindValidation:
		e = httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case services.KindSignature:
		e = httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest)
	case services.KindMalformedMetadata:
		e = httpx.NewError("malformed_session", "checkout session cannot be turned into an order", http.StatusUnprocessableEntity)
	case services.KindNotCompleted:
		e = httpx.NewError("checkout_not_completed", "checkout session is not paid yet", http.StatusConflict)
	case services.KindConflict:
		e = httpx.NewError("conflict", conflictMessage(err), http.StatusConflict)
	case services.KindNotFound:
		e = httpx.NewError("not_found", notFoundMessage(err), http.StatusNotFound)
	case services.KindTransient:
		w.Header().Set("Retry-After", retryAfterSeconds)
		e = httpx.NewError("dependency_unavailable", "a dependency is temporarily unavailable, retry later", http.StatusServiceUnavailable)
	default:
		e = httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError)
	}
	httpx.WriteError(ctx, w, e)
}

func conflictMessage(err error) string {
	if errors.Is(err, services.ErrProfileEmailClaimed) {
		return "email already belongs to another account"
	}
	return "resource state conflict"
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		return "order not found"
	case errors.Is(err, services.ErrProfileNotFound):
		return "profile not found"
	default:
		return "checkout session not found"
	}
}
