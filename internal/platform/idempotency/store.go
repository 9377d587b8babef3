// Package idempotency replays the stored response when a client retries a request with the same
// Idempotency-Key header, so a double-submitted checkout opens a single payment session.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultTTL is how long a key and its response are kept.
const DefaultTTL = 24 * time.Hour

// State is the outcome of reserving a key.
type State int

const (
	// StateNew means the caller owns the key and must run the request.
	StateNew State = iota
	// StateReplay means a response was stored and should be returned as is.
	StateReplay
	// StateInFlight means another request holds the key and has not finished.
	StateInFlight
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

// Response is the replayable part of an HTTP response.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Reservation carries the stored response when State is StateReplay.
type Reservation struct {
	State    State
	Response Response
}

// Store persists key reservations. Implementations must make Reserve atomic per id.
type Store interface {
	Reserve(ctx context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, id, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, id string) error
}

// recordID scopes a client key to the requester so two customers cannot collide.
func recordID(key, requester string) string {
	return digest(requester, key)
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
