package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	completed   bool
	response    Response
	expiresAt   time.Time
}

// MemoryStore keeps reservations in process. It backs the memory datastore and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Reserve(_ context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || !now.Before(entry.expiresAt) {
		s.entries[id] = memoryEntry{fingerprint: fingerprint, expiresAt: now.Add(ttlOrDefault(ttl))}
		return Reservation{State: StateNew}, nil
	}
	if entry.fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if entry.completed {
		return Reservation{State: StateReplay, Response: cloneResponse(entry.response)}, nil
	}
	return Reservation{State: StateInFlight}, nil
}

func (s *MemoryStore) Complete(_ context.Context, id, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok && entry.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.entries[id] = memoryEntry{
		fingerprint: fingerprint,
		completed:   true,
		response:    cloneResponse(resp),
		expiresAt:   now.Add(ttlOrDefault(ttl)),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func cloneResponse(r Response) Response {
	r.Body = append([]byte(nil), r.Body...)
	return r
}
