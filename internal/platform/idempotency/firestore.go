package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/larderworks/api/internal/platform/firestore"
)

const firestoreCollection = "idempotency_keys"

type replayDocument struct {
	Fingerprint string    `firestore:"fingerprint"`
	Completed   bool      `firestore:"completed"`
	Status      int       `firestore:"status"`
	ContentType string    `firestore:"contentType"`
	Body        []byte    `firestore:"body"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

// FirestoreStore keeps reservations in the idempotency_keys collection. A TTL policy on
// expiresAt can purge stale documents; expired ones are also taken over on Reserve.
type FirestoreStore struct {
	provider *pfirestore.Provider
}

// NewFirestoreStore constructs a store over provider.
func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{provider: provider}
}

func (s *FirestoreStore) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(firestoreCollection).Doc(id), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	const op = "idempotency.reserve"
	ref, err := s.doc(ctx, id)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := pfirestore.GetTx[replayDocument](tx, op, ref)
		switch {
		case isNotFound(err):
			result = Reservation{State: StateNew}
			return tx.Create(ref, replayDocument{Fingerprint: fingerprint, ExpiresAt: now.Add(ttlOrDefault(ttl))})
		case err != nil:
			return err
		case !now.Before(current.ExpiresAt):
			result = Reservation{State: StateNew}
			return tx.Set(ref, replayDocument{Fingerprint: fingerprint, ExpiresAt: now.Add(ttlOrDefault(ttl))})
		case current.Fingerprint != fingerprint:
			return ErrFingerprintMismatch
		case current.Completed:
			result = Reservation{State: StateReplay, Response: Response{
				Status:      current.Status,
				ContentType: current.ContentType,
				Body:        current.Body,
			}}
		default:
			result = Reservation{State: StateInFlight}
		}
		return nil
	}, pfirestore.WithTxOp(op))
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, id, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	const op = "idempotency.complete"
	ref, err := s.doc(ctx, id)
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := pfirestore.GetTx[replayDocument](tx, op, ref)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil && current.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		return tx.Set(ref, replayDocument{
			Fingerprint: fingerprint,
			Completed:   true,
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Body:        resp.Body,
			ExpiresAt:   now.Add(ttlOrDefault(ttl)),
		})
	}, pfirestore.WithTxOp(op))
}

func (s *FirestoreStore) Release(ctx context.Context, id string) error {
	ref, err := s.doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		if wrapped := pfirestore.WrapError("idempotency.release", err); !isNotFound(wrapped) {
			return wrapped
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var fsErr *pfirestore.Error
	return errors.As(err, &fsErr) && fsErr.IsNotFound()
}
