package idempotency

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larderworks/api/internal/platform/postgres"
)

// PostgresStore keeps reservations in the idempotency_keys table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store over pool. The table is created by the schema migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Reserve inserts the key or takes over an expired row in one statement, so two racing
// requests cannot both see StateNew.
func (s *PostgresStore) Reserve(ctx context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	const op = "idempotency.reserve"
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (id, fingerprint, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint, completed = false, status = 0,
		    content_type = '', body = NULL, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= $4`,
		id, fingerprint, now.Add(ttlOrDefault(ttl)), now)
	if err != nil {
		return Reservation{}, postgres.WrapError(op, err)
	}
	if tag.RowsAffected() == 1 {
		return Reservation{State: StateNew}, nil
	}

	var (
		storedFingerprint string
		completed         bool
		resp              Response
	)
	err = s.pool.QueryRow(ctx, `
		SELECT fingerprint, completed, status, content_type, body
		FROM idempotency_keys WHERE id = $1`, id).
		Scan(&storedFingerprint, &completed, &resp.Status, &resp.ContentType, &resp.Body)
	if err != nil {
		return Reservation{}, postgres.WrapError(op, err)
	}
	switch {
	case storedFingerprint != fingerprint:
		return Reservation{}, ErrFingerprintMismatch
	case completed:
		return Reservation{State: StateReplay, Response: resp}, nil
	default:
		return Reservation{State: StateInFlight}, nil
	}
}

func (s *PostgresStore) Complete(ctx context.Context, id, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (id, fingerprint, completed, status, content_type, body, expires_at)
		VALUES ($1, $2, true, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET completed = true, status = EXCLUDED.status, content_type = EXCLUDED.content_type,
		    body = EXCLUDED.body, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.fingerprint = EXCLUDED.fingerprint`,
		id, fingerprint, resp.Status, resp.ContentType, resp.Body, now.Add(ttlOrDefault(ttl)))
	if err != nil {
		return postgres.WrapError("idempotency.complete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE id = $1`, id); err != nil {
		return postgres.WrapError("idempotency.release", err)
	}
	return nil
}
