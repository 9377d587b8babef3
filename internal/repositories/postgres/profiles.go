package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larderworks/api/internal/domain"
	ppostgres "github.com/larderworks/api/internal/platform/postgres"
	"github.com/larderworks/api/internal/repositories"
)

const profileColumns = `id, account_id, email, name, phone, company, is_guest, created_at, updated_at`

// ProfileRepository stores customer profiles in customer_profiles.
type ProfileRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ repositories.ProfileRepository = (*ProfileRepository)(nil)

func (r *ProfileRepository) FindByID(ctx context.Context, profileID string) (domain.CustomerProfile, error) {
	return r.findOne(ctx, "profiles.find_by_id", `SELECT `+profileColumns+` FROM customer_profiles WHERE id = $1`, profileID)
}

func (r *ProfileRepository) FindByAccountID(ctx context.Context, accountID string) (domain.CustomerProfile, error) {
	return r.findOne(ctx, "profiles.find_by_account", `SELECT `+profileColumns+` FROM customer_profiles WHERE account_id = $1`, accountID)
}

func (r *ProfileRepository) FindByEmail(ctx context.Context, email string) (domain.CustomerProfile, error) {
	return r.findOne(ctx, "profiles.find_by_email", `SELECT `+profileColumns+` FROM customer_profiles WHERE lower(email) = $1`, normalizeEmail(email))
}

func (r *ProfileRepository) Insert(ctx context.Context, profile domain.CustomerProfile) error {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO customer_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		profile.ID, profile.AccountID, normalizeEmail(profile.Email), profile.Name, profile.Phone,
		profile.Company, profile.IsGuest, profile.CreatedAt, profile.UpdatedAt)
	return ppostgres.WrapError("profiles.insert", err)
}

func (r *ProfileRepository) UpdateContact(ctx context.Context, profile domain.CustomerProfile) error {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		UPDATE customer_profiles SET name = $2, phone = $3, company = $4, updated_at = $5
		WHERE id = $1`,
		profile.ID, profile.Name, profile.Phone, profile.Company, profile.UpdatedAt)
	if err != nil {
		return ppostgres.WrapError("profiles.update_contact", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.WrapError("profiles.update_contact", pgx.ErrNoRows)
	}
	return nil
}

func (r *ProfileRepository) Promote(ctx context.Context, profileID, accountID string, at time.Time) error {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	_, err := ppostgres.WithTx(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		var isGuest bool
		var current *string
		err := tx.QueryRow(ctx, `SELECT is_guest, account_id FROM customer_profiles WHERE id = $1 FOR UPDATE`, profileID).
			Scan(&isGuest, &current)
		if err != nil {
			return struct{}{}, ppostgres.WrapError("profiles.promote", err)
		}
		if !isGuest || current != nil {
			return struct{}{}, ppostgres.Conflict("profiles.promote", "profile already registered")
		}
		_, err = tx.Exec(ctx, `
			UPDATE customer_profiles SET account_id = $2, is_guest = FALSE, updated_at = $3
			WHERE id = $1`, profileID, accountID, at)
		return struct{}{}, ppostgres.WrapError("profiles.promote", err)
	})
	return err
}

func (r *ProfileRepository) findOne(ctx context.Context, op, query string, arg string) (domain.CustomerProfile, error) {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	var p domain.CustomerProfile
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.AccountID, &p.Email, &p.Name, &p.Phone, &p.Company, &p.IsGuest, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.CustomerProfile{}, ppostgres.WrapError(op, err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
