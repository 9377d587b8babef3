// Package postgres implements the repositories on PostgreSQL through pgx. Uniqueness rules
// are enforced by table constraints so concurrent writers race safely.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larderworks/api/internal/repositories"
)

// Registry is a Postgres backed repositories.Registry. It owns the pool.
type Registry struct {
	pool     *pgxpool.Pool
	profiles *ProfileRepository
	orders   *OrderRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires repositories around pool. opTimeout bounds each statement when positive.
func NewRegistry(pool *pgxpool.Pool, opTimeout time.Duration) (*Registry, error) {
	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "postgres", Critical: true, Check: pool.Ping},
	})
	if err != nil {
		return nil, err
	}
	return &Registry{
		pool:     pool,
		profiles: &ProfileRepository{pool: pool, timeout: opTimeout},
		orders:   &OrderRepository{pool: pool, timeout: opTimeout},
		health:   health,
	}, nil
}

func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

func (r *Registry) Profiles() repositories.ProfileRepository { return r.profiles }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

func bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
