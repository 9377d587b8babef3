package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/platform/pagination"
	ppostgres "github.com/larderworks/api/internal/platform/postgres"
	"github.com/larderworks/api/internal/repositories"
)

const orderColumns = `id, profile_id, email, session_id, payment_reference, status, contact, shipping_address,
	billing_address, net_minor, tax_minor, gross_minor, shipping_minor, total_minor, currency, notes,
	notified_at, created_at, updated_at`

// OrderRepository stores orders and their line snapshots.
type OrderRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

type contactJSON struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

type addressJSON struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Province   string `json:"province,omitempty"`
	Country    string `json:"country,omitempty"`
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_id", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

func (r *OrderRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_session", `SELECT `+orderColumns+` FROM orders WHERE session_id = $1`, sessionID)
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	t := order.Totals
	_, err := r.pool.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		order.ID, order.ProfileID, normalizeEmail(order.Email), order.SessionID, order.PaymentReference,
		string(order.Status), toContactJSON(order.Contact), toAddressJSON(order.Shipping), toAddressJSON(order.Billing),
		t.Net, t.Tax, t.Gross, t.Shipping, t.Total, order.Currency, order.Notes,
		order.NotifiedAt, order.CreatedAt, order.UpdatedAt)
	return ppostgres.WrapError("orders.insert", err)
}

func (r *OrderRepository) InsertLines(ctx context.Context, orderID string, lines []domain.OrderLine) (int, error) {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	return ppostgres.WithTx(ctx, r.pool, func(tx pgx.Tx) (int, error) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return 0, ppostgres.WrapError("orders.insert_lines", err)
		}
		if !exists {
			return 0, ppostgres.WrapError("orders.insert_lines", pgx.ErrNoRows)
		}

		batch := &pgx.Batch{}
		for _, line := range lines {
			batch.Queue(`
				INSERT INTO order_lines (order_id, line_no, product_id, product_name, tier, quantity, unit_gross)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (order_id, line_no) DO NOTHING`,
				orderID, line.LineNo, line.ProductID, line.ProductName, line.Tier, line.Quantity, line.UnitGross)
		}
		results := tx.SendBatch(ctx, batch)
		inserted := 0
		for range lines {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return 0, ppostgres.WrapError("orders.insert_lines", err)
			}
			inserted += int(tag.RowsAffected())
		}
		if err := results.Close(); err != nil {
			return 0, ppostgres.WrapError("orders.insert_lines", err)
		}
		return inserted, nil
	})
}

func (r *OrderRepository) ListLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT order_id, line_no, product_id, product_name, tier, quantity, unit_gross
		FROM order_lines WHERE order_id = $1 ORDER BY line_no`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("orders.list_lines", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderLine, error) {
		var l domain.OrderLine
		err := row.Scan(&l.OrderID, &l.LineNo, &l.ProductID, &l.ProductName, &l.Tier, &l.Quantity, &l.UnitGross)
		return l, err
	})
	return lines, ppostgres.WrapError("orders.list_lines", err)
}

func (r *OrderRepository) MarkNotified(ctx context.Context, orderID string, at time.Time) error {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET notified_at = $2, updated_at = $2 WHERE id = $1`, orderID, at)
	if err != nil {
		return ppostgres.WrapError("orders.mark_notified", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.WrapError("orders.mark_notified", pgx.ErrNoRows)
	}
	return nil
}

func (r *OrderRepository) AssignProfileByEmail(ctx context.Context, email, profileID string) (int, error) {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET profile_id = $2
		WHERE profile_id IS NULL AND email = $1`, normalizeEmail(email), profileID)
	if err != nil {
		return 0, ppostgres.WrapError("orders.assign_profile", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *OrderRepository) CountByProfile(ctx context.Context, profileID string) (int, error) {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders WHERE profile_id = $1`, profileID).Scan(&count)
	return count, ppostgres.WrapError("orders.count_by_profile", err)
}

func (r *OrderRepository) ListByProfile(ctx context.Context, profileID string, page repositories.Pagination) (repositories.OrderPage, error) {
	const op = "orders.list_by_profile"
	cursor, err := pagination.DecodeToken(page.PageToken)
	if err != nil {
		return repositories.OrderPage{}, err
	}
	limit := page.PageSize
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	var after *time.Time
	if !cursor.IsZero() {
		after = &cursor.CreatedAt
	}

	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE profile_id = $1 AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, profileID, after, cursor.ID, limit+1)
	if err != nil {
		return repositories.OrderPage{}, ppostgres.WrapError(op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return repositories.OrderPage{}, ppostgres.WrapError(op, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return repositories.OrderPage{}, ppostgres.WrapError(op, err)
	}

	result := repositories.OrderPage{Orders: orders}
	if len(orders) > limit {
		result.Orders = orders[:limit]
		last := result.Orders[limit-1]
		if result.NextPageToken, err = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}); err != nil {
			return repositories.OrderPage{}, err
		}
	}
	return result, nil
}

func (r *OrderRepository) findOne(ctx context.Context, op, query, arg string) (domain.Order, error) {
	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()
	o, err := scanOrder(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	return o, nil
}

// scanOrder reads one row selected with orderColumns.
func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                 domain.Order
		status            string
		contact           contactJSON
		shipping, billing addressJSON
	)
	err := row.Scan(
		&o.ID, &o.ProfileID, &o.Email, &o.SessionID, &o.PaymentReference, &status, &contact, &shipping,
		&billing, &o.Totals.Net, &o.Totals.Tax, &o.Totals.Gross, &o.Totals.Shipping, &o.Totals.Total,
		&o.Currency, &o.Notes, &o.NotifiedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.Contact = domain.ContactDetails(contact)
	o.Shipping = domain.Address(shipping)
	o.Billing = domain.Address(billing)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if o.NotifiedAt != nil {
		at := o.NotifiedAt.UTC()
		o.NotifiedAt = &at
	}
	return o, nil
}

func toContactJSON(c domain.ContactDetails) contactJSON { return contactJSON(c) }

func toAddressJSON(a domain.Address) addressJSON { return addressJSON(a) }
