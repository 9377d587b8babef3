package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/platform/pagination"
	"github.com/larderworks/api/internal/repositories"
)

type lineKey struct {
	orderID string
	lineNo  int
}

// OrderRepository keeps orders with a unique session index and per-line idempotent inserts.
type OrderRepository struct {
	mu        sync.Mutex
	byID      map[string]domain.Order
	bySession map[string]string
	lines     map[lineKey]domain.OrderLine
}

// NewOrderRepository constructs an empty order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		byID:      make(map[string]domain.Order),
		bySession: make(map[string]string),
		lines:     make(map[lineKey]domain.OrderLine),
	}
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.byID[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.find_by_id")
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindBySessionID(_ context.Context, sessionID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[sessionID]
	if !ok {
		return domain.Order{}, notFound("orders.find_by_session")
	}
	return cloneOrder(r.byID[id]), nil
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySession[order.SessionID]; exists {
		return conflict("orders.insert", "session id")
	}
	if _, exists := r.byID[order.ID]; exists {
		return conflict("orders.insert", "order id")
	}
	order.Email = normalizeEmail(order.Email)
	r.byID[order.ID] = cloneOrder(order)
	r.bySession[order.SessionID] = order.ID
	return nil
}

func (r *OrderRepository) InsertLines(_ context.Context, orderID string, lines []domain.OrderLine) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[orderID]; !ok {
		return 0, notFound("orders.insert_lines")
	}
	inserted := 0
	for _, line := range lines {
		key := lineKey{orderID: orderID, lineNo: line.LineNo}
		if _, exists := r.lines[key]; exists {
			continue
		}
		line.OrderID = orderID
		r.lines[key] = line
		inserted++
	}
	return inserted, nil
}

func (r *OrderRepository) ListLines(_ context.Context, orderID string) ([]domain.OrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OrderLine
	for key, line := range r.lines {
		if key.orderID == orderID {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNo < out[j].LineNo })
	return out, nil
}

func (r *OrderRepository) MarkNotified(_ context.Context, orderID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.byID[orderID]
	if !ok {
		return notFound("orders.mark_notified")
	}
	order.NotifiedAt = &at
	order.UpdatedAt = at
	r.byID[orderID] = order
	return nil
}

func (r *OrderRepository) AssignProfileByEmail(_ context.Context, email, profileID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = normalizeEmail(email)
	updated := 0
	for id, order := range r.byID {
		if order.ProfileID != nil || order.Email != email {
			continue
		}
		pid := profileID
		order.ProfileID = &pid
		r.byID[id] = order
		updated++
	}
	return updated, nil
}

func (r *OrderRepository) CountByProfile(_ context.Context, profileID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, order := range r.byID {
		if order.ProfileID != nil && *order.ProfileID == profileID {
			count++
		}
	}
	return count, nil
}

func (r *OrderRepository) ListByProfile(_ context.Context, profileID string, page repositories.Pagination) (repositories.OrderPage, error) {
	cursor, err := pagination.DecodeToken(page.PageToken)
	if err != nil {
		return repositories.OrderPage{}, err
	}
	limit := page.PageSize
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}

	r.mu.Lock()
	var matched []domain.Order
	for _, order := range r.byID {
		if order.ProfileID != nil && *order.ProfileID == profileID && cursor.Before(order.CreatedAt, order.ID) {
			matched = append(matched, cloneOrder(order))
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	result := repositories.OrderPage{Orders: matched}
	if len(matched) > limit {
		result.Orders = matched[:limit]
		last := result.Orders[limit-1]
		if result.NextPageToken, err = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}); err != nil {
			return repositories.OrderPage{}, err
		}
	}
	return result, nil
}

// Count returns the number of stored orders.
func (r *OrderRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// LineCount returns the number of stored order lines across all orders.
func (r *OrderRepository) LineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func cloneOrder(o domain.Order) domain.Order {
	if o.ProfileID != nil {
		id := *o.ProfileID
		o.ProfileID = &id
	}
	if o.NotifiedAt != nil {
		at := *o.NotifiedAt
		o.NotifiedAt = &at
	}
	return o
}
