package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"

	"github.com/larderworks/api/internal/domain"
	pfirestore "github.com/larderworks/api/internal/platform/firestore"
	"github.com/larderworks/api/internal/platform/pagination"
	"github.com/larderworks/api/internal/repositories"
)

type contactDocument struct {
	Email   string `firestore:"email"`
	Name    string `firestore:"name"`
	Phone   string `firestore:"phone,omitempty"`
	Company string `firestore:"company,omitempty"`
}

type addressDocument struct {
	Line1      string `firestore:"line1,omitempty"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Province   string `firestore:"province,omitempty"`
	Country    string `firestore:"country,omitempty"`
}

type totalsDocument struct {
	Net      int64 `firestore:"net"`
	Tax      int64 `firestore:"tax"`
	Gross    int64 `firestore:"gross"`
	Shipping int64 `firestore:"shipping"`
	Total    int64 `firestore:"total"`
}

type orderDocument struct {
	ProfileID        *string         `firestore:"profileId"`
	Email            string          `firestore:"email"`
	SessionID        string          `firestore:"sessionId"`
	PaymentReference string          `firestore:"paymentReference"`
	Status           string          `firestore:"status"`
	Contact          contactDocument `firestore:"contact"`
	Shipping         addressDocument `firestore:"shipping"`
	Billing          addressDocument `firestore:"billing"`
	Totals           totalsDocument  `firestore:"totals"`
	Currency         string          `firestore:"currency"`
	Notes            string          `firestore:"notes,omitempty"`
	NotifiedAt       *time.Time      `firestore:"notifiedAt"`
	CreatedAt        time.Time       `firestore:"createdAt"`
	UpdatedAt        time.Time       `firestore:"updatedAt"`
}

type lineDocument struct {
	LineNo      int    `firestore:"lineNo"`
	ProductID   string `firestore:"productId"`
	ProductName string `firestore:"productName"`
	Tier        string `firestore:"tier"`
	Quantity    int    `firestore:"quantity"`
	UnitGross   int64  `firestore:"unitGross"`
}

// OrderRepository stores orders, a session index and a lines subcollection per order.
type OrderRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	doc, err := pfirestore.Get[orderDocument](ctx, "orders.find_by_id", client.Collection(ordersCollection).Doc(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(orderID), nil
}

func (r *OrderRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	idx, err := pfirestore.Get[sessionIndex](ctx, "orders.find_by_session", client.Collection(orderSessionsCollection).Doc(sessionID))
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, idx.OrderID)
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	doc := fromDomainOrder(order)
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(client.Collection(orderSessionsCollection).Doc(order.SessionID), sessionIndex{OrderID: order.ID}); err != nil {
			return err
		}
		return tx.Create(client.Collection(ordersCollection).Doc(order.ID), doc)
	}, pfirestore.WithTxOp("orders.insert"))
}

func (r *OrderRepository) InsertLines(ctx context.Context, orderID string, lines []domain.OrderLine) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	orderRef := client.Collection(ordersCollection).Doc(orderID)
	refs := make([]*firestore.DocumentRef, len(lines))
	for i, line := range lines {
		refs[i] = lineRef(orderRef, line.LineNo)
	}

	var inserted int
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		inserted = 0
		exists, err := pfirestore.Exists(ctx, tx, orderRef)
		if err != nil {
			return err
		}
		if !exists {
			return pfirestore.NotFound("orders.insert_lines", "order does not exist")
		}
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for i, snap := range snaps {
			if snap.Exists() {
				continue
			}
			if err := tx.Create(refs[i], fromDomainLine(lines[i])); err != nil {
				return err
			}
			inserted++
		}
		return nil
	}, pfirestore.WithTxOp("orders.insert_lines"))
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *OrderRepository) ListLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	iter := client.Collection(ordersCollection).Doc(orderID).Collection(orderLinesCollection).
		OrderBy("lineNo", firestore.Asc).Documents(ctx)
	docs, err := pfirestore.All[lineDocument]("orders.list_lines", iter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OrderLine, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toDomain(orderID))
	}
	return out, nil
}

func (r *OrderRepository) MarkNotified(ctx context.Context, orderID string, at time.Time) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(ordersCollection).Doc(orderID).Update(ctx, []firestore.Update{
		{Path: "notifiedAt", Value: at.UTC()},
		{Path: "updatedAt", Value: at.UTC()},
	})
	return pfirestore.WrapError("orders.mark_notified", err)
}

func (r *OrderRepository) AssignProfileByEmail(ctx context.Context, email, profileID string) (int, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	query := client.Collection(ordersCollection).
		Where("email", "==", normalizeEmail(email)).
		Where("profileId", "==", nil)

	var updated int
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if err := tx.Update(snap.Ref, []firestore.Update{{Path: "profileId", Value: profileID}}); err != nil {
				return err
			}
		}
		updated = len(snaps)
		return nil
	}, pfirestore.WithTxOp("orders.assign_profile"))
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (r *OrderRepository) CountByProfile(ctx context.Context, profileID string) (int, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	query := client.Collection(ordersCollection).
		Where("profileId", "==", profileID)
	result, err := query.
		NewAggregationQuery().WithCount("orders").
		Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("orders.count_by_profile", err)
	}
	value, ok := result["orders"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("firestore orders.count_by_profile: unexpected aggregation type %T", result["orders"])
	}
	return int(value.GetIntegerValue()), nil
}

// ListByProfile pages a profile's orders newest first. The query needs the composite index declared
// in firestore.indexes.json at the repository root.
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
	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.OrderPage{}, err
	}

	query := client.Collection(ordersCollection).
		Where("profileId", "==", profileID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)
	if !cursor.IsZero() {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}
	iter := query.Limit(limit + 1).Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return repositories.OrderPage{}, pfirestore.WrapError(op, err)
		}
		doc, err := pfirestore.Decode[orderDocument](op, snap)
		if err != nil {
			return repositories.OrderPage{}, err
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
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

func lineRef(orderRef *firestore.DocumentRef, lineNo int) *firestore.DocumentRef {
	return orderRef.Collection(orderLinesCollection).Doc(fmt.Sprintf("%04d", lineNo))
}

func fromDomainOrder(o domain.Order) orderDocument {
	doc := orderDocument{
		ProfileID:        o.ProfileID,
		Email:            normalizeEmail(o.Email),
		SessionID:        o.SessionID,
		PaymentReference: o.PaymentReference,
		Status:           string(o.Status),
		Contact:          contactDocument(o.Contact),
		Shipping:         addressDocument(o.Shipping),
		Billing:          addressDocument(o.Billing),
		Totals:           totalsDocument(o.Totals),
		Currency:         o.Currency,
		Notes:            o.Notes,
		CreatedAt:        o.CreatedAt.UTC(),
		UpdatedAt:        o.UpdatedAt.UTC(),
	}
	if o.NotifiedAt != nil {
		at := o.NotifiedAt.UTC()
		doc.NotifiedAt = &at
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	o := domain.Order{
		ID:               id,
		ProfileID:        d.ProfileID,
		Email:            d.Email,
		SessionID:        d.SessionID,
		PaymentReference: d.PaymentReference,
		Status:           domain.OrderStatus(d.Status),
		Contact:          domain.ContactDetails(d.Contact),
		Shipping:         domain.Address(d.Shipping),
		Billing:          domain.Address(d.Billing),
		Totals:           domain.OrderTotals(d.Totals),
		Currency:         d.Currency,
		Notes:            d.Notes,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
	if d.NotifiedAt != nil {
		at := d.NotifiedAt.UTC()
		o.NotifiedAt = &at
	}
	return o
}

func fromDomainLine(l domain.OrderLine) lineDocument {
	return lineDocument{
		LineNo:      l.LineNo,
		ProductID:   l.ProductID,
		ProductName: l.ProductName,
		Tier:        l.Tier,
		Quantity:    l.Quantity,
		UnitGross:   l.UnitGross,
	}
}

func (d lineDocument) toDomain(orderID string) domain.OrderLine {
	return domain.OrderLine{
		OrderID:     orderID,
		LineNo:      d.LineNo,
		ProductID:   d.ProductID,
		ProductName: d.ProductName,
		Tier:        d.Tier,
		Quantity:    d.Quantity,
		UnitGross:   d.UnitGross,
	}
}
