package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/notifications"
	"github.com/larderworks/api/internal/payments"
	"github.com/larderworks/api/internal/repositories"
)

const (
	orderIDPrefix        = "ord_"
	defaultNotifyTimeout = 10 * time.Second
)

// OrderMaterializerDeps wires the order materializer.
type OrderMaterializerDeps struct {
	Orders        repositories.OrderRepository
	Identity      IdentityService
	Codec         *MetadataCodec
	Notifier      NotificationSender
	OwnerEmail    string
	NotifyTimeout time.Duration
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(context.Context, string, map[string]any)
}

type orderMaterializer struct {
	orders        repositories.OrderRepository
	identity      IdentityService
	codec         *MetadataCodec
	notifier      NotificationSender
	ownerEmail    string
	notifyTimeout time.Duration
	now           func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ OrderMaterializer = (*orderMaterializer)(nil)

// NewOrderMaterializer validates dependencies. A nil notifier disables notifications.
func NewOrderMaterializer(deps OrderMaterializerDeps) (OrderMaterializer, error) {
	if deps.Orders == nil {
		return nil, errors.New("order materializer: order repository is required")
	}
	if deps.Identity == nil {
		return nil, errors.New("order materializer: identity service is required")
	}
	if deps.Codec == nil {
		return nil, errors.New("order materializer: metadata codec is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &orderMaterializer{
		orders:        deps.Orders,
		identity:      deps.Identity,
		codec:         deps.Codec,
		notifier:      deps.Notifier,
		ownerEmail:    strings.TrimSpace(deps.OwnerEmail),
		notifyTimeout: timeout,
		now:           func() time.Time { return clock().UTC() },
		newID:         idGen,
		logger:        logger,
	}, nil
}

// Materialize creates the order for a paid session exactly once. Repeated calls for the same
// session return the existing order with Created=false.
func (m *orderMaterializer) Materialize(ctx context.Context, session payments.CompletedSession) (MaterializeResult, error) {
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return MaterializeResult{}, fmt.Errorf("%w: session id is missing", ErrMalformedMetadata)
	}
	if !session.IsPaid() {
		return MaterializeResult{}, fmt.Errorf("%w: status=%s payment=%s", ErrSessionNotCompleted, session.Status, session.PaymentStatus)
	}

	existing, err := m.orders.FindBySessionID(ctx, sessionID)
	switch {
	case err == nil:
		return m.revisit(ctx, existing, session), nil
	case !isRepoNotFound(err):
		return MaterializeResult{}, dependencyError("find order by session", err)
	}

	meta, err := m.codec.Decode(session.Metadata, session.AmountTotal)
	if err == nil {
		err = checkSessionCurrency(meta, session)
	}
	if err != nil {
		m.logger(ctx, "order.metadata_integrity_alarm", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
		return MaterializeResult{}, err
	}

	profile, err := m.identity.ResolveProfile(ctx, ResolveProfileCommand{
		AccountID: meta.AccountID,
		Email:     meta.Contact.Email,
		Name:      meta.Contact.Name,
		Phone:     meta.Contact.Phone,
		Company:   meta.Contact.Company,
	})
	if err != nil {
		return MaterializeResult{}, err
	}

	order, err := m.buildOrder(sessionID, session, meta, profile)
	if err != nil {
		m.logger(ctx, "order.metadata_integrity_alarm", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
		return MaterializeResult{}, err
	}

	if err := m.orders.Insert(ctx, order); err != nil {
		if !isRepoConflict(err) {
			return MaterializeResult{}, dependencyError("insert order", err)
		}
		winner, findErr := m.orders.FindBySessionID(ctx, sessionID)
		if findErr != nil {
			return MaterializeResult{}, dependencyError("re-read order after conflict", findErr)
		}
		m.logger(ctx, "order.duplicate_session", map[string]any{
			"sessionId": sessionID,
			"orderId":   winner.ID,
		})
		return MaterializeResult{Order: winner}, nil
	}

	inserted := m.insertLines(ctx, order.ID, meta.Lines)
	m.logger(ctx, "order.materialized", map[string]any{
		"orderId":   order.ID,
		"sessionId": sessionID,
		"profileId": profile.ID,
		"lines":     inserted,
		"total":     order.Totals.Total,
	})

	if lines, ok := m.listLines(ctx, order.ID); ok {
		if notifiedAt, err := m.notify(ctx, order, lines); err == nil {
			order.NotifiedAt = &notifiedAt
		}
	}
	return MaterializeResult{Order: order, Created: true, LinesInserted: inserted}, nil
}

// ResendNotifications re-sends the customer confirmation and owner alert for an existing order.
func (m *orderMaterializer) ResendNotifications(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, ErrOrderNotFound
	}
	order, err := m.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, dependencyError("find order", err)
	}
	lines, err := m.orders.ListLines(ctx, order.ID)
	if err != nil {
		return Order{}, dependencyError("list order lines", err)
	}
	notifiedAt, err := m.notify(ctx, order, lines)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %w", ErrNotificationFailed, err)
	}
	order.NotifiedAt = &notifiedAt
	return order, nil
}

// revisit handles a session whose order already exists: it repairs missing lines and finishes
// notifications that an earlier attempt never confirmed.
func (m *orderMaterializer) revisit(ctx context.Context, order domain.Order, session payments.CompletedSession) MaterializeResult {
	result := MaterializeResult{Order: order}
	lines, ok := m.listLines(ctx, order.ID)
	if !ok {
		return result
	}
	if len(lines) == 0 {
		meta, err := m.codec.Decode(session.Metadata, session.AmountTotal)
		if err != nil {
			m.logger(ctx, "order.line_repair_skipped", map[string]any{"orderId": order.ID, "error": err.Error()})
			return result
		}
		result.LinesInserted = m.insertLines(ctx, order.ID, meta.Lines)
		m.logger(ctx, "order.lines_repaired", map[string]any{"orderId": order.ID, "lines": result.LinesInserted})
		if lines, ok = m.listLines(ctx, order.ID); !ok {
			return result
		}
	}

	// The creating call may still be sending; only pick up notifications it clearly abandoned.
	if order.NotifiedAt == nil && m.now().Sub(order.CreatedAt) > 2*m.notifyTimeout {
		if notifiedAt, err := m.notify(ctx, order, lines); err == nil {
			result.Order.NotifiedAt = &notifiedAt
		}
	}
	return result
}

func (m *orderMaterializer) buildOrder(sessionID string, session payments.CompletedSession, meta SessionMetadata, profile domain.CustomerProfile) (domain.Order, error) {
	shipping := meta.Shipping
	if shipping.Line1 == "" && session.CarrierShipping != nil {
		shipping = addressFromGateway(*session.CarrierShipping)
	}
	if shipping.Line1 == "" || shipping.City == "" || shipping.Country == "" {
		return domain.Order{}, fmt.Errorf("%w: shipping address is missing", ErrMalformedMetadata)
	}
	billing := meta.Billing
	if meta.BillingSameAsShipping || billing.IsZero() {
		billing = shipping
	}

	net := domain.ToMinor(meta.Net)
	gross := domain.ToMinor(meta.Gross)
	now := m.now()
	profileID := profile.ID
	return domain.Order{
		ID:               orderIDPrefix + m.newID(),
		ProfileID:        &profileID,
		Email:            meta.Contact.Email,
		SessionID:        sessionID,
		PaymentReference: session.PaymentReference,
		Status:           domain.OrderStatusPaid,
		Contact:          meta.Contact,
		Shipping:         shipping,
		Billing:          billing,
		Totals: domain.OrderTotals{
			Net:      net,
			Tax:      gross - net,
			Gross:    gross,
			Shipping: domain.ToMinor(meta.ShippingFee),
			Total:    domain.ToMinor(meta.Total),
		},
		Currency:  meta.Currency,
		Notes:     meta.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (m *orderMaterializer) insertLines(ctx context.Context, orderID string, snapshot []MetadataLine) int {
	lines := make([]domain.OrderLine, 0, len(snapshot))
	for i, line := range snapshot {
		lines = append(lines, domain.OrderLine{
			OrderID:     orderID,
			LineNo:      i + 1,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Tier:        line.Tier,
			Quantity:    line.Quantity,
			UnitGross:   domain.ToMinor(line.UnitGross),
		})
	}
	inserted, err := m.orders.InsertLines(ctx, orderID, lines)
	if err != nil {
		m.logger(ctx, "order.lines_insert_failed", map[string]any{"orderId": orderID, "error": err.Error()})
	}
	return inserted
}

func (m *orderMaterializer) listLines(ctx context.Context, orderID string) ([]domain.OrderLine, bool) {
	lines, err := m.orders.ListLines(ctx, orderID)
	if err != nil {
		m.logger(ctx, "order.lines_list_failed", map[string]any{"orderId": orderID, "error": err.Error()})
		return nil, false
	}
	return lines, true
}

// notify sends the customer confirmation and the owner alert independently. It returns the
// time the order was marked notified, or the customer confirmation error.
func (m *orderMaterializer) notify(ctx context.Context, order domain.Order, lines []domain.OrderLine) (time.Time, error) {
	if m.notifier == nil {
		return time.Time{}, errors.New("notifications are disabled")
	}
	// Notifications outlive a caller that hangs up after the order is durable.
	detached := context.WithoutCancel(ctx)
	payload := notifications.OrderPayload{Order: order, Lines: lines}

	customerErr := m.send(detached, notifications.Message{
		Template:  notifications.TemplateOrderConfirmation,
		Recipient: order.Email,
		Payload:   payload,
	}, order.ID)
	if m.ownerEmail != "" {
		_ = m.send(detached, notifications.Message{
			Template:  notifications.TemplateOwnerAlert,
			Recipient: m.ownerEmail,
			Payload:   payload,
		}, order.ID)
	}
	if customerErr != nil {
		return time.Time{}, customerErr
	}

	at := m.now()
	markCtx, cancel := context.WithTimeout(detached, m.notifyTimeout)
	defer cancel()
	if err := m.orders.MarkNotified(markCtx, order.ID, at); err != nil {
		m.logger(ctx, "order.mark_notified_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
	return at, nil
}

func (m *orderMaterializer) send(ctx context.Context, msg notifications.Message, orderID string) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.notifyTimeout)
	defer cancel()
	if err := m.notifier.Send(sendCtx, msg); err != nil {
		m.logger(ctx, "order.notification_failed", map[string]any{
			"orderId":  orderID,
			"template": msg.Template,
			"error":    err.Error(),
		})
		return err
	}
	return nil
}

func checkSessionCurrency(meta SessionMetadata, session payments.CompletedSession) error {
	charged := strings.ToUpper(strings.TrimSpace(session.Currency))
	if charged != "" && charged != meta.Currency {
		return fmt.Errorf("%w: currency %s does not match charged %s", ErrMalformedMetadata, meta.Currency, charged)
	}
	return nil
}

func addressFromGateway(addr payments.Address) domain.Address {
	return domain.Address{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		PostalCode: addr.PostalCode,
		Province:   addr.State,
		Country:    strings.ToUpper(addr.Country),
	}
}
