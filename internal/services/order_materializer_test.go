package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/notifications"
	"github.com/larderworks/api/internal/payments"
	"github.com/larderworks/api/internal/repositories/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.May, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []notifications.Message
	failFor map[string]error
}

func (n *recordingNotifier) Send(_ context.Context, msg notifications.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failFor[msg.Template]; err != nil {
		return err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) count(template string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, msg := range n.sent {
		if msg.Template == template {
			total++
		}
	}
	return total
}

func (n *recordingNotifier) setFailure(template string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor == nil {
		n.failFor = map[string]error{}
	}
	n.failFor[template] = err
}

type materializerFixture struct {
	reg      *memory.Registry
	codec    *MetadataCodec
	notifier *recordingNotifier
	clock    *testClock
	svc      OrderMaterializer
	events   *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

func newMaterializerFixture(t *testing.T) *materializerFixture {
	t.Helper()
	f := &materializerFixture{
		reg:      memory.NewRegistry(),
		codec:    NewMetadataCodec("test-key"),
		notifier: &recordingNotifier{},
		clock:    newTestClock(),
		events:   &eventLog{},
	}
	svc, err := NewOrderMaterializer(OrderMaterializerDeps{
		Orders:        f.reg.Orders(),
		Identity:      newTestIdentityService(t, f.reg),
		Codec:         f.codec,
		Notifier:      f.notifier,
		OwnerEmail:    "owner@larder.example",
		NotifyTimeout: time.Second,
		Clock:         f.clock.Now,
		Logger:        f.events.log,
	})
	if err != nil {
		t.Fatalf("NewOrderMaterializer: %v", err)
	}
	f.svc = svc
	return f
}

func (f *materializerFixture) session(t *testing.T, id string, meta SessionMetadata) payments.CompletedSession {
	t.Helper()
	md, err := f.codec.Encode(meta)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return payments.CompletedSession{
		ID:               id,
		Status:           payments.SessionStatusComplete,
		PaymentStatus:    payments.PaymentStatusPaid,
		CustomerEmail:    meta.Contact.Email,
		PaymentReference: "pi_" + id,
		AmountTotal:      domain.ToMinor(meta.Total),
		Currency:         "eur",
		Metadata:         md,
	}
}

func TestOrderMaterializerCreatesOrder(t *testing.T) {
	f := newMaterializerFixture(t)
	ctx := context.Background()

	result, err := f.svc.Materialize(ctx, f.session(t, "cs_1", sampleMetadata(t)))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !result.Created || result.LinesInserted != 2 {
		t.Fatalf("unexpected result: %#v", result)
	}
	order := result.Order
	want := domain.OrderTotals{Net: 3900, Tax: 390, Gross: 4290, Shipping: 790, Total: 5080}
	if order.Totals != want {
		t.Fatalf("expected totals %#v, got %#v", want, order.Totals)
	}
	if order.Status != domain.OrderStatusPaid || order.PaymentReference != "pi_cs_1" || order.Currency != "EUR" {
		t.Fatalf("unexpected order header: %#v", order)
	}
	if order.ProfileID == nil {
		t.Fatalf("expected profile id")
	}
	if order.Shipping.City != "Bari" || order.Billing != order.Shipping {
		t.Fatalf("unexpected address snapshot: %#v / %#v", order.Shipping, order.Billing)
	}

	lines, err := f.reg.Orders().ListLines(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListLines: %v", err)
	}
	if len(lines) != 2 || lines[0].LineNo != 1 || lines[0].UnitGross != 1800 || lines[0].Quantity != 2 || lines[1].UnitGross != 690 {
		t.Fatalf("unexpected lines: %#v", lines)
	}

	if f.notifier.count(notifications.TemplateOrderConfirmation) != 1 || f.notifier.count(notifications.TemplateOwnerAlert) != 1 {
		t.Fatalf("expected one confirmation and one owner alert, got %#v", f.notifier.sent)
	}
	stored, err := f.reg.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.NotifiedAt == nil {
		t.Fatalf("expected order marked notified")
	}
}

func TestOrderMaterializerIsIdempotent(t *testing.T) {
	f := newMaterializerFixture(t)
	ctx := context.Background()
	session := f.session(t, "cs_1", sampleMetadata(t))

	first, err := f.svc.Materialize(ctx, session)
	if err != nil {
		t.Fatalf("first Materialize: %v", err)
	}
	second, err := f.svc.Materialize(ctx, session)
	if err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if second.Created || second.Order.ID != first.Order.ID || second.LinesInserted != 0 {
		t.Fatalf("expected existing order, got %#v", second)
	}
	if f.reg.OrderStore().Count() != 1 || f.reg.OrderStore().LineCount() != 2 {
		t.Fatalf("expected one order with two lines, got %d/%d", f.reg.OrderStore().Count(), f.reg.OrderStore().LineCount())
	}
	if f.notifier.count(notifications.TemplateOrderConfirmation) != 1 {
		t.Fatalf("expected a single confirmation")
	}
}

func TestOrderMaterializerConcurrentDeliveries(t *testing.T) {
	f := newMaterializerFixture(t)
	session := f.session(t, "cs_race", sampleMetadata(t))

	const workers = 20
	results := make([]MaterializeResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Materialize(context.Background(), session)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].Order.ID != results[0].Order.ID {
			t.Fatalf("workers disagree on order id: %s vs %s", results[0].Order.ID, results[i].Order.ID)
		}
		if results[i].Created {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creator, got %d", created)
	}
	if f.reg.OrderStore().Count() != 1 || f.reg.OrderStore().LineCount() != 2 {
		t.Fatalf("expected one order with two lines, got %d/%d", f.reg.OrderStore().Count(), f.reg.OrderStore().LineCount())
	}
	if f.reg.ProfileStore().Count() != 1 {
		t.Fatalf("expected one profile, got %d", f.reg.ProfileStore().Count())
	}
	if f.notifier.count(notifications.TemplateOrderConfirmation) != 1 {
		t.Fatalf("expected a single confirmation, got %d", f.notifier.count(notifications.TemplateOrderConfirmation))
	}
}

func TestOrderMaterializerSameEmailSharesProfile(t *testing.T) {
	f := newMaterializerFixture(t)
	ctx := context.Background()

	guest := sampleMetadata(t)
	guest.AccountID = nil
	first, err := f.svc.Materialize(ctx, f.session(t, "cs_a", guest))
	if err != nil {
		t.Fatalf("Materialize a: %v", err)
	}
	second, err := f.svc.Materialize(ctx, f.session(t, "cs_b", guest))
	if err != nil {
		t.Fatalf("Materialize b: %v", err)
	}
	if first.Order.ID == second.Order.ID {
		t.Fatalf("expected two orders")
	}
	if *first.Order.ProfileID != *second.Order.ProfileID {
		t.Fatalf("expected shared profile, got %s and %s", *first.Order.ProfileID, *second.Order.ProfileID)
	}
	if f.reg.ProfileStore().Count() != 1 {
		t.Fatalf("expected one profile, got %d", f.reg.ProfileStore().Count())
	}
}

func TestOrderMaterializerRejectsMalformedMetadata(t *testing.T) {
	f := newMaterializerFixture(t)
	session := f.session(t, "cs_bad", sampleMetadata(t))
	session.Metadata[metaGross] = "1.00"

	_, err := f.svc.Materialize(context.Background(), session)
	if !errors.Is(err, ErrMalformedMetadata) {
		t.Fatalf("expected ErrMalformedMetadata, got %v", err)
	}
	if f.reg.OrderStore().Count() != 0 || f.reg.ProfileStore().Count() != 0 {
		t.Fatalf("expected no writes")
	}
	if !f.events.has("order.metadata_integrity_alarm") {
		t.Fatalf("expected integrity alarm to be logged")
	}

	other := f.session(t, "cs_currency", sampleMetadata(t))
	other.Currency = "usd"
	if _, err := f.svc.Materialize(context.Background(), other); !errors.Is(err, ErrMalformedMetadata) {
		t.Fatalf("expected currency mismatch to be malformed, got %v", err)
	}
}

func TestOrderMaterializerRequiresPaidSession(t *testing.T) {
	f := newMaterializerFixture(t)
	cases := []struct {
		status  payments.SessionStatus
		payment payments.PaymentStatus
	}{
		{payments.SessionStatusOpen, payments.PaymentStatusUnpaid},
		{payments.SessionStatusComplete, payments.PaymentStatusUnpaid},
		{payments.SessionStatusExpired, payments.PaymentStatusUnpaid},
	}
	for _, tc := range cases {
		session := f.session(t, "cs_pending", sampleMetadata(t))
		session.Status, session.PaymentStatus = tc.status, tc.payment
		_, err := f.svc.Materialize(context.Background(), session)
		if !errors.Is(err, ErrSessionNotCompleted) {
			t.Fatalf("%s/%s: expected ErrSessionNotCompleted, got %v", tc.status, tc.payment, err)
		}
	}
	if f.reg.OrderStore().Count() != 0 {
		t.Fatalf("expected no orders")
	}
}

func TestOrderMaterializerNotificationFailureIsSwallowed(t *testing.T) {
	f := newMaterializerFixture(t)
	ctx := context.Background()
	f.notifier.setFailure(notifications.TemplateOrderConfirmation, errors.New("smtp down"))
	session := f.session(t, "cs_1", sampleMetadata(t))

	result, err := f.svc.Materialize(ctx, session)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !result.Created || result.Order.NotifiedAt != nil {
		t.Fatalf("expected created order without notified marker, got %#v", result)
	}
	if f.notifier.count(notifications.TemplateOwnerAlert) != 1 {
		t.Fatalf("owner alert must not depend on the customer confirmation")
	}

	// A retry shortly after must not race the creating call.
	f.notifier.setFailure(notifications.TemplateOrderConfirmation, nil)
	if _, err := f.svc.Materialize(ctx, session); err != nil {
		t.Fatalf("Materialize retry: %v", err)
	}
	if f.notifier.count(notifications.TemplateOrderConfirmation) != 0 {
		t.Fatalf("expected no confirmation inside the grace window")
	}

	f.clock.Advance(time.Minute)
	retry, err := f.svc.Materialize(ctx, session)
	if err != nil {
		t.Fatalf("Materialize late retry: %v", err)
	}
	if retry.Created || retry.Order.NotifiedAt == nil {
		t.Fatalf("expected late retry to complete notifications, got %#v", retry)
	}
	if f.notifier.count(notifications.TemplateOrderConfirmation) != 1 {
		t.Fatalf("expected one confirmation after retry")
	}
}

func TestOrderMaterializerRepairsMissingLines(t *testing.T) {
	f := newMaterializerFixture(t)
	ctx := context.Background()
	session := f.session(t, "cs_1", sampleMetadata(t))

	at := f.clock.Now()
	orphan := domain.Order{ID: "ord_crashed", SessionID: "cs_1", Email: "anna@example.com", Status: domain.OrderStatusPaid, CreatedAt: at, UpdatedAt: at, NotifiedAt: &at}
	if err := f.reg.Orders().Insert(ctx, orphan); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := f.svc.Materialize(ctx, session)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if result.Created || result.Order.ID != "ord_crashed" || result.LinesInserted != 2 {
		t.Fatalf("expected line repair on existing order, got %#v", result)
	}
	if f.reg.OrderStore().LineCount() != 2 {
		t.Fatalf("expected 2 lines, got %d", f.reg.OrderStore().LineCount())
	}
}

type unavailableOrders struct {
	*memory.OrderRepository
}

func (unavailableOrders) FindBySessionID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, memory.Unavailable("orders.find_by_session")
}

func TestOrderMaterializerDatastoreUnavailable(t *testing.T) {
	f := newMaterializerFixture(t)
	svc, err := NewOrderMaterializer(OrderMaterializerDeps{
		Orders:   unavailableOrders{f.reg.OrderStore()},
		Identity: newTestIdentityService(t, f.reg),
		Codec:    f.codec,
	})
	if err != nil {
		t.Fatalf("NewOrderMaterializer: %v", err)
	}
	_, err = svc.Materialize(context.Background(), f.session(t, "cs_1", sampleMetadata(t)))
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestOrderMaterializerResendNotifications(t *testing.T) {
	f := newMaterializerFixture(t)
	ctx := context.Background()

	if _, err := f.svc.ResendNotifications(ctx, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	result, err := f.svc.Materialize(ctx, f.session(t, "cs_1", sampleMetadata(t)))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := f.svc.ResendNotifications(ctx, result.Order.ID); err != nil {
		t.Fatalf("ResendNotifications: %v", err)
	}
	if f.notifier.count(notifications.TemplateOrderConfirmation) != 2 {
		t.Fatalf("expected a second confirmation")
	}

	f.notifier.setFailure(notifications.TemplateOrderConfirmation, errors.New("queue down"))
	if _, err := f.svc.ResendNotifications(ctx, result.Order.ID); !errors.Is(err, ErrNotificationFailed) {
		t.Fatalf("expected ErrNotificationFailed, got %v", err)
	}
}

func TestNewOrderMaterializerValidation(t *testing.T) {
	reg := memory.NewRegistry()
	identity := newTestIdentityService(t, reg)
	cases := []OrderMaterializerDeps{
		{Identity: identity, Codec: NewMetadataCodec("")},
		{Orders: reg.Orders(), Codec: NewMetadataCodec("")},
		{Orders: reg.Orders(), Identity: identity},
	}
	for i, deps := range cases {
		if _, err := NewOrderMaterializer(deps); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
