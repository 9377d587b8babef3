package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/payments"
)

const (
	defaultCheckoutCurrency = "EUR"
	defaultGatewayTimeout   = 15 * time.Second
	shippingLineName        = "Shipping"
	shippingLineSKU         = "shipping"
	maxNotesLength          = metadataMaxValueLen
	maxContactFieldLength   = 200
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Pricing          *PricingTable
	Shipping         ShippingPolicy
	Gateway          payments.Gateway
	Materializer     OrderMaterializer
	Codec            *MetadataCodec
	Currency         string
	AllowedCountries []string
	GatewayTimeout   time.Duration
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	pricing        *PricingTable
	shipping       ShippingPolicy
	gateway        payments.Gateway
	materializer   OrderMaterializer
	codec          *MetadataCodec
	currency       string
	countries      map[string]struct{}
	gatewayTimeout time.Duration
	sanitizer      *bluemonday.Policy
	logger         func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing table is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}
	if deps.Materializer == nil {
		return nil, errors.New("checkout service: order materializer is required")
	}
	if deps.Codec == nil {
		return nil, errors.New("checkout service: metadata codec is required")
	}
	if deps.Shipping.FlatFee.IsNegative() || deps.Shipping.FreeThreshold.IsNegative() {
		return nil, errors.New("checkout service: shipping policy is invalid")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}
	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	countries := make(map[string]struct{}, len(deps.AllowedCountries))
	for _, c := range deps.AllowedCountries {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			countries[c] = struct{}{}
		}
	}

	return &checkoutService{
		pricing:        deps.Pricing,
		shipping:       deps.Shipping,
		gateway:        deps.Gateway,
		materializer:   deps.Materializer,
		codec:          deps.Codec,
		currency:       currency,
		countries:      countries,
		gatewayTimeout: timeout,
		sanitizer:      bluemonday.StrictPolicy(),
		logger:         logger,
	}, nil
}

// Quote prices the cart for display. It applies the same rules as session creation.
func (s *checkoutService) Quote(_ context.Context, cmd QuoteCommand) (CheckoutQuote, error) {
	totals, err := s.pricing.Aggregate(cmd.Lines)
	if err != nil {
		return CheckoutQuote{}, err
	}
	quote, err := s.shipping.quote(totals.Net, totals.Gross, totals.WeightGrams)
	if err != nil {
		return CheckoutQuote{}, err
	}
	return CheckoutQuote{Lines: totals.Lines, Quote: quote}, nil
}

// CreateSession re-prices the cart server-side and opens a gateway session carrying the full
// order snapshot in its metadata. Nothing is persisted locally.
func (s *checkoutService) CreateSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSessionResult, error) {
	if len(cmd.Lines) == 0 {
		return CheckoutSessionResult{}, ErrEmptyCart
	}
	contact, shipping, billing, err := s.normaliseCustomer(cmd)
	if err != nil {
		return CheckoutSessionResult{}, err
	}
	successURL, err := absoluteURL(cmd.SuccessURL)
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: success url: %v", ErrInvalidCheckoutInput, err)
	}
	cancelURL, err := absoluteURL(cmd.CancelURL)
	if err != nil {
		return CheckoutSessionResult{}, fmt.Errorf("%w: cancel url: %v", ErrInvalidCheckoutInput, err)
	}

	totals, err := s.pricing.Aggregate(cmd.Lines)
	if err != nil {
		return CheckoutSessionResult{}, err
	}
	quote, err := s.shipping.quote(totals.Net, totals.Gross, totals.WeightGrams)
	if err != nil {
		return CheckoutSessionResult{}, err
	}
	s.compareDeclared(ctx, cmd.DeclaredTotals, quote)

	var accountID *string
	if cmd.AccountID != nil {
		if id := strings.TrimSpace(*cmd.AccountID); id != "" {
			accountID = &id
		}
	}
	meta := SessionMetadata{
		AccountID:             accountID,
		Contact:               contact,
		Shipping:              shipping,
		Billing:               billing,
		BillingSameAsShipping: billing == shipping,
		Notes:                 truncateRunes(s.sanitize(cmd.Notes), maxNotesLength),
		Currency:              s.currency,
		Net:                   quote.Net,
		Gross:                 quote.Gross,
		ShippingFee:           quote.Shipping,
		Total:                 quote.Total,
		Lines: lo.Map(totals.Lines, func(l domain.PricedLine, _ int) MetadataLine {
			return MetadataLine{
				ProductID:   l.ProductID,
				ProductName: l.ProductName,
				Tier:        l.Tier,
				Quantity:    l.Quantity,
				UnitGross:   l.UnitGross,
			}
		}),
	}
	metadata, err := s.codec.Encode(meta)
	if err != nil {
		return CheckoutSessionResult{}, err
	}

	req := payments.CheckoutSessionRequest{
		Currency:       s.currency,
		CustomerEmail:  contact.Email,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		Locale:         strings.TrimSpace(cmd.Locale),
		Metadata:       metadata,
		IdempotencyKey: checkoutIdempotencyKey(cmd.AttemptKey, metadata[metaSignature], successURL, cancelURL, strings.TrimSpace(cmd.Locale)),
		Items:          buildCheckoutLineItems(totals.Lines, quote.Shipping),
	}

	gatewayCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	session, err := s.gateway.CreateCheckoutSession(gatewayCtx, req)
	if err != nil {
		s.logger(ctx, "checkout.payment_session_failed", map[string]any{
			"lines": len(totals.Lines),
			"total": quote.Total.StringFixed(2),
			"error": err.Error(),
		})
		return CheckoutSessionResult{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	if session.AmountTotal > 0 && session.AmountTotal != domain.ToMinor(quote.Total) {
		s.logger(ctx, "checkout.gateway_total_mismatch", map[string]any{
			"sessionId": session.ID,
			"expected":  domain.ToMinor(quote.Total),
			"gateway":   session.AmountTotal,
		})
	}

	s.logger(ctx, "checkout.session_created", map[string]any{
		"sessionId": session.ID,
		"lines":     len(totals.Lines),
		"total":     quote.Total.StringFixed(2),
		"guest":     accountID == nil,
	})

	result := CheckoutSessionResult{
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
		Currency:    s.currency,
		Quote:       quote,
	}
	if !session.ExpiresAt.IsZero() {
		expires := session.ExpiresAt.UTC()
		result.ExpiresAt = &expires
	}
	return result, nil
}

// SyncSession reads the session back from the gateway and materializes it. It backs the
// success page when the webhook has not arrived yet.
func (s *checkoutService) SyncSession(ctx context.Context, sessionID string) (MaterializeResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return MaterializeResult{}, fmt.Errorf("%w: session id is required", ErrInvalidCheckoutInput)
	}
	gatewayCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	session, err := s.gateway.GetCheckoutSession(gatewayCtx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, payments.ErrSessionNotFound) {
			return MaterializeResult{}, err
		}
		return MaterializeResult{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	return s.materializer.Materialize(ctx, session)
}

// HandleWebhook verifies the event signature before anything else. Permanent failures are
// acknowledged so the gateway stops redelivering; only transient ones surface as errors.
func (s *checkoutService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error) {
	event, err := s.gateway.ParseCompletionEvent(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrSignatureInvalid) {
			s.logger(ctx, "checkout.webhook_signature_invalid", map[string]any{"error": err.Error()})
			return WebhookOutcome{}, err
		}
		s.logger(ctx, "checkout.webhook_payload_invalid", map[string]any{"error": err.Error()})
		return WebhookOutcome{Status: WebhookStatusRejected}, nil
	}

	outcome := WebhookOutcome{EventID: event.ID}
	if event.Session == nil {
		outcome.Status = WebhookStatusIgnored
		return outcome, nil
	}

	result, err := s.materializer.Materialize(ctx, *event.Session)
	switch KindOf(err) {
	case KindNone:
		outcome.Result = &result
		outcome.Status = WebhookStatusDuplicate
		if result.Created {
			outcome.Status = WebhookStatusProcessed
		}
		return outcome, nil
	case KindMalformedMetadata:
		outcome.Status = WebhookStatusRejected
		return outcome, nil
	case KindNotCompleted:
		s.logger(ctx, "checkout.webhook_session_pending", map[string]any{
			"eventId":   event.ID,
			"sessionId": event.Session.ID,
		})
		outcome.Status = WebhookStatusIgnored
		return outcome, nil
	default:
		s.logger(ctx, "checkout.webhook_failed", map[string]any{
			"eventId":   event.ID,
			"sessionId": event.Session.ID,
			"error":     err.Error(),
		})
		return outcome, err
	}
}

func (s *checkoutService) normaliseCustomer(cmd CreateCheckoutSessionCommand) (domain.ContactDetails, domain.Address, domain.Address, error) {
	email, err := NormalizeEmail(cmd.Customer.Email)
	if err != nil {
		return domain.ContactDetails{}, domain.Address{}, domain.Address{}, fmt.Errorf("%w: %v", ErrInvalidCheckoutInput, err)
	}
	contact := domain.ContactDetails{
		Email:   email,
		Name:    s.sanitize(cmd.Customer.Name),
		Phone:   s.sanitize(cmd.Customer.Phone),
		Company: s.sanitize(cmd.Customer.Company),
	}
	if contact.Name == "" {
		return domain.ContactDetails{}, domain.Address{}, domain.Address{}, fmt.Errorf("%w: name is required", ErrInvalidCheckoutInput)
	}
	for field, value := range map[string]string{"name": contact.Name, "phone": contact.Phone, "company": contact.Company} {
		if len([]rune(value)) > maxContactFieldLength {
			return domain.ContactDetails{}, domain.Address{}, domain.Address{}, fmt.Errorf("%w: %s is too long", ErrInvalidCheckoutInput, field)
		}
	}

	shipping, err := s.normaliseAddress("shipping", cmd.Shipping)
	if err != nil {
		return domain.ContactDetails{}, domain.Address{}, domain.Address{}, err
	}
	billing := shipping
	if cmd.Billing != nil && !cmd.Billing.IsZero() {
		if billing, err = s.normaliseAddress("billing", *cmd.Billing); err != nil {
			return domain.ContactDetails{}, domain.Address{}, domain.Address{}, err
		}
	}
	return contact, shipping, billing, nil
}

func (s *checkoutService) normaliseAddress(kind string, addr domain.Address) (domain.Address, error) {
	out := domain.Address{
		Line1:      s.sanitize(addr.Line1),
		Line2:      s.sanitize(addr.Line2),
		City:       s.sanitize(addr.City),
		PostalCode: s.sanitize(addr.PostalCode),
		Province:   s.sanitize(addr.Province),
		Country:    strings.ToUpper(s.sanitize(addr.Country)),
	}
	missing := lo.Filter([]string{"line1", "city", "postal code", "country"}, func(field string, _ int) bool {
		switch field {
		case "line1":
			return out.Line1 == ""
		case "city":
			return out.City == ""
		case "postal code":
			return out.PostalCode == ""
		default:
			return out.Country == ""
		}
	})
	if len(missing) > 0 {
		return domain.Address{}, fmt.Errorf("%w: %s address misses %s", ErrInvalidCheckoutInput, kind, strings.Join(missing, ", "))
	}
	if len(out.Country) != 2 {
		return domain.Address{}, fmt.Errorf("%w: %s country must be an ISO 3166 alpha-2 code", ErrInvalidCheckoutInput, kind)
	}
	if len(s.countries) > 0 {
		if _, ok := s.countries[out.Country]; !ok {
			return domain.Address{}, fmt.Errorf("%w: %s country %s is not served", ErrInvalidCheckoutInput, kind, out.Country)
		}
	}
	for _, value := range []string{out.Line1, out.Line2, out.City, out.PostalCode, out.Province} {
		if len([]rune(value)) > maxContactFieldLength {
			return domain.Address{}, fmt.Errorf("%w: %s address field is too long", ErrInvalidCheckoutInput, kind)
		}
	}
	return out, nil
}

// sanitize strips markup from free text. The strict policy escapes entities, which are undone
// so plain punctuation survives.
func (s *checkoutService) sanitize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
}

func (s *checkoutService) compareDeclared(ctx context.Context, declared DeclaredTotals, quote Quote) {
	mismatch := map[string]any{}
	check := func(name string, claimed *decimal.Decimal, actual decimal.Decimal) {
		if claimed != nil && !claimed.Equal(actual) {
			mismatch[name] = map[string]string{"declared": claimed.StringFixed(2), "computed": actual.StringFixed(2)}
		}
	}
	check("gross", declared.Gross, quote.Gross)
	check("shipping", declared.Shipping, quote.Shipping)
	check("total", declared.Total, quote.Total)
	if len(mismatch) > 0 {
		s.logger(ctx, "checkout.declared_totals_mismatch", mismatch)
	}
}

func buildCheckoutLineItems(lines []domain.PricedLine, shippingFee decimal.Decimal) []payments.CheckoutLineItem {
	items := lo.Map(lines, func(l domain.PricedLine, _ int) payments.CheckoutLineItem {
		return payments.CheckoutLineItem{
			Name:        l.ProductName,
			Description: fmt.Sprintf("%s pieces", l.Tier),
			SKU:         l.ProductID + ":" + l.Tier,
			Quantity:    int64(l.Quantity),
			Amount:      domain.ToMinor(l.UnitGross),
		}
	})
	if shippingFee.IsPositive() {
		items = append(items, payments.CheckoutLineItem{
			Name:     shippingLineName,
			SKU:      shippingLineSKU,
			Quantity: 1,
			Amount:   domain.ToMinor(shippingFee),
		})
	}
	return items
}

// checkoutIdempotencyKey ties a gateway retry to one client attempt. The metadata signature covers
// the whole order snapshot, so any change to the cart, contact details or addresses yields a new key.
// Without an attempt key every call opens a fresh session.
func checkoutIdempotencyKey(attempt, signature, successURL, cancelURL, locale string) string {
	attempt = strings.TrimSpace(attempt)
	if attempt == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{attempt, signature, successURL, cancelURL, locale}, "\x00")))
	return "checkout-" + hex.EncodeToString(sum[:])
}

func absoluteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", errors.New("must be an absolute http(s) url")
	}
	return u.String(), nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
