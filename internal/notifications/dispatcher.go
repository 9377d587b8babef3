// Package notifications renders order emails and hands them to the email job transport.
package notifications

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/platform/jobs"
)

const (
	// TemplateOrderConfirmation is sent to the customer once an order exists.
	TemplateOrderConfirmation = "order_confirmation"
	// TemplateOwnerAlert tells the shop owner a new order arrived.
	TemplateOwnerAlert = "order_owner_alert"
)

var (
	// ErrUnknownTemplate is returned when a message names a template that is not registered.
	ErrUnknownTemplate = errors.New("notifications: unknown template")
	// ErrInvalidMessage is returned for messages with no recipient or an unsupported payload.
	ErrInvalidMessage = errors.New("notifications: invalid message")
)

//go:embed templates/*.md
var templateFS embed.FS

// Message is one email to render and enqueue.
type Message struct {
	Template  string
	Recipient string
	Payload   any
}

// OrderPayload is the data available to order templates.
type OrderPayload struct {
	Order domain.Order
	Lines []domain.OrderLine
}

// Rendered is the output of a template before it is queued.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Config controls sender identity and formatting.
type Config struct {
	From     string
	ShopName string
	// Locale is a BCP 47 tag used for money formatting. Defaults to "it".
	Locale string
}

// Dispatcher renders messages and publishes them as email jobs.
type Dispatcher struct {
	publisher jobs.EmailPublisher
	cfg       Config
	templates map[string]*template.Template
	markdown  goldmark.Markdown
	policy    *bluemonday.Policy
	printer   *message.Printer
	clock     func() time.Time
	newID     func() string
}

// NewDispatcher parses the embedded templates and binds them to the publisher.
func NewDispatcher(publisher jobs.EmailPublisher, cfg Config) (*Dispatcher, error) {
	if publisher == nil {
		return nil, errors.New("notifications: email publisher is required")
	}
	cfg.ShopName = strings.TrimSpace(cfg.ShopName)
	if cfg.ShopName == "" {
		cfg.ShopName = "Larder"
	}
	tag, err := language.Parse(strings.TrimSpace(defaultString(cfg.Locale, "it")))
	if err != nil {
		return nil, fmt.Errorf("notifications: locale %q: %w", cfg.Locale, err)
	}

	d := &Dispatcher{
		publisher: publisher,
		cfg:       cfg,
		templates: make(map[string]*template.Template),
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:    bluemonday.UGCPolicy(),
		printer:   message.NewPrinter(tag),
		clock:     time.Now,
		newID:     func() string { return uuid.NewString() },
	}

	for _, name := range []string{TemplateOrderConfirmation, TemplateOwnerAlert} {
		raw, err := templateFS.ReadFile("templates/" + name + ".md")
		if err != nil {
			return nil, fmt.Errorf("notifications: read template %s: %w", name, err)
		}
		tmpl, err := template.New(name).Funcs(d.funcs("EUR")).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("notifications: parse template %s: %w", name, err)
		}
		d.templates[name] = tmpl
	}
	return d, nil
}

// Send renders msg and enqueues the resulting email.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	recipient := strings.TrimSpace(msg.Recipient)
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	rendered, err := d.Render(msg)
	if err != nil {
		return err
	}

	job := jobs.EmailJob{
		ID:       d.newID(),
		Template: msg.Template,
		To:       recipient,
		From:     d.cfg.From,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
		QueuedAt: d.clock().UTC(),
	}
	if payload, ok := msg.Payload.(OrderPayload); ok {
		job.Reference = payload.Order.ID
	}
	if _, err := d.publisher.PublishEmail(ctx, job); err != nil {
		return fmt.Errorf("notifications: publish %s: %w", msg.Template, err)
	}
	return nil
}

// Render produces subject and bodies without publishing.
func (d *Dispatcher) Render(msg Message) (Rendered, error) {
	base, ok := d.templates[msg.Template]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, msg.Template)
	}
	payload, ok := msg.Payload.(OrderPayload)
	if !ok {
		return Rendered{}, fmt.Errorf("%w: template %s expects an order payload", ErrInvalidMessage, msg.Template)
	}

	tmpl, err := base.Clone()
	if err != nil {
		return Rendered{}, err
	}
	tmpl.Funcs(d.funcs(payload.Order.Currency))

	var buf bytes.Buffer
	data := struct {
		ShopName string
		Order    domain.Order
		Lines    []domain.OrderLine
	}{ShopName: d.cfg.ShopName, Order: payload.Order, Lines: payload.Lines}
	if err := tmpl.Execute(&buf, data); err != nil {
		return Rendered{}, fmt.Errorf("notifications: render %s: %w", msg.Template, err)
	}

	subject, body := splitSubject(buf.String())
	if subject == "" {
		return Rendered{}, fmt.Errorf("notifications: template %s has no subject line", msg.Template)
	}

	var html bytes.Buffer
	if err := d.markdown.Convert([]byte(body), &html); err != nil {
		return Rendered{}, fmt.Errorf("notifications: markdown %s: %w", msg.Template, err)
	}
	return Rendered{
		Subject: subject,
		HTML:    d.policy.Sanitize(html.String()),
		Text:    body,
	}, nil
}

func (d *Dispatcher) funcs(code string) template.FuncMap {
	money := d.moneyFormatter(code)
	return template.FuncMap{
		"money": money,
		"lineTotal": func(line domain.OrderLine) string {
			return money(line.UnitGross * int64(line.Quantity))
		},
		"cell": escapeCell,
	}
}

func (d *Dispatcher) moneyFormatter(code string) func(minor int64) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return func(minor int64) string {
			return domain.FromMinor(minor).StringFixed(2) + " " + strings.ToUpper(code)
		}
	}
	return func(minor int64) string {
		amount, _ := domain.FromMinor(minor).Float64()
		return d.printer.Sprint(currency.Symbol(unit.Amount(amount)))
	}
}

func splitSubject(rendered string) (string, string) {
	first, rest, _ := strings.Cut(rendered, "\n")
	subject, ok := strings.CutPrefix(strings.TrimSpace(first), "Subject:")
	if !ok {
		return "", rendered
	}
	return strings.TrimSpace(subject), strings.TrimLeft(rest, "\n")
}

// escapeCell keeps user-supplied text from breaking a Markdown table row.
func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "|", `\|`)
	return strings.Join(strings.Fields(value), " ")
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
