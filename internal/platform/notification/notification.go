// Package notification renders outbound patient and staff messages from
// templates and hands them to a channel sender. Delivery transports live
// outside this module; the default dispatcher renders and logs.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Notification is built by a service after its transaction committed.
type Notification struct {
	Channel    Channel           `json:"channel"`
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Data       map[string]string `json:"data,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, to, body string) error
}

// Dispatcher delivers one notification. Errors are for logging only.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtIn {
		e.templates[t.ID] = t
	}
	return e
}

var builtIn = []Template{
	{
		ID:      "appointment-confirmation",
		Subject: "Your appointment at {{clinic}}",
		Body:    "Hello {{patient_name}}, your appointment is booked for {{date}} at {{time}}.",
	},
	{
		ID:      "appointment-reminder",
		Subject: "Reminder: appointment on {{date}}",
		Body:    "Hello {{patient_name}}, this is a reminder of your appointment on {{date}} at {{time}}.",
	},
	{
		ID:      "payment-receipt",
		Subject: "Payment received for {{invoice_number}}",
		Body:    "We received {{amount}} for invoice {{invoice_number}}. Balance due: {{balance}}.",
	},
	{
		ID:      "low-stock-alert",
		Subject: "Low stock: {{item}}",
		Body:    "{{item}} is down to {{stock}} (minimum {{min_stock}}).",
	},
}

func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render substitutes data into the template. Placeholders without data are
// left as-is.
func (e *TemplateEngine) Render(id string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", data[k])
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// SenderDispatcher routes rendered messages to the configured channel senders.
type SenderDispatcher struct {
	templates *TemplateEngine
	email     EmailSender
	whatsapp  WhatsAppSender
}

func NewSenderDispatcher(tpl *TemplateEngine, email EmailSender, whatsapp WhatsAppSender) *SenderDispatcher {
	return &SenderDispatcher{templates: tpl, email: email, whatsapp: whatsapp}
}

func (d *SenderDispatcher) Dispatch(ctx context.Context, n Notification) error {
	subject, body, err := d.templates.Render(n.TemplateID, n.Data)
	if err != nil {
		return err
	}
	switch n.Channel {
	case ChannelEmail:
		if d.email == nil {
			return fmt.Errorf("no email sender configured")
		}
		return d.email.SendEmail(ctx, n.Recipient, subject, body)
	case ChannelWhatsApp:
		if d.whatsapp == nil {
			return fmt.Errorf("no whatsapp sender configured")
		}
		return d.whatsapp.SendWhatsApp(ctx, n.Recipient, body)
	default:
		return fmt.Errorf("unsupported channel: %s", n.Channel)
	}
}

// LogDispatcher renders and logs instead of sending.
type LogDispatcher struct {
	templates *TemplateEngine
	log       zerolog.Logger
}

func NewLogDispatcher(tpl *TemplateEngine, log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{templates: tpl, log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	subject, _, err := d.templates.Render(n.TemplateID, n.Data)
	if err != nil {
		return err
	}
	d.log.Info().
		Str("channel", string(n.Channel)).
		Str("template", n.TemplateID).
		Str("subject", subject).
		Msg("notification rendered")
	return nil
}
