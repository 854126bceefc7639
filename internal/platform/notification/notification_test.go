package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type emailCall struct{ to, subject, body string }

type mockEmailSender struct {
	mu    sync.Mutex
	calls []emailCall
	err   error
}

func (m *mockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, emailCall{to, subject, body})
	return m.err
}

type mockWhatsAppSender struct {
	bodies []string
}

func (m *mockWhatsAppSender) SendWhatsApp(_ context.Context, _, body string) error {
	m.bodies = append(m.bodies, body)
	return nil
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()
	subject, body, err := e.Render("payment-receipt", map[string]string{
		"invoice_number": "INV-000001",
		"amount":         "10000.00",
		"balance":        "13100.00",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Payment received for INV-000001" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "Balance due: 13100.00") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestTemplateEngine_MissingKeysLeftAsIs(t *testing.T) {
	e := NewTemplateEngine()
	_, body, err := e.Render("low-stock-alert", map[string]string{"item": "Gloves"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "{{stock}}") {
		t.Errorf("expected placeholder to remain, got %q", body)
	}
}

func TestTemplateEngine_UnknownTemplate(t *testing.T) {
	if _, _, err := NewTemplateEngine().Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestTemplateEngine_Register(t *testing.T) {
	e := NewTemplateEngine()
	e.Register(Template{ID: "custom", Subject: "Hi {{name}}", Body: "b"})
	subject, _, err := e.Render("custom", map[string]string{"name": "Ana"})
	if err != nil || subject != "Hi Ana" {
		t.Errorf("got %q, %v", subject, err)
	}
}

func TestSenderDispatcher_Routes(t *testing.T) {
	email := &mockEmailSender{}
	wa := &mockWhatsAppSender{}
	d := NewSenderDispatcher(NewTemplateEngine(), email, wa)
	ctx := context.Background()
	data := map[string]string{"patient_name": "Ana", "date": "2026-03-02", "time": "10:00"}

	if err := d.Dispatch(ctx, Notification{Channel: ChannelEmail, Recipient: "ana@x.test", TemplateID: "appointment-reminder", Data: data}); err != nil {
		t.Fatalf("email: %v", err)
	}
	if err := d.Dispatch(ctx, Notification{Channel: ChannelWhatsApp, Recipient: "+100", TemplateID: "appointment-reminder", Data: data}); err != nil {
		t.Fatalf("whatsapp: %v", err)
	}
	if len(email.calls) != 1 || email.calls[0].to != "ana@x.test" {
		t.Errorf("unexpected email calls %+v", email.calls)
	}
	if len(wa.bodies) != 1 || !strings.Contains(wa.bodies[0], "Ana") {
		t.Errorf("unexpected whatsapp bodies %+v", wa.bodies)
	}
}

func TestSenderDispatcher_Errors(t *testing.T) {
	email := &mockEmailSender{err: errors.New("smtp down")}
	d := NewSenderDispatcher(NewTemplateEngine(), email, nil)
	ctx := context.Background()

	if err := d.Dispatch(ctx, Notification{Channel: ChannelEmail, TemplateID: "payment-receipt"}); err == nil {
		t.Error("expected sender error")
	}
	if err := d.Dispatch(ctx, Notification{Channel: ChannelWhatsApp, TemplateID: "payment-receipt"}); err == nil {
		t.Error("expected missing sender error")
	}
	if err := d.Dispatch(ctx, Notification{Channel: "pigeon", TemplateID: "payment-receipt"}); err == nil {
		t.Error("expected unsupported channel error")
	}
}

func TestLogDispatcher(t *testing.T) {
	var buf strings.Builder
	d := NewLogDispatcher(NewTemplateEngine(), zerolog.New(&buf))
	if err := d.Dispatch(context.Background(), Notification{Channel: ChannelEmail, TemplateID: "low-stock-alert", Data: map[string]string{"item": "Gloves"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Low stock: Gloves") {
		t.Errorf("expected rendered subject in log, got %s", buf.String())
	}
}
