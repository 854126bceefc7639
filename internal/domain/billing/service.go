package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/validate"
)

type Service struct {
	invoices InvoiceRepository
	tx       db.Transactor
	events   events.Publisher
}

func NewService(inv InvoiceRepository, tx db.Transactor, pub events.Publisher) *Service {
	return &Service{invoices: inv, tx: tx, events: pub}
}

func buildItems(in []ItemInput) []InvoiceItem {
	items := make([]InvoiceItem, len(in))
	for i, it := range in {
		items[i] = InvoiceItem{
			Position:    i,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.Round(2),
		}
	}
	return items
}

func (inv *Invoice) applyTotals() error {
	t := ComputeTotals(inv.Items, inv.TaxRate, inv.Discount)
	if t.Total.IsNegative() {
		return apperr.Invalid("discount", "exceeds the invoice amount")
	}
	inv.Subtotal, inv.TaxAmount, inv.Total = t.Subtotal, t.TaxAmount, t.Total
	return nil
}

// -- Invoices --

func (s *Service) CreateInvoice(ctx context.Context, p *auth.Principal, in CreateInvoiceInput) (*Invoice, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingWrite)
	if err != nil {
		return nil, err
	}
	var inv *Invoice
	var evt events.Event
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		inv, evt, err = s.CreateInvoiceInTx(ctx, p, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, evt)
	return inv, nil
}

// CreateInvoiceInTx creates an invoice inside the caller's transaction. The
// returned event must be published by the caller once that transaction
// committed.
func (s *Service) CreateInvoiceInTx(ctx context.Context, p *auth.Principal, in CreateInvoiceInput) (*Invoice, events.Event, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingWrite)
	if err != nil {
		return nil, events.Event{}, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, events.Event{}, err
	}

	author := p.UserID()
	inv := &Invoice{
		PatientID:  in.PatientID,
		PlanID:     in.PlanID,
		Status:     StatusDraft,
		TaxRate:    in.TaxRate,
		Discount:   in.Discount.Round(2),
		PaidAmount: decimal.Zero,
		DueDate:    in.DueDate,
		Notes:      in.Notes,
		CreatedBy:  &author,
		Items:      buildItems(in.Items),
	}
	if err := inv.applyTotals(); err != nil {
		return nil, events.Event{}, err
	}

	if _, err := s.invoices.PatientContact(ctx, in.PatientID); err != nil {
		return nil, events.Event{}, err
	}
	if in.PlanID != nil {
		owner, err := s.invoices.PlanPatient(ctx, *in.PlanID)
		if err != nil {
			return nil, events.Event{}, err
		}
		if owner != in.PatientID {
			return nil, events.Event{}, apperr.Invalid("plan_id", "belongs to another patient")
		}
	}
	if inv.Number, err = s.invoices.NextNumber(ctx); err != nil {
		return nil, events.Event{}, err
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, events.Event{}, err
	}
	return inv, s.event(p, "invoice.created", inv, map[string]any{"total": inv.Total.StringFixed(2)}), nil
}

// PlanLineDescriptions lists the line descriptions already billed against a
// treatment plan. It backs invoice generation, so it needs billing:write.
// Callers holding the plan lock get a stable answer.
func (s *Service) PlanLineDescriptions(ctx context.Context, p *auth.Principal, planID uuid.UUID) ([]string, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingWrite)
	if err != nil {
		return nil, err
	}
	return s.invoices.PlanLineDescriptions(ctx, planID)
}

func (s *Service) GetInvoice(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Invoice, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingRead)
	if err != nil {
		return nil, err
	}
	return s.invoices.GetByID(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, p *auth.Principal, f ListFilter, limit, offset int) ([]*Invoice, int, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingRead)
	if err != nil {
		return nil, 0, err
	}
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, apperr.Invalid("status", "unknown invoice status")
	}
	return s.invoices.List(ctx, f, limit, offset)
}

// UpdateInvoice edits a DRAFT invoice and recomputes its totals.
func (s *Service) UpdateInvoice(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdateInvoiceInput) (*Invoice, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if in.Items != nil && len(in.Items) == 0 {
		return nil, apperr.Invalid("items", "must contain at least 1 entries")
	}

	var inv *Invoice
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.invoices.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusDraft {
			return apperr.Newf(apperr.ImmutableState, "invoice %s is %s; only drafts can be edited", cur.Number, cur.Status)
		}
		if in.Items != nil {
			cur.Items = buildItems(in.Items)
		}
		if in.TaxRate != nil {
			cur.TaxRate = *in.TaxRate
		}
		if in.Discount != nil {
			cur.Discount = in.Discount.Round(2)
		}
		if in.DueDate != nil {
			cur.DueDate = in.DueDate
		}
		if in.Notes != nil {
			cur.Notes = *in.Notes
		}
		if err := cur.applyTotals(); err != nil {
			return err
		}
		if cur.Total.LessThan(cur.PaidAmount) {
			return apperr.Newf(apperr.BalanceExceeded, "total %s is below the %s already paid", cur.Total.StringFixed(2), cur.PaidAmount.StringFixed(2))
		}
		if in.Items != nil {
			if err := s.invoices.ReplaceItems(ctx, cur.ID, cur.Items); err != nil {
				return err
			}
		}
		if err := s.invoices.Update(ctx, cur); err != nil {
			return err
		}
		inv = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "invoice.updated", inv, map[string]any{"total": inv.Total.StringFixed(2)}))
	return inv, nil
}

// TransitionInvoice applies an explicit status change. PARTIALLY_PAID, PAID
// and REFUNDED are only reached through payments and refunds.
func (s *Service) TransitionInvoice(ctx context.Context, p *auth.Principal, id uuid.UUID, in TransitionInput) (*Invoice, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if !validStatuses[in.Status] {
		return nil, apperr.Invalid("status", "unknown invoice status")
	}

	var inv *Invoice
	var from Status
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.invoices.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = cur.Status
		if !CanTransition(cur.Status, in.Status) {
			return apperr.Newf(apperr.InvalidTransition, "cannot move invoice from %s to %s", cur.Status, in.Status)
		}
		cur.Status = in.Status
		if err := s.invoices.Update(ctx, cur); err != nil {
			return err
		}
		inv = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "invoice.status_changed", inv, map[string]any{"from": from, "to": inv.Status}))
	return inv, nil
}

// DeleteInvoice removes an unpaid draft.
func (s *Service) DeleteInvoice(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	ctx, err := auth.Authorize(ctx, p, auth.BillingWrite)
	if err != nil {
		return err
	}
	var inv *Invoice
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.invoices.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusDraft || !cur.PaidAmount.IsZero() {
			return apperr.Newf(apperr.ImmutableState, "invoice %s cannot be deleted", cur.Number)
		}
		inv = cur
		return s.invoices.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.events.Publish(ctx, s.event(p, "invoice.deleted", inv, nil))
	return nil
}

// -- Payments --

// RecordPayment adds a payment and derives the new status in one transaction.
// An amount within Epsilon above the balance settles the balance exactly.
func (s *Service) RecordPayment(ctx context.Context, p *auth.Principal, invoiceID uuid.UUID, in PaymentInput) (*Payment, *Invoice, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingWrite)
	if err != nil {
		return nil, nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, nil, err
	}
	amount := in.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, nil, apperr.Invalid("amount", "must be greater than 0")
	}

	var inv *Invoice
	var pay *Payment
	var contact *PatientContact
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.invoices.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if closedForPayment[cur.Status] {
			return apperr.Newf(apperr.InvalidTransition, "invoice %s is %s and accepts no payments", cur.Number, cur.Status)
		}
		balance := cur.BalanceDue()
		if amount.GreaterThan(balance.Add(Epsilon)) {
			return apperr.Newf(apperr.BalanceExceeded, "payment %s exceeds the balance due %s", amount.StringFixed(2), balance.StringFixed(2))
		}
		if amount.GreaterThan(balance) {
			amount = balance
		}
		if !amount.IsPositive() {
			return apperr.Newf(apperr.BalanceExceeded, "invoice %s has no balance due", cur.Number)
		}

		recorder := p.UserID()
		pay = &Payment{InvoiceID: cur.ID, Amount: amount, Method: in.Method, RecordedBy: &recorder}
		if err := s.invoices.AddPayment(ctx, pay); err != nil {
			return err
		}
		cur.PaidAmount = cur.PaidAmount.Add(amount)
		cur.Status = StatusAfterPayment(cur.Status, cur.PaidAmount, cur.Total)
		if err := s.invoices.Update(ctx, cur); err != nil {
			return err
		}
		if c, err := s.invoices.PatientContact(ctx, cur.PatientID); err == nil {
			contact = c
		}
		inv = cur
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	evt := s.event(p, "payment.recorded", inv, map[string]any{
		"payment_id": pay.ID.String(),
		"amount":     pay.Amount.StringFixed(2),
		"method":     pay.Method,
	})
	evt.Notify = receipt(contact, inv, pay)
	s.events.Publish(ctx, evt)
	return pay, inv, nil
}

// RefundPayment records a refund of up to the paid amount.
func (s *Service) RefundPayment(ctx context.Context, p *auth.Principal, invoiceID uuid.UUID, in RefundInput) (*Payment, *Invoice, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingRefund)
	if err != nil {
		return nil, nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, nil, err
	}
	amount := in.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, nil, apperr.Invalid("amount", "must be greater than 0")
	}

	var inv *Invoice
	var pay *Payment
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.invoices.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(cur.PaidAmount) {
			return apperr.Newf(apperr.BalanceExceeded, "refund %s exceeds the paid amount %s", amount.StringFixed(2), cur.PaidAmount.StringFixed(2))
		}
		recorder := p.UserID()
		pay = &Payment{InvoiceID: cur.ID, Amount: amount, IsRefund: true, Reason: in.Reason, RecordedBy: &recorder}
		if err := s.invoices.AddPayment(ctx, pay); err != nil {
			return err
		}
		cur.PaidAmount = cur.PaidAmount.Sub(amount)
		cur.Status = StatusAfterRefund(cur.Status, cur.PaidAmount)
		if err := s.invoices.Update(ctx, cur); err != nil {
			return err
		}
		inv = cur
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.events.Publish(ctx, s.event(p, "payment.refunded", inv, map[string]any{
		"payment_id": pay.ID.String(),
		"amount":     pay.Amount.StringFixed(2),
		"reason":     pay.Reason,
	}))
	return pay, inv, nil
}

func (s *Service) ListPayments(ctx context.Context, p *auth.Principal, invoiceID uuid.UUID) ([]*Payment, error) {
	ctx, err := auth.Authorize(ctx, p, auth.BillingRead)
	if err != nil {
		return nil, err
	}
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.invoices.ListPayments(ctx, invoiceID)
}

// -- Sweep --

// MarkOverdue moves SENT and PARTIALLY_PAID invoices whose due date is before
// asOf to OVERDUE, across all tenants. Each invoice is changed in its own
// transaction under its own tenant scope.
func (s *Service) MarkOverdue(ctx context.Context, finder OverdueFinder, asOf time.Time) (int, error) {
	candidates, err := finder.OverdueCandidates(ctx, asOf)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, c := range candidates {
		tctx := db.WithTenant(ctx, c.TenantID)
		var inv *Invoice
		var from Status
		err := s.tx.InTx(tctx, func(ctx context.Context) error {
			cur, err := s.invoices.GetForUpdate(ctx, c.InvoiceID)
			if err != nil {
				return err
			}
			// Re-check under the lock; a payment may have landed since the scan.
			if cur.DueDate == nil || !cur.DueDate.Before(asOf) || !CanTransition(cur.Status, StatusOverdue) {
				return nil
			}
			from = cur.Status
			cur.Status = StatusOverdue
			if err := s.invoices.Update(ctx, cur); err != nil {
				return err
			}
			inv = cur
			return nil
		})
		if err != nil {
			return marked, err
		}
		if inv == nil {
			continue
		}
		marked++
		s.events.Publish(tctx, events.Event{
			TenantID: c.TenantID,
			Action:   "invoice.overdue",
			Entity:   "invoice",
			EntityID: inv.ID.String(),
			Metadata: map[string]any{"number": inv.Number, "from": from},
		})
	}
	return marked, nil
}

func (s *Service) event(p *auth.Principal, action string, inv *Invoice, meta map[string]any) events.Event {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = inv.Number
	return events.Event{
		TenantID: p.TenantID(),
		ActorID:  p.UserID(),
		Action:   action,
		Entity:   "invoice",
		EntityID: inv.ID.String(),
		Metadata: meta,
	}
}

func receipt(c *PatientContact, inv *Invoice, pay *Payment) *notification.Notification {
	if c == nil || c.Email == "" {
		return nil
	}
	return &notification.Notification{
		Channel:    notification.ChannelEmail,
		Recipient:  c.Email,
		TemplateID: "payment-receipt",
		Data: map[string]string{
			"patient_name":   c.Name,
			"invoice_number": inv.Number,
			"amount":         pay.Amount.StringFixed(2),
			"balance":        inv.BalanceDue().StringFixed(2),
		},
	}
}
