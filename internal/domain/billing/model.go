package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusSent          Status = "SENT"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
	StatusOverdue       Status = "OVERDUE"
	StatusCancelled     Status = "CANCELLED"
	StatusRefunded      Status = "REFUNDED"
)

var validStatuses = map[Status]bool{
	StatusDraft: true, StatusSent: true, StatusPartiallyPaid: true, StatusPaid: true,
	StatusOverdue: true, StatusCancelled: true, StatusRefunded: true,
}

var transitions = map[Status]map[Status]bool{
	StatusDraft:         {StatusSent: true, StatusCancelled: true},
	StatusSent:          {StatusOverdue: true, StatusCancelled: true},
	StatusPartiallyPaid: {StatusOverdue: true, StatusCancelled: true},
	StatusOverdue:       {StatusCancelled: true},
	StatusPaid:          {StatusRefunded: true},
	StatusCancelled:     {StatusDraft: true},
	StatusRefunded:      {},
}

// derivedStatuses are reached only through payments and refunds.
var derivedStatuses = map[Status]bool{
	StatusPartiallyPaid: true, StatusPaid: true, StatusRefunded: true,
}

// closedForPayment statuses reject new payments.
var closedForPayment = map[Status]bool{StatusCancelled: true, StatusRefunded: true}

// CanTransition reports whether an explicit status change from -> to is
// allowed. Derived statuses are never explicit targets.
func CanTransition(from, to Status) bool {
	return !derivedStatuses[to] && transitions[from][to]
}

// Epsilon is the rounding tolerance for payments against the balance due.
var Epsilon = decimal.New(1, -2)

// FormatNumber renders the n-th invoice number of a tenant.
func FormatNumber(n int64) string {
	return fmt.Sprintf("INV-%06d", n)
}

// Invoice maps to the invoice table. Money is fixed-point with two decimals.
type Invoice struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	TenantID   uuid.UUID       `db:"tenant_id" json:"-"`
	Number     string          `db:"number" json:"number"`
	PatientID  uuid.UUID       `db:"patient_id" json:"patient_id"`
	PlanID     *uuid.UUID      `db:"plan_id" json:"plan_id,omitempty"`
	Status     Status          `db:"status" json:"status"`
	Subtotal   decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxRate    decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	TaxAmount  decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	Discount   decimal.Decimal `db:"discount" json:"discount"`
	Total      decimal.Decimal `db:"total" json:"total"`
	PaidAmount decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	DueDate    *time.Time      `db:"due_date" json:"due_date,omitempty"`
	Notes      string          `db:"notes" json:"notes,omitempty"`
	CreatedBy  *uuid.UUID      `db:"created_by" json:"created_by,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
	Items      []InvoiceItem   `json:"items,omitempty"`
}

// BalanceDue is total minus what has been paid so far.
func (inv *Invoice) BalanceDue() decimal.Decimal {
	return inv.Total.Sub(inv.PaidAmount)
}

func (inv Invoice) MarshalJSON() ([]byte, error) {
	type alias Invoice
	return json.Marshal(struct {
		alias
		BalanceDue decimal.Decimal `json:"balance_due"`
	}{alias(inv), inv.BalanceDue()})
}

// InvoiceItem maps to the invoice_item table.
type InvoiceItem struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Position    int             `db:"position" json:"position"`
	Description string          `db:"description" json:"description"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal   decimal.Decimal `db:"line_total" json:"line_total"`
}

// Payment maps to the payment table. Amount is always positive; IsRefund
// flips its effect on the invoice's paid amount.
type Payment struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	InvoiceID  uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Method     string          `db:"method" json:"method,omitempty"`
	IsRefund   bool            `db:"is_refund" json:"is_refund"`
	Reason     string          `db:"reason" json:"reason,omitempty"`
	RecordedBy *uuid.UUID      `db:"recorded_by" json:"recorded_by,omitempty"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
}

// Signed is the payment's contribution to the paid amount.
func (p Payment) Signed() decimal.Decimal {
	if p.IsRefund {
		return p.Amount.Neg()
	}
	return p.Amount
}

// PaidTotal sums the signed effect of payments.
func PaidTotal(payments []*Payment) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.Signed())
	}
	return sum
}

type Totals struct {
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal
}

// ComputeTotals fills each item's line total and returns
// total = subtotal + subtotal*taxRate/100 - discount, rounded to cents.
func ComputeTotals(items []InvoiceItem, taxRate, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for i := range items {
		items[i].LineTotal = items[i].UnitPrice.Mul(decimal.NewFromInt(int64(items[i].Quantity))).Round(2)
		subtotal = subtotal.Add(items[i].LineTotal)
	}
	tax := subtotal.Mul(taxRate).Div(decimal.NewFromInt(100)).Round(2)
	return Totals{
		Subtotal:  subtotal,
		TaxAmount: tax,
		Total:     subtotal.Add(tax).Sub(discount.Round(2)),
	}
}

// StatusAfterPayment derives the status once a payment raised paid to paid.
func StatusAfterPayment(cur Status, paid, total decimal.Decimal) Status {
	switch {
	case paid.GreaterThanOrEqual(total):
		return StatusPaid
	case paid.IsPositive():
		return StatusPartiallyPaid
	}
	return cur
}

// StatusAfterRefund derives the status once a refund lowered paid to paid.
// A partial refund leaves CANCELLED and OVERDUE invoices where they are, so a
// cancelled invoice only reopens through DRAFT.
func StatusAfterRefund(cur Status, paid decimal.Decimal) Status {
	switch {
	case !paid.IsPositive():
		return StatusRefunded
	case cur == StatusCancelled, cur == StatusOverdue:
		return cur
	}
	return StatusPartiallyPaid
}

// PatientContact is used for payment receipts.
type PatientContact struct {
	Name  string
	Email string
}

type ItemInput struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"gte=0"`
}

type CreateInvoiceInput struct {
	PatientID uuid.UUID       `json:"patient_id" validate:"required"`
	PlanID    *uuid.UUID      `json:"plan_id"`
	Items     []ItemInput     `json:"items" validate:"min=1,dive"`
	TaxRate   decimal.Decimal `json:"tax_rate" validate:"gte=0,lte=100"`
	Discount  decimal.Decimal `json:"discount" validate:"gte=0"`
	DueDate   *time.Time      `json:"due_date"`
	Notes     string          `json:"notes" validate:"max=2000"`
}

// UpdateInvoiceInput changes only the fields that are set. A non-nil Items
// replaces all line items.
type UpdateInvoiceInput struct {
	Items    []ItemInput      `json:"items" validate:"omitempty,min=1,dive"`
	TaxRate  *decimal.Decimal `json:"tax_rate" validate:"omitempty,gte=0,lte=100"`
	Discount *decimal.Decimal `json:"discount" validate:"omitempty,gte=0"`
	DueDate  *time.Time       `json:"due_date"`
	Notes    *string          `json:"notes" validate:"omitempty,max=2000"`
}

type TransitionInput struct {
	Status Status `json:"status" validate:"required"`
}

type PaymentInput struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	Method string          `json:"method" validate:"required,max=50"`
}

type RefundInput struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	Reason string          `json:"reason" validate:"max=500"`
}

type ListFilter struct {
	PatientID *uuid.UUID
	PlanID    *uuid.UUID
	Status    Status
}

// OverdueCandidate is an invoice past its due date, found by the sweep.
type OverdueCandidate struct {
	TenantID  uuid.UUID
	InvoiceID uuid.UUID
}
