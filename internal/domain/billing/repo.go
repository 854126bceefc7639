package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InvoiceRepository is scoped to the tenant bound to ctx.
type InvoiceRepository interface {
	// Create inserts the invoice and its items.
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetForUpdate loads the invoice with its items and locks the invoice row
	// until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// Update writes the header: status, totals, paid amount, due date, notes.
	Update(ctx context.Context, inv *Invoice) error
	ReplaceItems(ctx context.Context, invoiceID uuid.UUID, items []InvoiceItem) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error)

	// NextNumber allocates the next invoice number of the tenant.
	NextNumber(ctx context.Context) (string, error)
	PatientContact(ctx context.Context, patientID uuid.UUID) (*PatientContact, error)
	// PlanPatient returns the patient a treatment plan belongs to.
	PlanPatient(ctx context.Context, planID uuid.UUID) (uuid.UUID, error)
	// PlanLineDescriptions returns the line descriptions of every invoice
	// linked to the plan.
	PlanLineDescriptions(ctx context.Context, planID uuid.UUID) ([]string, error)

	AddPayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

// OverdueFinder runs across tenants for the system sweep. It only reports
// candidates; every change still goes through a tenant-scoped repository.
type OverdueFinder interface {
	OverdueCandidates(ctx context.Context, asOf time.Time) ([]OverdueCandidate, error)
}
