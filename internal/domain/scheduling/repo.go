package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppointmentRepository reads and writes appointments of the tenant bound to
// ctx. Rows of other tenants behave as if they did not exist.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)

	// HasOverlap reports whether an occupying appointment of the practitioner
	// intersects [start, end). exclude, when set, is ignored.
	HasOverlap(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error)
	// LockPractitioner serialises check-and-write on one practitioner's
	// calendar for the rest of the transaction.
	LockPractitioner(ctx context.Context, practitionerID uuid.UUID) error

	PatientContact(ctx context.Context, patientID uuid.UUID) (*PatientContact, error)
	PractitionerExists(ctx context.Context, practitionerID uuid.UUID) (bool, error)
}
