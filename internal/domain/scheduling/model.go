package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Appointment maps to the appointment table. The interval is half-open:
// [StartsAt, EndsAt).
type Appointment struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	TenantID       uuid.UUID  `db:"tenant_id" json:"-"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	PractitionerID *uuid.UUID `db:"practitioner_id" json:"practitioner_id,omitempty"`
	StartsAt       time.Time  `db:"starts_at" json:"starts_at"`
	EndsAt         time.Time  `db:"ends_at" json:"ends_at"`
	Status         Status     `db:"status" json:"status"`
	Reason         string     `db:"reason" json:"reason,omitempty"`
	Notes          string     `db:"notes" json:"notes,omitempty"`
	CreatedBy      *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

var validStatuses = map[Status]bool{
	StatusScheduled: true, StatusConfirmed: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true, StatusNoShow: true,
}

// transitions lists the statuses reachable from each status. CANCELLED may be
// reopened; the reopened slot is checked for conflicts again.
var transitions = map[Status]map[Status]bool{
	StatusScheduled:  {StatusConfirmed: true, StatusInProgress: true, StatusCancelled: true, StatusNoShow: true},
	StatusConfirmed:  {StatusInProgress: true, StatusCancelled: true, StatusNoShow: true},
	StatusInProgress: {StatusCompleted: true},
	StatusCancelled:  {StatusScheduled: true},
	StatusNoShow:     {},
	StatusCompleted:  {},
}

// freeStatuses do not occupy the practitioner's calendar.
var freeStatuses = map[Status]bool{StatusCancelled: true, StatusNoShow: true}

func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Occupies reports whether the appointment blocks its slot.
func (a *Appointment) Occupies() bool {
	return !freeStatuses[a.Status]
}

// Terminal appointments accept no further changes.
func (a *Appointment) Terminal() bool {
	return len(transitions[a.Status]) == 0
}

// Editable appointments can still be rescheduled or reassigned.
func (a *Appointment) Editable() bool {
	return a.Status == StatusScheduled || a.Status == StatusConfirmed
}

// Overlaps is the half-open interval test: touching intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// PatientContact is what the confirmation message needs about the patient
// and the clinic they booked with.
type PatientContact struct {
	Name     string
	Email    string
	Phone    string
	Clinic   string
	Timezone string
}

type CreateAppointmentInput struct {
	PatientID      uuid.UUID  `json:"patient_id" validate:"required"`
	PractitionerID *uuid.UUID `json:"practitioner_id"`
	StartsAt       time.Time  `json:"starts_at" validate:"required"`
	EndsAt         time.Time  `json:"ends_at" validate:"required"`
	Reason         string     `json:"reason" validate:"max=500"`
	Notes          string     `json:"notes" validate:"max=2000"`
}

// UpdateAppointmentInput changes only the fields that are set.
type UpdateAppointmentInput struct {
	PractitionerID *uuid.UUID `json:"practitioner_id"`
	StartsAt       *time.Time `json:"starts_at"`
	EndsAt         *time.Time `json:"ends_at"`
	Reason         *string    `json:"reason" validate:"omitempty,max=500"`
	Notes          *string    `json:"notes" validate:"omitempty,max=2000"`
}

type TransitionInput struct {
	Status Status `json:"status" validate:"required"`
}

// ListFilter narrows ListAppointments. Zero values mean "any".
type ListFilter struct {
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Status         Status
	From           *time.Time
	To             *time.Time
}
