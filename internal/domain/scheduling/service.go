package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/validate"
)

type Service struct {
	appointments AppointmentRepository
	tx           db.Transactor
	events       events.Publisher
}

func NewService(appt AppointmentRepository, tx db.Transactor, pub events.Publisher) *Service {
	return &Service{appointments: appt, tx: tx, events: pub}
}

func checkInterval(start, end time.Time) error {
	if !end.After(start) {
		return apperr.Invalid("ends_at", "must be after starts_at")
	}
	return nil
}

// HasConflict reports whether [start, end) collides with an occupying
// appointment of the practitioner. exclude skips the appointment being edited.
func (s *Service) HasConflict(ctx context.Context, p *auth.Principal, practitionerID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	ctx, err := auth.Authorize(ctx, p, auth.AppointmentsRead)
	if err != nil {
		return false, err
	}
	if err := checkInterval(start, end); err != nil {
		return false, err
	}
	return s.appointments.HasOverlap(ctx, practitionerID, start.UTC(), end.UTC(), exclude)
}

// reserve takes the practitioner's calendar lock and fails if a's interval is
// taken. It must run inside the transaction that writes a.
func (s *Service) reserve(ctx context.Context, a *Appointment) error {
	if a.PractitionerID == nil || !a.Occupies() {
		return nil
	}
	if err := s.appointments.LockPractitioner(ctx, *a.PractitionerID); err != nil {
		return err
	}
	var exclude *uuid.UUID
	if a.ID != uuid.Nil {
		exclude = &a.ID
	}
	taken, err := s.appointments.HasOverlap(ctx, *a.PractitionerID, a.StartsAt, a.EndsAt, exclude)
	if err != nil {
		return err
	}
	if taken {
		return apperr.New(apperr.DoubleBooked, "practitioner already has an appointment in this time slot")
	}
	return nil
}

func (s *Service) checkPractitioner(ctx context.Context, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	ok, err := s.appointments.PractitionerExists(ctx, *id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFoundf("practitioner")
	}
	return nil
}

func (s *Service) CreateAppointment(ctx context.Context, p *auth.Principal, in CreateAppointmentInput) (*Appointment, error) {
	ctx, err := auth.Authorize(ctx, p, auth.AppointmentsWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if err := checkInterval(in.StartsAt, in.EndsAt); err != nil {
		return nil, err
	}

	author := p.UserID()
	a := &Appointment{
		PatientID:      in.PatientID,
		PractitionerID: in.PractitionerID,
		StartsAt:       in.StartsAt.UTC(),
		EndsAt:         in.EndsAt.UTC(),
		Status:         StatusScheduled,
		Reason:         in.Reason,
		Notes:          in.Notes,
		CreatedBy:      &author,
	}
	var contact *PatientContact
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.appointments.PatientContact(ctx, a.PatientID)
		if err != nil {
			return err
		}
		contact = c
		if err := s.checkPractitioner(ctx, a.PractitionerID); err != nil {
			return err
		}
		if err := s.reserve(ctx, a); err != nil {
			return err
		}
		return s.appointments.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	evt := s.event(p, "appointment.created", a, nil)
	evt.Notify = confirmation(contact, a)
	s.events.Publish(ctx, evt)
	return a, nil
}

func (s *Service) GetAppointment(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Appointment, error) {
	ctx, err := auth.Authorize(ctx, p, auth.AppointmentsRead)
	if err != nil {
		return nil, err
	}
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, p *auth.Principal, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	ctx, err := auth.Authorize(ctx, p, auth.AppointmentsRead)
	if err != nil {
		return nil, 0, err
	}
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, apperr.Invalid("status", "unknown appointment status")
	}
	if f.From != nil && f.To != nil && !f.To.After(*f.From) {
		return nil, 0, apperr.Invalid("to", "must be after from")
	}
	return s.appointments.List(ctx, f, limit, offset)
}

// UpdateAppointment reschedules, reassigns or annotates an appointment.
// Terminal appointments are frozen; only SCHEDULED and CONFIRMED ones can move.
func (s *Service) UpdateAppointment(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdateAppointmentInput) (*Appointment, error) {
	ctx, err := auth.Authorize(ctx, p, auth.AppointmentsWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}

	var a *Appointment
	moved := false
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Terminal() {
			return apperr.Newf(apperr.ImmutableState, "appointment is %s", cur.Status)
		}

		next := *cur
		if in.StartsAt != nil {
			next.StartsAt = in.StartsAt.UTC()
		}
		if in.EndsAt != nil {
			next.EndsAt = in.EndsAt.UTC()
		}
		if in.PractitionerID != nil {
			pid := *in.PractitionerID
			next.PractitionerID = &pid
		}
		if in.Reason != nil {
			next.Reason = *in.Reason
		}
		if in.Notes != nil {
			next.Notes = *in.Notes
		}

		moved = !next.StartsAt.Equal(cur.StartsAt) || !next.EndsAt.Equal(cur.EndsAt) ||
			!samePractitioner(next.PractitionerID, cur.PractitionerID)
		if moved {
			if !cur.Editable() {
				return apperr.Newf(apperr.ImmutableState, "appointment is %s and cannot be rescheduled", cur.Status)
			}
			if err := checkInterval(next.StartsAt, next.EndsAt); err != nil {
				return err
			}
			if !samePractitioner(next.PractitionerID, cur.PractitionerID) {
				if err := s.checkPractitioner(ctx, next.PractitionerID); err != nil {
					return err
				}
			}
			if err := s.reserve(ctx, &next); err != nil {
				return err
			}
		}
		if err := s.appointments.Update(ctx, &next); err != nil {
			return err
		}
		a = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, s.event(p, "appointment.updated", a, map[string]any{"rescheduled": moved}))
	return a, nil
}

// TransitionAppointment moves an appointment along the status table.
// Reopening a cancelled appointment re-checks its slot.
func (s *Service) TransitionAppointment(ctx context.Context, p *auth.Principal, id uuid.UUID, in TransitionInput) (*Appointment, error) {
	ctx, err := auth.Authorize(ctx, p, auth.AppointmentsWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if !validStatuses[in.Status] {
		return nil, apperr.Invalid("status", "unknown appointment status")
	}

	var a *Appointment
	var from Status
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = cur.Status
		if !CanTransition(cur.Status, in.Status) {
			return apperr.Newf(apperr.InvalidTransition, "cannot move appointment from %s to %s", cur.Status, in.Status)
		}
		wasFree := !cur.Occupies()
		cur.Status = in.Status
		if wasFree && cur.Occupies() {
			if err := s.reserve(ctx, cur); err != nil {
				return err
			}
		}
		if err := s.appointments.Update(ctx, cur); err != nil {
			return err
		}
		a = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, s.event(p, "appointment.status_changed", a, map[string]any{"from": from, "to": a.Status}))
	return a, nil
}

func (s *Service) DeleteAppointment(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	ctx, err := auth.Authorize(ctx, p, auth.AppointmentsWrite)
	if err != nil {
		return err
	}
	var a *Appointment
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		a = cur
		return s.appointments.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.events.Publish(ctx, s.event(p, "appointment.deleted", a, nil))
	return nil
}

func (s *Service) event(p *auth.Principal, action string, a *Appointment, meta map[string]any) events.Event {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["starts_at"] = a.StartsAt.Format(time.RFC3339)
	if a.PractitionerID != nil {
		meta["practitioner_id"] = a.PractitionerID.String()
	}
	return events.Event{
		TenantID: p.TenantID(),
		ActorID:  p.UserID(),
		Action:   action,
		Entity:   "appointment",
		EntityID: a.ID.String(),
		Metadata: meta,
	}
}

// confirmation builds the booking message, preferring email over WhatsApp.
// Times are shown in the clinic's timezone.
func confirmation(c *PatientContact, a *Appointment) *notification.Notification {
	if c == nil {
		return nil
	}
	n := &notification.Notification{TemplateID: "appointment-confirmation"}
	switch {
	case c.Email != "":
		n.Channel, n.Recipient = notification.ChannelEmail, c.Email
	case c.Phone != "":
		n.Channel, n.Recipient = notification.ChannelWhatsApp, c.Phone
	default:
		return nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil || c.Timezone == "" {
		loc = time.UTC
	}
	local := a.StartsAt.In(loc)
	n.Data = map[string]string{
		"clinic":       c.Clinic,
		"patient_name": c.Name,
		"date":         local.Format("2006-01-02"),
		"time":         local.Format("15:04"),
	}
	return n
}

func samePractitioner(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
