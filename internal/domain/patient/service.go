// Package patient keeps the clinic's patient register.
package patient

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/validate"
)

type Service struct {
	repo   Repository
	tx     db.Transactor
	events events.Publisher
	now    func() time.Time
}

func NewService(repo Repository, tx db.Transactor, pub events.Publisher) *Service {
	return &Service{repo: repo, tx: tx, events: pub, now: time.Now}
}

// birthDate parses an optional YYYY-MM-DD value. Future dates are rejected.
func (s *Service) birthDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, apperr.Invalid("birth_date", "must be a date (YYYY-MM-DD)")
	}
	if d.After(s.now()) {
		return nil, apperr.Invalid("birth_date", "must not be in the future")
	}
	return &d, nil
}

func (s *Service) Create(ctx context.Context, p *auth.Principal, in CreateInput) (*Patient, error) {
	ctx, err := auth.Authorize(ctx, p, auth.PatientsWrite)
	if err != nil {
		return nil, err
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	dob, err := s.birthDate(in.BirthDate)
	if err != nil {
		return nil, err
	}
	pt := &Patient{
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Phone:     strings.TrimSpace(in.Phone),
		Email:     in.Email,
		BirthDate: dob,
		Notes:     in.Notes,
	}
	if err := s.repo.Create(ctx, pt); err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "patient.created", pt.ID))
	return pt, nil
}

func (s *Service) Get(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Patient, error) {
	ctx, err := auth.Authorize(ctx, p, auth.PatientsRead)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, p *auth.Principal, f ListFilter, limit, offset int) ([]*Patient, int, error) {
	ctx, err := auth.Authorize(ctx, p, auth.PatientsRead)
	if err != nil {
		return nil, 0, err
	}
	f.Search = strings.TrimSpace(f.Search)
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) Update(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdateInput) (*Patient, error) {
	ctx, err := auth.Authorize(ctx, p, auth.PatientsWrite)
	if err != nil {
		return nil, err
	}
	if in.Email != nil {
		e := strings.ToLower(strings.TrimSpace(*in.Email))
		in.Email = &e
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	var dob *time.Time
	if in.BirthDate != nil {
		if dob, err = s.birthDate(*in.BirthDate); err != nil {
			return nil, err
		}
	}

	var pt *Patient
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if in.FirstName != nil {
			cur.FirstName = strings.TrimSpace(*in.FirstName)
		}
		if in.LastName != nil {
			cur.LastName = strings.TrimSpace(*in.LastName)
		}
		if in.Phone != nil {
			cur.Phone = strings.TrimSpace(*in.Phone)
		}
		if in.Email != nil {
			cur.Email = *in.Email
		}
		if in.BirthDate != nil {
			cur.BirthDate = dob
		}
		if in.Notes != nil {
			cur.Notes = *in.Notes
		}
		if err := s.repo.Update(ctx, cur); err != nil {
			return err
		}
		pt = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "patient.updated", pt.ID))
	return pt, nil
}

// Delete removes the patient with their appointments, plans and invoices.
func (s *Service) Delete(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	ctx, err := auth.Authorize(ctx, p, auth.PatientsDelete)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.events.Publish(ctx, s.event(p, "patient.deleted", id))
	return nil
}

// Audit entries carry no patient details.
func (s *Service) event(p *auth.Principal, action string, id uuid.UUID) events.Event {
	return events.Event{
		TenantID: p.TenantID(),
		ActorID:  p.UserID(),
		Action:   action,
		Entity:   "patient",
		EntityID: id.String(),
	}
}
