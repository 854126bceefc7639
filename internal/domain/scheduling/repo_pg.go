package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/db"
)

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) (*db.Scoped, error) {
	return db.Scope(ctx, r.pool)
}

const apptCols = `id, tenant_id, patient_id, practitioner_id, starts_at, ends_at,
	status, reason, notes, created_by, created_at, updated_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.TenantID, &a.PatientID, &a.PractitionerID, &a.StartsAt, &a.EndsAt,
		&a.Status, &a.Reason, &a.Notes, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("appointment")
	}
	if err != nil {
		return nil, fmt.Errorf("scan appointment: %w", err)
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	a.ID = uuid.New()
	a.TenantID = q.TenantID()
	err = q.QueryRow(ctx, `
		INSERT INTO appointment (tenant_id, id, patient_id, practitioner_id, starts_at, ends_at,
			status, reason, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.PractitionerID, a.StartsAt, a.EndsAt,
		a.Status, a.Reason, a.Notes, a.CreatedBy).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	return r.scanAppt(q.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE tenant_id = $1 AND id = $2`, id))
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	return r.scanAppt(q.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		UPDATE appointment SET practitioner_id=$3, starts_at=$4, ends_at=$5, status=$6,
			reason=$7, notes=$8, updated_at=NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		a.ID, a.PractitionerID, a.StartsAt, a.EndsAt, a.Status, a.Reason, a.Notes).Scan(&a.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFoundf("appointment")
	}
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM appointment WHERE tenant_id = $1 AND id = $2`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("appointment")
	}
	return nil
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, 0, err
	}
	where := ` WHERE tenant_id = $1`
	var args []interface{}
	idx := 2

	if f.PractitionerID != nil {
		where += fmt.Sprintf(` AND practitioner_id = $%d`, idx)
		args = append(args, *f.PractitionerID)
		idx++
	}
	if f.PatientID != nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND ends_at > $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND starts_at < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	query := `SELECT ` + apptCols + ` FROM appointment` + where +
		fmt.Sprintf(` ORDER BY starts_at, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) HasOverlap(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	var found bool
	err = q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment
			WHERE tenant_id = $1 AND practitioner_id = $2
			  AND starts_at < $4 AND ends_at > $3
			  AND status NOT IN ('CANCELLED', 'NO_SHOW')
			  AND ($5::uuid IS NULL OR id <> $5::uuid)
		)`, practitionerID, start, end, exclude).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("overlap query: %w", err)
	}
	return found, nil
}

func (r *appointmentRepoPG) LockPractitioner(ctx context.Context, practitionerID uuid.UUID) error {
	return db.AdvisoryXactLock(ctx, "appointment:"+db.TenantFromContext(ctx).String()+":"+practitionerID.String())
}

func (r *appointmentRepoPG) PatientContact(ctx context.Context, patientID uuid.UUID) (*PatientContact, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	var pc PatientContact
	err = q.QueryRow(ctx, `
		SELECT p.first_name || ' ' || p.last_name, p.email, p.phone, t.name, t.timezone
		FROM patient p JOIN tenant t ON t.id = p.tenant_id
		WHERE p.tenant_id = $1 AND p.id = $2`, patientID).Scan(&pc.Name, &pc.Email, &pc.Phone, &pc.Clinic, &pc.Timezone)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("patient")
	}
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	return &pc, nil
}

func (r *appointmentRepoPG) PractitionerExists(ctx context.Context, practitionerID uuid.UUID) (bool, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	var found bool
	err = q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM practitioner_profile pp
			JOIN membership m ON m.tenant_id = pp.tenant_id AND m.id = pp.membership_id
			WHERE pp.tenant_id = $1 AND pp.id = $2 AND m.active
		)`, practitionerID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("practitioner lookup: %w", err)
	}
	return found, nil
}
