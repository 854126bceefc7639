package patient

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) (*db.Scoped, error) {
	return db.Scope(ctx, r.pool)
}

const patientCols = `id, tenant_id, first_name, last_name, phone, email, birth_date, notes, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.TenantID, &p.FirstName, &p.LastName, &p.Phone, &p.Email,
		&p.BirthDate, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("patient")
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	p.ID = uuid.New()
	p.TenantID = q.TenantID()
	err = q.QueryRow(ctx, `
		INSERT INTO patient (tenant_id, id, first_name, last_name, phone, email, birth_date, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		p.ID, p.FirstName, p.LastName, p.Phone, p.Email, p.BirthDate, p.Notes).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	return scanPatient(q.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE tenant_id = $1 AND id = $2`, id))
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		UPDATE patient SET first_name=$3, last_name=$4, phone=$5, email=$6, birth_date=$7, notes=$8, updated_at=NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		p.ID, p.FirstName, p.LastName, p.Phone, p.Email, p.BirthDate, p.Notes).Scan(&p.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFoundf("patient")
	}
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM patient WHERE tenant_id = $1 AND id = $2`, id)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("patient")
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Patient, int, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, 0, err
	}
	where := ` WHERE tenant_id = $1`
	var args []any
	if f.Search != "" {
		where += ` AND (first_name ILIKE $2 OR last_name ILIKE $2 OR phone ILIKE $2 OR email ILIKE $2)`
		args = append(args, "%"+f.Search+"%")
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM patient`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	idx := len(args) + 2
	query := `SELECT ` + patientCols + ` FROM patient` + where +
		fmt.Sprintf(` ORDER BY last_name, first_name, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()
	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}
