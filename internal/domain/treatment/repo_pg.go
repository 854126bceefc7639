package treatment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/db"
)

type planRepoPG struct{ pool *pgxpool.Pool }

func NewPlanRepoPG(pool *pgxpool.Pool) PlanRepository { return &planRepoPG{pool: pool} }

func (r *planRepoPG) conn(ctx context.Context) (*db.Scoped, error) {
	return db.Scope(ctx, r.pool)
}

const planCols = `id, tenant_id, patient_id, title, notes, status, created_by, created_at, updated_at`

const itemCols = `id, plan_id, position, procedure, tooth, cost, discount, status,
	completed_date, created_at, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.TenantID, &p.PatientID, &p.Title, &p.Notes, &p.Status,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("treatment plan")
	}
	if err != nil {
		return nil, fmt.Errorf("scan treatment plan: %w", err)
	}
	return &p, nil
}

func (r *planRepoPG) Create(ctx context.Context, p *Plan) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	p.ID = uuid.New()
	p.TenantID = q.TenantID()
	err = q.QueryRow(ctx, `
		INSERT INTO treatment_plan (tenant_id, id, patient_id, title, notes, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.Title, p.Notes, p.Status, p.CreatedBy).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert treatment plan: %w", err)
	}
	for i := range p.Items {
		p.Items[i].PlanID = p.ID
		if err := r.insertItem(ctx, q, &p.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *planRepoPG) insertItem(ctx context.Context, q *db.Scoped, it *Item) error {
	it.ID = uuid.New()
	err := q.QueryRow(ctx, `
		INSERT INTO treatment_item (tenant_id, id, plan_id, position, procedure, tooth, cost, discount, status, completed_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		it.ID, it.PlanID, it.Position, it.Procedure, it.Tooth, it.Cost, it.Discount, it.Status, it.CompletedDate,
	).Scan(&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert treatment item: %w", err)
	}
	return nil
}

func (r *planRepoPG) loadItems(ctx context.Context, q *db.Scoped, p *Plan) error {
	rows, err := q.Query(ctx, `SELECT `+itemCols+` FROM treatment_item
		WHERE tenant_id = $1 AND plan_id = $2 ORDER BY position, created_at`, p.ID)
	if err != nil {
		return fmt.Errorf("list treatment items: %w", err)
	}
	defer rows.Close()
	p.Items = []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.PlanID, &it.Position, &it.Procedure, &it.Tooth, &it.Cost, &it.Discount,
			&it.Status, &it.CompletedDate, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return fmt.Errorf("scan treatment item: %w", err)
		}
		p.Items = append(p.Items, it)
	}
	return rows.Err()
}

func (r *planRepoPG) get(ctx context.Context, id uuid.UUID, lock bool) (*Plan, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + planCols + ` FROM treatment_plan WHERE tenant_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPlan(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, q, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *planRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return r.get(ctx, id, false)
}

func (r *planRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return r.get(ctx, id, true)
}

func (r *planRepoPG) Update(ctx context.Context, p *Plan) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		UPDATE treatment_plan SET title=$3, notes=$4, status=$5, updated_at=NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		p.ID, p.Title, p.Notes, p.Status).Scan(&p.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFoundf("treatment plan")
	}
	if err != nil {
		return fmt.Errorf("update treatment plan: %w", err)
	}
	return nil
}

func (r *planRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM treatment_plan WHERE tenant_id = $1 AND id = $2`, id)
	if err != nil {
		return fmt.Errorf("delete treatment plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("treatment plan")
	}
	return nil
}

func (r *planRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Plan, int, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, 0, err
	}
	where := ` WHERE tenant_id = $1`
	var args []interface{}
	idx := 2

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

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM treatment_plan`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count treatment plans: %w", err)
	}

	query := `SELECT ` + planCols + ` FROM treatment_plan` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list treatment plans: %w", err)
	}
	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		plans = append(plans, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, p := range plans {
		if err := r.loadItems(ctx, q, p); err != nil {
			return nil, 0, err
		}
	}
	return plans, total, nil
}

func (r *planRepoPG) AddItem(ctx context.Context, it *Item) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	return r.insertItem(ctx, q, it)
}

func (r *planRepoPG) UpdateItem(ctx context.Context, it *Item) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		UPDATE treatment_item SET procedure=$4, tooth=$5, cost=$6, discount=$7, status=$8,
			completed_date=$9, updated_at=NOW()
		WHERE tenant_id = $1 AND plan_id = $2 AND id = $3
		RETURNING updated_at`,
		it.PlanID, it.ID, it.Procedure, it.Tooth, it.Cost, it.Discount, it.Status, it.CompletedDate,
	).Scan(&it.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFoundf("treatment item")
	}
	if err != nil {
		return fmt.Errorf("update treatment item: %w", err)
	}
	return nil
}

func (r *planRepoPG) RemoveItem(ctx context.Context, planID, itemID uuid.UUID) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM treatment_item WHERE tenant_id = $1 AND plan_id = $2 AND id = $3`, planID, itemID)
	if err != nil {
		return fmt.Errorf("delete treatment item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("treatment item")
	}
	return nil
}

func (r *planRepoPG) PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	var found bool
	err = q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient WHERE tenant_id = $1 AND id = $2)`, patientID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("patient lookup: %w", err)
	}
	return found, nil
}
