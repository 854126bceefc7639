package billing

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

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) (*db.Scoped, error) {
	return db.Scope(ctx, r.pool)
}

const invoiceCols = `id, tenant_id, number, patient_id, plan_id, status,
	subtotal, tax_rate, tax_amount, discount, total, paid_amount,
	due_date, notes, created_by, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.Number, &inv.PatientID, &inv.PlanID, &inv.Status,
		&inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.Discount, &inv.Total, &inv.PaidAmount,
		&inv.DueDate, &inv.Notes, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("invoice")
	}
	if err != nil {
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	return &inv, nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	inv.ID = uuid.New()
	inv.TenantID = q.TenantID()
	err = q.QueryRow(ctx, `
		INSERT INTO invoice (tenant_id, id, number, patient_id, plan_id, status,
			subtotal, tax_rate, tax_amount, discount, total, paid_amount, due_date, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		inv.ID, inv.Number, inv.PatientID, inv.PlanID, inv.Status,
		inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Discount, inv.Total, inv.PaidAmount,
		inv.DueDate, inv.Notes, inv.CreatedBy).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return r.insertItems(ctx, q, inv.ID, inv.Items)
}

func (r *invoiceRepoPG) insertItems(ctx context.Context, q *db.Scoped, invoiceID uuid.UUID, items []InvoiceItem) error {
	for i := range items {
		it := &items[i]
		it.ID = uuid.New()
		it.InvoiceID = invoiceID
		it.Position = i
		_, err := q.Exec(ctx, `
			INSERT INTO invoice_item (tenant_id, id, invoice_id, position, description, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, it.InvoiceID, it.Position, it.Description, it.Quantity, it.UnitPrice, it.LineTotal)
		if err != nil {
			return fmt.Errorf("insert invoice item: %w", err)
		}
	}
	return nil
}

func (r *invoiceRepoPG) loadItems(ctx context.Context, q *db.Scoped, inv *Invoice) error {
	rows, err := q.Query(ctx, `
		SELECT id, invoice_id, position, description, quantity, unit_price, line_total
		FROM invoice_item WHERE tenant_id = $1 AND invoice_id = $2 ORDER BY position`, inv.ID)
	if err != nil {
		return fmt.Errorf("list invoice items: %w", err)
	}
	defer rows.Close()
	inv.Items = nil
	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Position, &it.Description, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return fmt.Errorf("scan invoice item: %w", err)
		}
		inv.Items = append(inv.Items, it)
	}
	return rows.Err()
}

func (r *invoiceRepoPG) get(ctx context.Context, id uuid.UUID, lock bool) (*Invoice, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + invoiceCols + ` FROM invoice WHERE tenant_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, q, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, id, false)
}

func (r *invoiceRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, id, true)
}

func (r *invoiceRepoPG) Update(ctx context.Context, inv *Invoice) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		UPDATE invoice SET status=$3, subtotal=$4, tax_rate=$5, tax_amount=$6, discount=$7,
			total=$8, paid_amount=$9, due_date=$10, notes=$11, updated_at=NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		inv.ID, inv.Status, inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Discount,
		inv.Total, inv.PaidAmount, inv.DueDate, inv.Notes).Scan(&inv.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFoundf("invoice")
	}
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	return nil
}

func (r *invoiceRepoPG) ReplaceItems(ctx context.Context, invoiceID uuid.UUID, items []InvoiceItem) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, `DELETE FROM invoice_item WHERE tenant_id = $1 AND invoice_id = $2`, invoiceID); err != nil {
		return fmt.Errorf("clear invoice items: %w", err)
	}
	return r.insertItems(ctx, q, invoiceID, items)
}

func (r *invoiceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM invoice WHERE tenant_id = $1 AND id = $2`, id)
	if err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("invoice")
	}
	return nil
}

func (r *invoiceRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error) {
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
	if f.PlanID != nil {
		where += fmt.Sprintf(` AND plan_id = $%d`, idx)
		args = append(args, *f.PlanID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM invoice`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}

	query := `SELECT ` + invoiceCols + ` FROM invoice` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, number DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

func (r *invoiceRepoPG) NextNumber(ctx context.Context) (string, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return "", err
	}
	var n int64
	err = q.QueryRow(ctx, `
		INSERT INTO tenant_counter (tenant_id, name, value) VALUES ($1, 'invoice', 1)
		ON CONFLICT (tenant_id, name) DO UPDATE SET value = tenant_counter.value + 1
		RETURNING value`).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("allocate invoice number: %w", err)
	}
	return FormatNumber(n), nil
}

func (r *invoiceRepoPG) PatientContact(ctx context.Context, patientID uuid.UUID) (*PatientContact, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	var pc PatientContact
	err = q.QueryRow(ctx, `
		SELECT first_name || ' ' || last_name, email
		FROM patient WHERE tenant_id = $1 AND id = $2`, patientID).Scan(&pc.Name, &pc.Email)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("patient")
	}
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	return &pc, nil
}

func (r *invoiceRepoPG) PlanPatient(ctx context.Context, planID uuid.UUID) (uuid.UUID, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var patientID uuid.UUID
	err = q.QueryRow(ctx, `SELECT patient_id FROM treatment_plan WHERE tenant_id = $1 AND id = $2`, planID).Scan(&patientID)
	if db.IsNoRows(err) {
		return uuid.Nil, apperr.NotFoundf("treatment plan")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("plan lookup: %w", err)
	}
	return patientID, nil
}

func (r *invoiceRepoPG) PlanLineDescriptions(ctx context.Context, planID uuid.UUID) ([]string, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT ii.description
		FROM invoice_item ii
		JOIN invoice i ON i.tenant_id = ii.tenant_id AND i.id = ii.invoice_id
		WHERE ii.tenant_id = $1 AND i.plan_id = $2`, planID)
	if err != nil {
		return nil, fmt.Errorf("plan invoice lines: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *invoiceRepoPG) AddPayment(ctx context.Context, p *Payment) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	p.ID = uuid.New()
	err = q.QueryRow(ctx, `
		INSERT INTO payment (tenant_id, id, invoice_id, amount, method, is_refund, reason, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING recorded_at`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.IsRefund, p.Reason, p.RecordedBy).Scan(&p.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *invoiceRepoPG) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, invoice_id, amount, method, is_refund, reason, recorded_by, recorded_at
		FROM payment WHERE tenant_id = $1 AND invoice_id = $2 ORDER BY recorded_at, id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.IsRefund, &p.Reason, &p.RecordedBy, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

type overdueFinderPG struct{ pool *pgxpool.Pool }

func NewOverdueFinderPG(pool *pgxpool.Pool) OverdueFinder { return &overdueFinderPG{pool: pool} }

func (f *overdueFinderPG) OverdueCandidates(ctx context.Context, asOf time.Time) ([]OverdueCandidate, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT tenant_id, id FROM invoice
		WHERE status IN ('SENT', 'PARTIALLY_PAID') AND due_date < $1::date
		ORDER BY tenant_id, due_date`, asOf)
	if err != nil {
		return nil, fmt.Errorf("overdue candidates: %w", err)
	}
	defer rows.Close()
	var out []OverdueCandidate
	for rows.Next() {
		var c OverdueCandidate
		if err := rows.Scan(&c.TenantID, &c.InvoiceID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
