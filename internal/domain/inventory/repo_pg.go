package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/db"
)

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository { return &itemRepoPG{pool: pool} }

func (r *itemRepoPG) conn(ctx context.Context) (*db.Scoped, error) {
	return db.Scope(ctx, r.pool)
}

const itemCols = `id, tenant_id, name, sku, unit, unit_cost, current_stock, min_stock, created_at, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.TenantID, &it.Name, &it.SKU, &it.Unit, &it.UnitCost,
		&it.CurrentStock, &it.MinStock, &it.CreatedAt, &it.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("inventory item")
	}
	if err != nil {
		return nil, fmt.Errorf("scan inventory item: %w", err)
	}
	return &it, nil
}

func (r *itemRepoPG) Create(ctx context.Context, it *Item) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	it.ID = uuid.New()
	it.TenantID = q.TenantID()
	err = q.QueryRow(ctx, `
		INSERT INTO inventory_item (tenant_id, id, name, sku, unit, unit_cost, current_stock, min_stock)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		it.ID, it.Name, it.SKU, it.Unit, it.UnitCost, it.CurrentStock, it.MinStock).Scan(&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert inventory item: %w", err)
	}
	return nil
}

func (r *itemRepoPG) get(ctx context.Context, id uuid.UUID, lock bool) (*Item, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + itemCols + ` FROM inventory_item WHERE tenant_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanItem(q.QueryRow(ctx, query, id))
}

func (r *itemRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	return r.get(ctx, id, false)
}

func (r *itemRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Item, error) {
	return r.get(ctx, id, true)
}

func (r *itemRepoPG) Update(ctx context.Context, it *Item) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		UPDATE inventory_item SET name=$3, sku=$4, unit=$5, unit_cost=$6,
			current_stock=$7, min_stock=$8, updated_at=NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		it.ID, it.Name, it.SKU, it.Unit, it.UnitCost, it.CurrentStock, it.MinStock).Scan(&it.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFoundf("inventory item")
	}
	if err != nil {
		return fmt.Errorf("update inventory item: %w", err)
	}
	return nil
}

func (r *itemRepoPG) list(ctx context.Context, where string, args []any, order string, limit, offset int) ([]*Item, int, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_item`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count inventory items: %w", err)
	}

	idx := len(args) + 2
	query := `SELECT ` + itemCols + ` FROM inventory_item` + where +
		fmt.Sprintf(` ORDER BY %s LIMIT $%d OFFSET $%d`, order, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list inventory items: %w", err)
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func (r *itemRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Item, int, error) {
	where := ` WHERE tenant_id = $1`
	var args []any
	if f.Search != "" {
		where += ` AND (name ILIKE $2 OR sku ILIKE $2)`
		args = append(args, "%"+f.Search+"%")
	}
	return r.list(ctx, where, args, `name, id`, limit, offset)
}

func (r *itemRepoPG) ListLowStock(ctx context.Context, limit, offset int) ([]*Item, int, error) {
	return r.list(ctx, ` WHERE tenant_id = $1 AND current_stock <= min_stock`, nil,
		`current_stock - min_stock, name`, limit, offset)
}

func (r *itemRepoPG) AddMovement(ctx context.Context, m *Movement) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	m.ID = uuid.New()
	err = q.QueryRow(ctx, `
		INSERT INTO stock_movement (tenant_id, id, item_id, type, quantity, stock_after, note, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING recorded_at`,
		m.ID, m.ItemID, m.Type, m.Quantity, m.StockAfter, m.Note, m.RecordedBy).Scan(&m.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

func (r *itemRepoPG) ListMovements(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*Movement, int, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, 0, err
	}
	var total int
	err = q.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movement WHERE tenant_id = $1 AND item_id = $2`, itemID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count stock movements: %w", err)
	}
	rows, err := q.Query(ctx, `
		SELECT id, item_id, type, quantity, stock_after, note, recorded_by, recorded_at
		FROM stock_movement WHERE tenant_id = $1 AND item_id = $2
		ORDER BY recorded_at DESC, id LIMIT $3 OFFSET $4`, itemID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()
	var out []*Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.ItemID, &m.Type, &m.Quantity, &m.StockAfter, &m.Note, &m.RecordedBy, &m.RecordedAt); err != nil {
			return nil, 0, fmt.Errorf("scan stock movement: %w", err)
		}
		out = append(out, &m)
	}
	return out, total, rows.Err()
}

func (r *itemRepoPG) AlertRecipient(ctx context.Context) (string, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return "", err
	}
	var email string
	err = q.QueryRow(ctx, `
		SELECT i.email
		FROM membership m
		JOIN role ro ON ro.tenant_id = m.tenant_id AND ro.id = m.role_id
		JOIN identity i ON i.id = m.identity_id
		WHERE m.tenant_id = $1 AND m.active AND ro.name = 'Owner'
		ORDER BY m.created_at LIMIT 1`).Scan(&email)
	if db.IsNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("alert recipient: %w", err)
	}
	return email, nil
}
