package clinic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
)

type tenantStorePG struct{ pool *pgxpool.Pool }

func NewTenantStorePG(pool *pgxpool.Pool) TenantStore { return &tenantStorePG{pool: pool} }

func (s *tenantStorePG) CreateTenant(ctx context.Context, t *Tenant) error {
	t.ID = uuid.New()
	err := db.Platform(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO tenant (id, slug, name, timezone) VALUES ($1,$2,$3,$4)
		RETURNING created_at`, t.ID, t.Slug, t.Name, t.Timezone).Scan(&t.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Invalid("slug", "already taken")
	}
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *tenantStorePG) TenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	var t Tenant
	err := db.Platform(ctx, s.pool).QueryRow(ctx, `
		SELECT id, slug, name, timezone, created_at FROM tenant WHERE slug = $1`, slug).
		Scan(&t.ID, &t.Slug, &t.Name, &t.Timezone, &t.CreatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("tenant")
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	return &t, nil
}

func (s *tenantStorePG) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Platform(ctx, s.pool).Exec(ctx, `DELETE FROM tenant WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("tenant")
	}
	return nil
}

func (s *tenantStorePG) EnsureIdentity(ctx context.Context, email, displayName string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.Platform(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO identity (id, email, display_name) VALUES ($1, lower($2), $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id`, uuid.New(), email, displayName).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ensure identity: %w", err)
	}
	return id, nil
}

type memberRepoPG struct{ pool *pgxpool.Pool }

func NewMemberRepoPG(pool *pgxpool.Pool) MemberRepository { return &memberRepoPG{pool: pool} }

func (r *memberRepoPG) conn(ctx context.Context) (*db.Scoped, error) {
	return db.Scope(ctx, r.pool)
}

func (r *memberRepoPG) CreateRole(ctx context.Context, role *Role) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	role.ID = uuid.New()
	role.TenantID = q.TenantID()
	err = q.QueryRow(ctx, `
		INSERT INTO role (tenant_id, id, name, is_system) VALUES ($1,$2,$3,$4)
		RETURNING created_at`, role.ID, role.Name, role.IsSystem).Scan(&role.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Invalid("name", "role already exists")
	}
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	for i, code := range role.Permissions {
		_, err := q.Exec(ctx, `
			INSERT INTO role_permission (tenant_id, role_id, permission_code, position)
			VALUES ($1,$2,$3,$4)`, role.ID, string(code), i)
		if err != nil {
			return fmt.Errorf("insert role permission %s: %w", code, err)
		}
	}
	return nil
}

func (r *memberRepoPG) loadPermissions(ctx context.Context, q *db.Scoped, roles []*Role) error {
	if len(roles) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Role, len(roles))
	ids := make([]uuid.UUID, 0, len(roles))
	for _, role := range roles {
		role.Permissions = []auth.Permission{}
		byID[role.ID] = role
		ids = append(ids, role.ID)
	}
	rows, err := q.Query(ctx, `
		SELECT role_id, permission_code FROM role_permission
		WHERE tenant_id = $1 AND role_id = ANY($2)
		ORDER BY role_id, position`, ids)
	if err != nil {
		return fmt.Errorf("list role permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID uuid.UUID
		var code string
		if err := rows.Scan(&roleID, &code); err != nil {
			return fmt.Errorf("scan role permission: %w", err)
		}
		if role, ok := byID[roleID]; ok {
			role.Permissions = append(role.Permissions, auth.Permission(code))
		}
	}
	return rows.Err()
}

func (r *memberRepoPG) ListRoles(ctx context.Context) ([]*Role, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, tenant_id, name, is_system, created_at FROM role
		WHERE tenant_id = $1 ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	var roles []*Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.IsSystem, &role.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, &role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, r.loadPermissions(ctx, q, roles)
}

func (r *memberRepoPG) RoleByName(ctx context.Context, name string) (*Role, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	var role Role
	err = q.QueryRow(ctx, `
		SELECT id, tenant_id, name, is_system, created_at FROM role
		WHERE tenant_id = $1 AND name = $2`, name).
		Scan(&role.ID, &role.TenantID, &role.Name, &role.IsSystem, &role.CreatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("role")
	}
	if err != nil {
		return nil, fmt.Errorf("load role: %w", err)
	}
	if err := r.loadPermissions(ctx, q, []*Role{&role}); err != nil {
		return nil, err
	}
	return &role, nil
}

const memberSelect = `
	SELECT m.id, m.tenant_id, m.identity_id, i.email, i.display_name, m.role_id, ro.name,
		m.active, m.created_at, m.updated_at
	FROM membership m
	JOIN identity i ON i.id = m.identity_id
	JOIN role ro ON ro.tenant_id = m.tenant_id AND ro.id = m.role_id`

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	err := row.Scan(&m.ID, &m.TenantID, &m.IdentityID, &m.Email, &m.DisplayName, &m.RoleID, &m.RoleName,
		&m.Active, &m.CreatedAt, &m.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFoundf("member")
	}
	if err != nil {
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return &m, nil
}

func (r *memberRepoPG) CreateMember(ctx context.Context, m *Member) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	m.ID = uuid.New()
	m.TenantID = q.TenantID()
	err = q.QueryRow(ctx, `
		INSERT INTO membership (tenant_id, id, identity_id, role_id, active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`,
		m.ID, m.IdentityID, m.RoleID, m.Active).Scan(&m.CreatedAt, &m.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Invalid("email", "already a member of this clinic")
	}
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (r *memberRepoPG) GetMemberForUpdate(ctx context.Context, id uuid.UUID) (*Member, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	return scanMember(q.QueryRow(ctx, memberSelect+` WHERE m.tenant_id = $1 AND m.id = $2 FOR UPDATE OF m`, id))
}

func (r *memberRepoPG) UpdateMember(ctx context.Context, m *Member) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		UPDATE membership SET role_id = $3, active = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`, m.ID, m.RoleID, m.Active).Scan(&m.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFoundf("member")
	}
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	return nil
}

func (r *memberRepoPG) ListMembers(ctx context.Context, limit, offset int) ([]*Member, int, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM membership WHERE tenant_id = $1`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count members: %w", err)
	}
	rows, err := q.Query(ctx, memberSelect+` WHERE m.tenant_id = $1 ORDER BY m.created_at, m.id LIMIT $2 OFFSET $3`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var out []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func (r *memberRepoPG) LockOwners(ctx context.Context) error {
	return db.AdvisoryXactLock(ctx, "owners:"+db.TenantFromContext(ctx).String())
}

func (r *memberRepoPG) CountActiveOwners(ctx context.Context) (int, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRow(ctx, `
		SELECT COUNT(*) FROM membership m
		JOIN role ro ON ro.tenant_id = m.tenant_id AND ro.id = m.role_id
		WHERE m.tenant_id = $1 AND m.active AND ro.name = $2`, auth.RoleOwner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count owners: %w", err)
	}
	return n, nil
}
