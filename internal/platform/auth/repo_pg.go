package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGMembershipStore struct {
	pool *pgxpool.Pool
}

func NewPGMembershipStore(pool *pgxpool.Pool) *PGMembershipStore {
	return &PGMembershipStore{pool: pool}
}

func (s *PGMembershipStore) ActiveMemberships(ctx context.Context, identityID uuid.UUID) ([]MembershipRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.tenant_id, t.slug, m.role_id, r.name, m.created_at
		FROM membership m
		JOIN tenant t ON t.id = m.tenant_id
		JOIN role r ON r.tenant_id = m.tenant_id AND r.id = m.role_id
		WHERE m.identity_id = $1 AND m.active
		ORDER BY m.created_at, m.id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []MembershipRecord
	for rows.Next() {
		var m MembershipRecord
		if err := rows.Scan(&m.MemberID, &m.TenantID, &m.TenantSlug, &m.RoleID, &m.RoleName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGMembershipStore) RolePermissions(ctx context.Context, tenantID, roleID uuid.UUID) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT permission_code FROM role_permission
		WHERE tenant_id = $1 AND role_id = $2
		ORDER BY position`, tenantID, roleID)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	out := []Permission{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, Permission(code))
	}
	return out, rows.Err()
}
