package clinic

import (
	"context"

	"github.com/google/uuid"
)

// TenantStore holds the platform-level rows. Its methods run without a
// tenant scope.
type TenantStore interface {
	// CreateTenant fails with ValidationFailed when the slug is taken.
	CreateTenant(ctx context.Context, t *Tenant) error
	TenantBySlug(ctx context.Context, slug string) (*Tenant, error)
	// DeleteTenant removes the tenant and, by cascade, every row it owns.
	DeleteTenant(ctx context.Context, id uuid.UUID) error
	// EnsureIdentity returns the identity registered under email, creating it
	// if needed.
	EnsureIdentity(ctx context.Context, email, displayName string) (uuid.UUID, error)
}

// MemberRepository is scoped to the tenant bound to ctx.
type MemberRepository interface {
	// CreateRole inserts the role and its permission codes in order.
	CreateRole(ctx context.Context, r *Role) error
	ListRoles(ctx context.Context) ([]*Role, error)
	RoleByName(ctx context.Context, name string) (*Role, error)

	// CreateMember fails with ValidationFailed when the identity is already
	// a member of the tenant.
	CreateMember(ctx context.Context, m *Member) error
	GetMemberForUpdate(ctx context.Context, id uuid.UUID) (*Member, error)
	// UpdateMember writes role and active flag.
	UpdateMember(ctx context.Context, m *Member) error
	ListMembers(ctx context.Context, limit, offset int) ([]*Member, int, error)

	// LockOwners serialises changes that can reduce the number of active
	// owners, until the surrounding transaction ends.
	LockOwners(ctx context.Context) error
	CountActiveOwners(ctx context.Context) (int, error)
}
