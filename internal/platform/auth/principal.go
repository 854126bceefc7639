package auth

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the authenticated caller as reported by the identity provider.
type Identity struct {
	ID            uuid.UUID
	Email         string
	PlatformAdmin bool
	// Tenant is an optional tenant id or slug the caller asked for.
	Tenant string
}

// Principal is the resolved, immutable authorization context for one request.
type Principal struct {
	tenantID uuid.UUID
	userID   uuid.UUID
	memberID uuid.UUID
	role     string
	perms    map[Permission]struct{}
}

func NewPrincipal(tenantID, userID, memberID uuid.UUID, role string, perms []Permission) *Principal {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return &Principal{tenantID: tenantID, userID: userID, memberID: memberID, role: role, perms: set}
}

func (p *Principal) TenantID() uuid.UUID { return p.tenantID }
func (p *Principal) UserID() uuid.UUID   { return p.userID }
func (p *Principal) MemberID() uuid.UUID { return p.memberID }
func (p *Principal) Role() string        { return p.role }

func (p *Principal) Has(code Permission) bool {
	if p == nil {
		return false
	}
	_, ok := p.perms[code]
	return ok
}

// Permissions returns the granted catalogue codes in catalogue order.
func (p *Principal) Permissions() []Permission {
	out := make([]Permission, 0, len(p.perms))
	for _, c := range allPermissions {
		if p.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

type ctxKey string

const (
	identityKey  ctxKey = "identity"
	principalKey ctxKey = "principal"
)

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the resolved principal or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
