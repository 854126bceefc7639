package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/apperr"
)

// MembershipRecord is an active membership joined with its tenant and role.
type MembershipRecord struct {
	MemberID   uuid.UUID
	TenantID   uuid.UUID
	TenantSlug string
	RoleID     uuid.UUID
	RoleName   string
	CreatedAt  time.Time
}

// MembershipStore is the identity-level lookup the resolver needs. It is the
// only read allowed before a tenant is bound.
type MembershipStore interface {
	// ActiveMemberships returns the identity's active memberships, oldest first.
	ActiveMemberships(ctx context.Context, identityID uuid.UUID) ([]MembershipRecord, error)
	RolePermissions(ctx context.Context, tenantID, roleID uuid.UUID) ([]Permission, error)
}

type Resolver struct {
	store MembershipStore
	cache PermissionCache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(store MembershipStore, cache PermissionCache, ttl time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, ttl: ttl, log: log}
}

// Resolve picks the caller's membership (the requested tenant if any,
// otherwise the oldest active one) and loads its permission set.
func (r *Resolver) Resolve(ctx context.Context, id Identity) (*Principal, error) {
	if id.ID == uuid.Nil {
		return nil, apperr.New(apperr.Unauthenticated, "no identity")
	}

	ms, err := r.store.ActiveMemberships(ctx, id.ID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	m, ok := selectMembership(ms, id.Tenant)
	if !ok {
		return nil, apperr.New(apperr.NoActiveMembership, "no active membership for this clinic")
	}

	perms, err := r.permissions(ctx, m)
	if err != nil {
		return nil, err
	}
	return NewPrincipal(m.TenantID, id.ID, m.MemberID, m.RoleName, perms), nil
}

func selectMembership(ms []MembershipRecord, want string) (MembershipRecord, bool) {
	if len(ms) == 0 {
		return MembershipRecord{}, false
	}
	if want == "" {
		return ms[0], true
	}
	wantID, idErr := uuid.Parse(want)
	for _, m := range ms {
		if (idErr == nil && m.TenantID == wantID) || m.TenantSlug == want {
			return m, true
		}
	}
	return MembershipRecord{}, false
}

func (r *Resolver) permissions(ctx context.Context, m MembershipRecord) ([]Permission, error) {
	key := PermissionCacheKey(m.TenantID, m.RoleID)
	if r.cache != nil {
		perms, err := r.cache.Get(ctx, key)
		if err == nil {
			return perms, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			r.log.Warn().Err(err).Str("key", key).Msg("permission cache read failed")
		}
	}

	perms, err := r.store.RolePermissions(ctx, m.TenantID, m.RoleID)
	if err != nil {
		return nil, fmt.Errorf("load role permissions: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, perms, r.ttl); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("permission cache write failed")
		}
	}
	return perms, nil
}

// InvalidateTenant drops every cached role of a tenant.
func (r *Resolver) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Clear(ctx, TenantCachePrefix(tenantID)); err != nil {
		r.log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("permission cache clear failed")
	}
}
