// Package clinic provisions tenants and manages who belongs to them.
package clinic

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/validate"
)

// CacheInvalidator drops cached authorization data of a tenant.
// *auth.Resolver satisfies it.
type CacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID uuid.UUID)
}

type Service struct {
	tenants TenantStore
	members MemberRepository
	tx      db.Transactor
	events  events.Publisher
	cache   CacheInvalidator
}

// NewService builds the service. cache may be nil.
func NewService(tenants TenantStore, members MemberRepository, tx db.Transactor, pub events.Publisher, cache CacheInvalidator) *Service {
	return &Service{tenants: tenants, members: members, tx: tx, events: pub, cache: cache}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// -- Platform --

// Onboard creates a clinic with the canonical roles and its first Owner in
// one transaction.
func (s *Service) Onboard(ctx context.Context, id auth.Identity, in OnboardInput) (*Onboarded, error) {
	if err := auth.RequirePlatformAdmin(id); err != nil {
		return nil, err
	}
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	in.OwnerEmail = normalizeEmail(in.OwnerEmail)
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if !slugPattern.MatchString(in.Slug) {
		return nil, apperr.Invalid("slug", "must be lowercase letters, digits and single hyphens")
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}

	out := &Onboarded{Tenant: &Tenant{Slug: in.Slug, Name: in.Name, Timezone: in.Timezone}}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.tenants.CreateTenant(ctx, out.Tenant); err != nil {
			return err
		}
		tctx := db.WithTenant(ctx, out.Tenant.ID)

		var owner *Role
		for _, name := range auth.CanonicalRoles() {
			role := &Role{Name: name, IsSystem: true, Permissions: auth.DefaultPermissions(name)}
			if err := s.members.CreateRole(tctx, role); err != nil {
				return err
			}
			if name == auth.RoleOwner {
				owner = role
			}
			out.Roles = append(out.Roles, role)
		}

		identityID, err := s.tenants.EnsureIdentity(ctx, in.OwnerEmail, in.OwnerName)
		if err != nil {
			return err
		}
		out.Owner = &Member{
			IdentityID:  identityID,
			Email:       in.OwnerEmail,
			DisplayName: in.OwnerName,
			RoleID:      owner.ID,
			RoleName:    owner.Name,
			Active:      true,
		}
		return s.members.CreateMember(tctx, out.Owner)
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, events.Event{
		TenantID: out.Tenant.ID,
		ActorID:  id.ID,
		Action:   "tenant.onboarded",
		Entity:   "tenant",
		EntityID: out.Tenant.ID.String(),
		Metadata: map[string]any{"slug": out.Tenant.Slug, "owner": out.Owner.Email},
	})
	return out, nil
}

// DeleteTenant removes a clinic and everything it owns.
func (s *Service) DeleteTenant(ctx context.Context, id auth.Identity, slug string) error {
	if err := auth.RequirePlatformAdmin(id); err != nil {
		return err
	}
	var t *Tenant
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.tenants.TenantBySlug(ctx, strings.ToLower(slug))
		if err != nil {
			return err
		}
		t = cur
		return s.tenants.DeleteTenant(ctx, cur.ID)
	})
	if err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.InvalidateTenant(ctx, t.ID)
	}
	// The audit row cannot reference the deleted tenant.
	s.events.Publish(ctx, events.Event{
		ActorID:  id.ID,
		Action:   "tenant.deleted",
		Entity:   "tenant",
		EntityID: t.ID.String(),
		Metadata: map[string]any{"slug": t.Slug},
	})
	return nil
}

// -- Staff --

// roleFor resolves a role by name. Granting or revoking Owner needs an Owner.
func (s *Service) roleFor(ctx context.Context, p *auth.Principal, name string) (*Role, error) {
	role, err := s.members.RoleByName(ctx, name)
	if apperr.Is(err, apperr.NotFound) {
		return nil, apperr.Invalid("role", "unknown role")
	}
	if err != nil {
		return nil, err
	}
	if role.Name == auth.RoleOwner && p.Role() != auth.RoleOwner {
		return nil, apperr.New(apperr.Forbidden, "only an owner can grant the Owner role")
	}
	return role, nil
}

func (s *Service) AddMember(ctx context.Context, p *auth.Principal, in AddMemberInput) (*Member, error) {
	ctx, err := auth.Authorize(ctx, p, auth.StaffWrite)
	if err != nil {
		return nil, err
	}
	in.Email = normalizeEmail(in.Email)
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	var m *Member
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		role, err := s.roleFor(ctx, p, in.Role)
		if err != nil {
			return err
		}
		identityID, err := s.tenants.EnsureIdentity(ctx, in.Email, in.DisplayName)
		if err != nil {
			return err
		}
		m = &Member{
			IdentityID:  identityID,
			Email:       in.Email,
			DisplayName: in.DisplayName,
			RoleID:      role.ID,
			RoleName:    role.Name,
			Active:      true,
		}
		return s.members.CreateMember(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "member.added", m, nil))
	return m, nil
}

// mutateMember locks the owner set and the member, runs fn, and refuses the
// change if it would leave the clinic without an active Owner.
func (s *Service) mutateMember(ctx context.Context, memberID uuid.UUID, fn func(ctx context.Context, m *Member) error) (*Member, *Member, error) {
	var before, after *Member
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.members.LockOwners(ctx); err != nil {
			return err
		}
		cur, err := s.members.GetMemberForUpdate(ctx, memberID)
		if err != nil {
			return err
		}
		prev := *cur
		if err := fn(ctx, cur); err != nil {
			return err
		}
		if prev.IsActiveOwner() && !cur.IsActiveOwner() {
			n, err := s.members.CountActiveOwners(ctx)
			if err != nil {
				return err
			}
			if n <= 1 {
				return apperr.New(apperr.ImmutableState, "the clinic must keep at least one active owner")
			}
		}
		if err := s.members.UpdateMember(ctx, cur); err != nil {
			return err
		}
		before, after = &prev, cur
		return nil
	})
	return before, after, err
}

func (s *Service) ChangeMemberRole(ctx context.Context, p *auth.Principal, memberID uuid.UUID, in ChangeRoleInput) (*Member, error) {
	ctx, err := auth.Authorize(ctx, p, auth.StaffWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	before, m, err := s.mutateMember(ctx, memberID, func(ctx context.Context, m *Member) error {
		if m.RoleName == auth.RoleOwner && p.Role() != auth.RoleOwner {
			return apperr.New(apperr.Forbidden, "only an owner can change an owner's role")
		}
		role, err := s.roleFor(ctx, p, in.Role)
		if err != nil {
			return err
		}
		m.RoleID, m.RoleName = role.ID, role.Name
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "member.role_changed", m, map[string]any{"from": before.RoleName, "to": m.RoleName}))
	return m, nil
}

// DeactivateMember revokes access without deleting the membership. A member
// cannot deactivate their own membership.
func (s *Service) DeactivateMember(ctx context.Context, p *auth.Principal, memberID uuid.UUID) (*Member, error) {
	ctx, err := auth.Authorize(ctx, p, auth.StaffWrite)
	if err != nil {
		return nil, err
	}
	if memberID == p.MemberID() {
		return nil, apperr.New(apperr.Forbidden, "you cannot deactivate your own membership")
	}
	return s.setActive(ctx, p, memberID, false)
}

func (s *Service) ReactivateMember(ctx context.Context, p *auth.Principal, memberID uuid.UUID) (*Member, error) {
	ctx, err := auth.Authorize(ctx, p, auth.StaffWrite)
	if err != nil {
		return nil, err
	}
	return s.setActive(ctx, p, memberID, true)
}

func (s *Service) setActive(ctx context.Context, p *auth.Principal, memberID uuid.UUID, active bool) (*Member, error) {
	before, m, err := s.mutateMember(ctx, memberID, func(_ context.Context, m *Member) error {
		if m.RoleName == auth.RoleOwner && p.Role() != auth.RoleOwner {
			return apperr.New(apperr.Forbidden, "only an owner can change an owner's access")
		}
		m.Active = active
		return nil
	})
	if err != nil {
		return nil, err
	}
	if before.Active == m.Active {
		return m, nil
	}
	action := "member.deactivated"
	if active {
		action = "member.reactivated"
	}
	s.events.Publish(ctx, s.event(p, action, m, nil))
	return m, nil
}

func (s *Service) ListMembers(ctx context.Context, p *auth.Principal, limit, offset int) ([]*Member, int, error) {
	ctx, err := auth.Authorize(ctx, p, auth.StaffRead)
	if err != nil {
		return nil, 0, err
	}
	return s.members.ListMembers(ctx, limit, offset)
}

func (s *Service) ListRoles(ctx context.Context, p *auth.Principal) ([]*Role, error) {
	ctx, err := auth.Authorize(ctx, p, auth.StaffRead)
	if err != nil {
		return nil, err
	}
	return s.members.ListRoles(ctx)
}

func (s *Service) event(p *auth.Principal, action string, m *Member, meta map[string]any) events.Event {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["role"] = m.RoleName
	meta["email"] = m.Email
	return events.Event{
		TenantID: p.TenantID(),
		ActorID:  p.UserID(),
		Action:   action,
		Entity:   "membership",
		EntityID: m.ID.String(),
		Metadata: meta,
	}
}
