package clinic

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/auth"
)

// Tenant maps to the tenant table. One tenant is one clinic.
type Tenant struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	Timezone  string    `db:"timezone" json:"timezone"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Role maps to the role table together with its role_permission rows.
type Role struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	TenantID    uuid.UUID         `db:"tenant_id" json:"-"`
	Name        string            `db:"name" json:"name"`
	IsSystem    bool              `db:"is_system" json:"is_system"`
	Permissions []auth.Permission `json:"permissions"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}

// Member is a membership joined with its identity and role.
type Member struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    uuid.UUID `db:"tenant_id" json:"-"`
	IdentityID  uuid.UUID `db:"identity_id" json:"identity_id"`
	Email       string    `db:"email" json:"email"`
	DisplayName string    `db:"display_name" json:"display_name,omitempty"`
	RoleID      uuid.UUID `db:"role_id" json:"role_id"`
	RoleName    string    `db:"role_name" json:"role"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// IsActiveOwner reports whether the member counts towards the owner quorum.
func (m *Member) IsActiveOwner() bool {
	return m.Active && m.RoleName == auth.RoleOwner
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

type OnboardInput struct {
	Slug       string `json:"slug" validate:"required,min=2,max=63"`
	Name       string `json:"name" validate:"required,max=200"`
	Timezone   string `json:"timezone" validate:"omitempty,timezone"`
	OwnerEmail string `json:"owner_email" validate:"required,email"`
	OwnerName  string `json:"owner_name" validate:"max=200"`
}

// Onboarded is everything provisioned for a new clinic.
type Onboarded struct {
	Tenant *Tenant `json:"tenant"`
	Roles  []*Role `json:"roles"`
	Owner  *Member `json:"owner"`
}

type AddMemberInput struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"max=200"`
	Role        string `json:"role" validate:"required"`
}

type ChangeRoleInput struct {
	Role string `json:"role" validate:"required"`
}
