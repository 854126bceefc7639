package patient

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	TenantID  uuid.UUID  `db:"tenant_id" json:"-"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	Phone     string     `db:"phone" json:"phone,omitempty"`
	Email     string     `db:"email" json:"email,omitempty"`
	BirthDate *time.Time `db:"birth_date" json:"-"`
	Notes     string     `db:"notes" json:"notes,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// FullName is "First Last".
func (p *Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}

// MarshalJSON renders birth_date as a calendar date.
func (p Patient) MarshalJSON() ([]byte, error) {
	type alias Patient
	var dob string
	if p.BirthDate != nil {
		dob = p.BirthDate.Format(dateLayout)
	}
	return json.Marshal(struct {
		alias
		BirthDate string `json:"birth_date,omitempty"`
	}{alias(p), dob})
}

type CreateInput struct {
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Phone     string `json:"phone" validate:"max=32"`
	Email     string `json:"email" validate:"omitempty,email"`
	BirthDate string `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	Notes     string `json:"notes" validate:"max=2000"`
}

// UpdateInput carries only the fields being changed. An empty birth_date
// clears it.
type UpdateInput struct {
	FirstName *string `json:"first_name" validate:"omitempty,min=1,max=100"`
	LastName  *string `json:"last_name" validate:"omitempty,min=1,max=100"`
	Phone     *string `json:"phone" validate:"omitempty,max=32"`
	Email     *string `json:"email" validate:"omitempty,email"`
	BirthDate *string `json:"birth_date"`
	Notes     *string `json:"notes" validate:"omitempty,max=2000"`
}

type ListFilter struct {
	// Search matches first name, last name, phone or email.
	Search string
}
