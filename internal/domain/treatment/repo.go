package treatment

import (
	"context"

	"github.com/google/uuid"
)

// PlanRepository is scoped to the tenant bound to ctx. Plans are always
// returned with their items in position order.
type PlanRepository interface {
	Create(ctx context.Context, p *Plan) error
	GetByID(ctx context.Context, id uuid.UUID) (*Plan, error)
	// GetForUpdate locks the plan row until the surrounding transaction ends.
	// Item writes happen under this lock.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Plan, error)
	// Update writes title, notes and status.
	Update(ctx context.Context, p *Plan) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Plan, int, error)

	AddItem(ctx context.Context, it *Item) error
	UpdateItem(ctx context.Context, it *Item) error
	RemoveItem(ctx context.Context, planID, itemID uuid.UUID) error

	PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error)
}
