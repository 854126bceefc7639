package inventory

import (
	"context"

	"github.com/google/uuid"
)

// ItemRepository is scoped to the tenant bound to ctx.
type ItemRepository interface {
	Create(ctx context.Context, it *Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)
	// GetForUpdate locks the item row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Item, error)
	// Update writes the descriptive fields and current stock.
	Update(ctx context.Context, it *Item) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Item, int, error)
	// ListLowStock returns items with current_stock <= min_stock, lowest
	// headroom first.
	ListLowStock(ctx context.Context, limit, offset int) ([]*Item, int, error)

	AddMovement(ctx context.Context, m *Movement) error
	ListMovements(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*Movement, int, error)

	// AlertRecipient is the email low-stock alerts go to, or "" if the
	// tenant has none.
	AlertRecipient(ctx context.Context) (string, error)
}
