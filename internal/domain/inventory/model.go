package inventory

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/apperr"
)

type MovementType string

const (
	MovementIn         MovementType = "in"
	MovementOut        MovementType = "out"
	MovementAdjustment MovementType = "adjustment"
)

// Item maps to the inventory_item table. CurrentStock only changes through
// recorded movements.
type Item struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	TenantID     uuid.UUID       `db:"tenant_id" json:"-"`
	Name         string          `db:"name" json:"name"`
	SKU          string          `db:"sku" json:"sku,omitempty"`
	Unit         string          `db:"unit" json:"unit"`
	UnitCost     decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	CurrentStock int             `db:"current_stock" json:"current_stock"`
	MinStock     int             `db:"min_stock" json:"min_stock"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// LowStock is derived, never stored.
func (it *Item) LowStock() bool {
	return it.CurrentStock <= it.MinStock
}

func (it Item) MarshalJSON() ([]byte, error) {
	type alias Item
	return json.Marshal(struct {
		alias
		LowStock bool `json:"low_stock"`
	}{alias(it), it.LowStock()})
}

// Movement maps to the stock_movement table. Quantity is the magnitude for
// in and out, the signed delta for adjustment. StockAfter is the stock once
// the movement was applied.
type Movement struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	ItemID     uuid.UUID    `db:"item_id" json:"item_id"`
	Type       MovementType `db:"type" json:"type"`
	Quantity   int          `db:"quantity" json:"quantity"`
	StockAfter int          `db:"stock_after" json:"stock_after"`
	Note       string       `db:"note" json:"note,omitempty"`
	RecordedBy *uuid.UUID   `db:"recorded_by" json:"recorded_by,omitempty"`
	RecordedAt time.Time    `db:"recorded_at" json:"recorded_at"`
}

// Delta returns the change a movement makes to stock. in and out take a
// positive magnitude; adjustment takes the signed delta itself. The result
// never leaves stock negative.
func Delta(stock int, typ MovementType, quantity int) (int, error) {
	var delta int
	switch typ {
	case MovementIn:
		if quantity <= 0 {
			return 0, apperr.Invalid("quantity", "must be greater than 0")
		}
		delta = quantity
	case MovementOut:
		if quantity <= 0 {
			return 0, apperr.Invalid("quantity", "must be greater than 0")
		}
		delta = -quantity
	case MovementAdjustment:
		if quantity == 0 {
			return 0, apperr.Invalid("quantity", "must not be 0")
		}
		delta = quantity
	default:
		return 0, apperr.Invalid("type", "must be one of in, out, adjustment")
	}
	if stock+delta < 0 {
		return 0, apperr.Newf(apperr.InsufficientStock, "only %d in stock", stock)
	}
	return delta, nil
}

// Signed is the movement's contribution to stock.
func (m Movement) Signed() int {
	if m.Type == MovementOut {
		return -m.Quantity
	}
	return m.Quantity
}

type CreateItemInput struct {
	Name         string          `json:"name" validate:"required,max=200"`
	SKU          string          `json:"sku" validate:"max=64"`
	Unit         string          `json:"unit" validate:"max=32"`
	UnitCost     decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	MinStock     int             `json:"min_stock" validate:"gte=0"`
	InitialStock int             `json:"initial_stock" validate:"gte=0"`
}

// UpdateItemInput changes descriptive fields only. Stock has no setter.
type UpdateItemInput struct {
	Name     *string          `json:"name" validate:"omitempty,min=1,max=200"`
	SKU      *string          `json:"sku" validate:"omitempty,max=64"`
	Unit     *string          `json:"unit" validate:"omitempty,min=1,max=32"`
	UnitCost *decimal.Decimal `json:"unit_cost" validate:"omitempty,gte=0"`
	MinStock *int             `json:"min_stock" validate:"omitempty,gte=0"`
}

type MovementInput struct {
	Type     MovementType `json:"type" validate:"required,oneof=in out adjustment"`
	Quantity int          `json:"quantity" validate:"ne=0"`
	Note     string       `json:"note" validate:"max=500"`
}

type ListFilter struct {
	// Search matches name or SKU, case-insensitively.
	Search string
}
