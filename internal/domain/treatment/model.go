package treatment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PlanStatus string

const (
	PlanDraft      PlanStatus = "DRAFT"
	PlanProposed   PlanStatus = "PROPOSED"
	PlanAccepted   PlanStatus = "ACCEPTED"
	PlanInProgress PlanStatus = "IN_PROGRESS"
	PlanCompleted  PlanStatus = "COMPLETED"
	PlanCancelled  PlanStatus = "CANCELLED"
)

var validPlanStatuses = map[PlanStatus]bool{
	PlanDraft: true, PlanProposed: true, PlanAccepted: true,
	PlanInProgress: true, PlanCompleted: true, PlanCancelled: true,
}

var planTransitions = map[PlanStatus]map[PlanStatus]bool{
	PlanDraft:      {PlanProposed: true, PlanCancelled: true},
	PlanProposed:   {PlanAccepted: true, PlanCancelled: true, PlanDraft: true},
	PlanAccepted:   {PlanInProgress: true, PlanCancelled: true},
	PlanInProgress: {PlanCompleted: true, PlanCancelled: true},
	PlanCompleted:  {},
	PlanCancelled:  {PlanDraft: true},
}

func CanTransition(from, to PlanStatus) bool {
	return planTransitions[from][to]
}

type ItemStatus string

const (
	ItemPending    ItemStatus = "PENDING"
	ItemScheduled  ItemStatus = "SCHEDULED"
	ItemInProgress ItemStatus = "IN_PROGRESS"
	ItemCompleted  ItemStatus = "COMPLETED"
	ItemCancelled  ItemStatus = "CANCELLED"
)

var validItemStatuses = map[ItemStatus]bool{
	ItemPending: true, ItemScheduled: true, ItemInProgress: true,
	ItemCompleted: true, ItemCancelled: true,
}

// Plan maps to the treatment_plan table.
type Plan struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	TenantID  uuid.UUID  `db:"tenant_id" json:"-"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	Title     string     `db:"title" json:"title"`
	Notes     string     `db:"notes" json:"notes,omitempty"`
	Status    PlanStatus `db:"status" json:"status"`
	CreatedBy *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	Items     []Item     `json:"items"`
}

// Frozen plans accept no item changes.
func (p *Plan) Frozen() bool {
	return p.Status == PlanCompleted || p.Status == PlanCancelled
}

// Total is the net price of every item that is not cancelled.
func (p *Plan) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range p.Items {
		if it.Status != ItemCancelled {
			sum = sum.Add(it.Net())
		}
	}
	return sum
}

func (p *Plan) item(id uuid.UUID) (int, bool) {
	for i := range p.Items {
		if p.Items[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (p Plan) MarshalJSON() ([]byte, error) {
	type alias Plan
	return json.Marshal(struct {
		alias
		Total decimal.Decimal `json:"total"`
	}{alias(p), p.Total()})
}

// Item maps to the treatment_item table.
type Item struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	PlanID        uuid.UUID       `db:"plan_id" json:"plan_id"`
	Position      int             `db:"position" json:"position"`
	Procedure     string          `db:"procedure" json:"procedure"`
	Tooth         string          `db:"tooth" json:"tooth,omitempty"`
	Cost          decimal.Decimal `db:"cost" json:"cost"`
	Discount      decimal.Decimal `db:"discount" json:"discount"`
	Status        ItemStatus      `db:"status" json:"status"`
	CompletedDate *time.Time      `db:"completed_date" json:"completed_date,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Net is what the item bills for.
func (it Item) Net() decimal.Decimal {
	return it.Cost.Sub(it.Discount)
}

// SetStatus changes the item status. CompletedDate is set on entering
// COMPLETED and cleared on leaving it.
func (it *Item) SetStatus(st ItemStatus, now time.Time) {
	switch {
	case st == ItemCompleted && it.Status != ItemCompleted:
		t := now
		it.CompletedDate = &t
	case st != ItemCompleted:
		it.CompletedDate = nil
	}
	it.Status = st
}

// Change is the item-level event a plan status is derived from.
type Change int

const (
	ItemAdded Change = iota
	ItemChanged
	ItemRemoved
)

// DeriveStatus returns the plan status after change, given the plan's items
// once the change is applied. Only ACCEPTED and IN_PROGRESS plans move.
func DeriveStatus(cur PlanStatus, change Change, items []Item) PlanStatus {
	if cur != PlanAccepted && cur != PlanInProgress {
		return cur
	}
	if change == ItemAdded && cur == PlanAccepted {
		return PlanInProgress
	}
	if len(items) > 0 {
		done := true
		for _, it := range items {
			if it.Status != ItemCompleted && it.Status != ItemCancelled {
				done = false
				break
			}
		}
		if done {
			return PlanCompleted
		}
	}
	if cur == PlanAccepted {
		for _, it := range items {
			if it.Status == ItemInProgress || it.Status == ItemCompleted {
				return PlanInProgress
			}
		}
	}
	return cur
}

type ItemInput struct {
	Procedure string          `json:"procedure" validate:"required,max=200"`
	Tooth     string          `json:"tooth" validate:"max=20"`
	Cost      decimal.Decimal `json:"cost" validate:"gte=0"`
	Discount  decimal.Decimal `json:"discount" validate:"gte=0"`
}

type CreatePlanInput struct {
	PatientID uuid.UUID   `json:"patient_id" validate:"required"`
	Title     string      `json:"title" validate:"required,max=200"`
	Notes     string      `json:"notes" validate:"max=2000"`
	Items     []ItemInput `json:"items" validate:"dive"`
}

type UpdatePlanInput struct {
	Title *string `json:"title" validate:"omitempty,min=1,max=200"`
	Notes *string `json:"notes" validate:"omitempty,max=2000"`
}

type TransitionInput struct {
	Status PlanStatus `json:"status" validate:"required"`
}

type UpdateItemInput struct {
	Procedure *string          `json:"procedure" validate:"omitempty,min=1,max=200"`
	Tooth     *string          `json:"tooth" validate:"omitempty,max=20"`
	Cost      *decimal.Decimal `json:"cost" validate:"omitempty,gte=0"`
	Discount  *decimal.Decimal `json:"discount" validate:"omitempty,gte=0"`
}

type ItemStatusInput struct {
	Status ItemStatus `json:"status" validate:"required"`
}

// GenerateInvoiceInput selects completed items of a plan to bill.
type GenerateInvoiceInput struct {
	ItemIDs  []uuid.UUID     `json:"item_ids" validate:"min=1"`
	TaxRate  decimal.Decimal `json:"tax_rate" validate:"gte=0,lte=100"`
	Discount decimal.Decimal `json:"discount" validate:"gte=0"`
	DueDate  *time.Time      `json:"due_date"`
	Notes    string          `json:"notes" validate:"max=2000"`
}

type ListFilter struct {
	PatientID *uuid.UUID
	Status    PlanStatus
}
