package treatment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/validate"
)

// InvoiceCreator is the slice of billing that plan invoicing goes through.
type InvoiceCreator interface {
	CreateInvoiceInTx(ctx context.Context, p *auth.Principal, in billing.CreateInvoiceInput) (*billing.Invoice, events.Event, error)
	PlanLineDescriptions(ctx context.Context, p *auth.Principal, planID uuid.UUID) ([]string, error)
}

type Service struct {
	plans    PlanRepository
	invoices InvoiceCreator
	tx       db.Transactor
	events   events.Publisher
	now      func() time.Time
}

func NewService(plans PlanRepository, invoices InvoiceCreator, tx db.Transactor, pub events.Publisher) *Service {
	return &Service{plans: plans, invoices: invoices, tx: tx, events: pub, now: time.Now}
}

func checkDiscount(cost, discount decimal.Decimal) error {
	if discount.GreaterThan(cost) {
		return apperr.Invalid("discount", "exceeds the item cost")
	}
	return nil
}

func newItem(in ItemInput, position int) Item {
	return Item{
		Position:  position,
		Procedure: in.Procedure,
		Tooth:     in.Tooth,
		Cost:      in.Cost.Round(2),
		Discount:  in.Discount.Round(2),
		Status:    ItemPending,
	}
}

func nextPosition(items []Item) int {
	pos := 0
	for _, it := range items {
		if it.Position >= pos {
			pos = it.Position + 1
		}
	}
	return pos
}

// -- Plans --

func (s *Service) CreatePlan(ctx context.Context, p *auth.Principal, in CreatePlanInput) (*Plan, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	author := p.UserID()
	plan := &Plan{
		PatientID: in.PatientID,
		Title:     in.Title,
		Notes:     in.Notes,
		Status:    PlanDraft,
		CreatedBy: &author,
		Items:     make([]Item, 0, len(in.Items)),
	}
	for i, it := range in.Items {
		if err := checkDiscount(it.Cost, it.Discount); err != nil {
			return nil, err
		}
		plan.Items = append(plan.Items, newItem(it, i))
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.plans.PatientExists(ctx, in.PatientID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFoundf("patient")
		}
		return s.plans.Create(ctx, plan)
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "treatment_plan.created", plan, map[string]any{"items": len(plan.Items)}))
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Plan, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsRead)
	if err != nil {
		return nil, err
	}
	return s.plans.GetByID(ctx, id)
}

func (s *Service) ListPlans(ctx context.Context, p *auth.Principal, f ListFilter, limit, offset int) ([]*Plan, int, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsRead)
	if err != nil {
		return nil, 0, err
	}
	if f.Status != "" && !validPlanStatuses[f.Status] {
		return nil, 0, apperr.Invalid("status", "unknown plan status")
	}
	return s.plans.List(ctx, f, limit, offset)
}

func (s *Service) UpdatePlan(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdatePlanInput) (*Plan, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	var plan *Plan
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.plans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Frozen() {
			return apperr.Newf(apperr.ImmutableState, "treatment plan is %s", cur.Status)
		}
		if in.Title != nil {
			cur.Title = *in.Title
		}
		if in.Notes != nil {
			cur.Notes = *in.Notes
		}
		if err := s.plans.Update(ctx, cur); err != nil {
			return err
		}
		plan = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "treatment_plan.updated", plan, nil))
	return plan, nil
}

// DeletePlan removes a DRAFT plan together with its items.
func (s *Service) DeletePlan(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsWrite)
	if err != nil {
		return err
	}
	var plan *Plan
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.plans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != PlanDraft {
			return apperr.Newf(apperr.ImmutableState, "only draft plans can be deleted; plan is %s", cur.Status)
		}
		plan = cur
		return s.plans.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.events.Publish(ctx, s.event(p, "treatment_plan.deleted", plan, nil))
	return nil
}

// TransitionPlan applies an explicit status change. Accepting a plan also
// needs treatments:approve.
func (s *Service) TransitionPlan(ctx context.Context, p *auth.Principal, id uuid.UUID, in TransitionInput) (*Plan, error) {
	codes := []auth.Permission{auth.TreatmentsWrite}
	if in.Status == PlanAccepted {
		codes = append(codes, auth.TreatmentsApprove)
	}
	ctx, err := auth.Authorize(ctx, p, codes...)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if !validPlanStatuses[in.Status] {
		return nil, apperr.Invalid("status", "unknown plan status")
	}

	var plan *Plan
	var from PlanStatus
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.plans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = cur.Status
		if !CanTransition(cur.Status, in.Status) {
			return apperr.Newf(apperr.InvalidTransition, "cannot move treatment plan from %s to %s", cur.Status, in.Status)
		}
		cur.Status = in.Status
		if err := s.plans.Update(ctx, cur); err != nil {
			return err
		}
		plan = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "treatment_plan.status_changed", plan, map[string]any{"from": from, "to": plan.Status}))
	return plan, nil
}

// -- Items --

// mutateItems runs fn on the locked plan, then derives and stores the plan
// status in the same transaction. fn must not run on a frozen plan.
func (s *Service) mutateItems(ctx context.Context, planID uuid.UUID, change Change, fn func(ctx context.Context, plan *Plan) error) (*Plan, PlanStatus, error) {
	var plan *Plan
	var from PlanStatus
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if cur.Frozen() {
			return apperr.Newf(apperr.ImmutableState, "treatment plan is %s; items are frozen", cur.Status)
		}
		from = cur.Status
		if err := fn(ctx, cur); err != nil {
			return err
		}
		if next := DeriveStatus(cur.Status, change, cur.Items); next != cur.Status {
			cur.Status = next
			if err := s.plans.Update(ctx, cur); err != nil {
				return err
			}
		}
		plan = cur
		return nil
	})
	return plan, from, err
}

// AddItem appends an item. Adding to an ACCEPTED plan starts it.
func (s *Service) AddItem(ctx context.Context, p *auth.Principal, planID uuid.UUID, in ItemInput) (*Plan, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if err := checkDiscount(in.Cost, in.Discount); err != nil {
		return nil, err
	}
	var added Item
	plan, from, err := s.mutateItems(ctx, planID, ItemAdded, func(ctx context.Context, plan *Plan) error {
		added = newItem(in, nextPosition(plan.Items))
		added.PlanID = plan.ID
		if err := s.plans.AddItem(ctx, &added); err != nil {
			return err
		}
		plan.Items = append(plan.Items, added)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.itemEvent(p, "treatment_item.added", plan, added, from))
	return plan, nil
}

func (s *Service) UpdateItem(ctx context.Context, p *auth.Principal, planID, itemID uuid.UUID, in UpdateItemInput) (*Plan, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	var updated Item
	plan, from, err := s.mutateItems(ctx, planID, ItemChanged, func(ctx context.Context, plan *Plan) error {
		i, ok := plan.item(itemID)
		if !ok {
			return apperr.NotFoundf("treatment item")
		}
		it := plan.Items[i]
		if in.Procedure != nil {
			it.Procedure = *in.Procedure
		}
		if in.Tooth != nil {
			it.Tooth = *in.Tooth
		}
		if in.Cost != nil {
			it.Cost = in.Cost.Round(2)
		}
		if in.Discount != nil {
			it.Discount = in.Discount.Round(2)
		}
		if err := checkDiscount(it.Cost, it.Discount); err != nil {
			return err
		}
		if err := s.plans.UpdateItem(ctx, &it); err != nil {
			return err
		}
		plan.Items[i] = it
		updated = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.itemEvent(p, "treatment_item.updated", plan, updated, from))
	return plan, nil
}

func (s *Service) RemoveItem(ctx context.Context, p *auth.Principal, planID, itemID uuid.UUID) (*Plan, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsWrite)
	if err != nil {
		return nil, err
	}
	var removed Item
	plan, from, err := s.mutateItems(ctx, planID, ItemRemoved, func(ctx context.Context, plan *Plan) error {
		i, ok := plan.item(itemID)
		if !ok {
			return apperr.NotFoundf("treatment item")
		}
		removed = plan.Items[i]
		if err := s.plans.RemoveItem(ctx, planID, itemID); err != nil {
			return err
		}
		plan.Items = append(plan.Items[:i], plan.Items[i+1:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.itemEvent(p, "treatment_item.removed", plan, removed, from))
	return plan, nil
}

// SetItemStatus changes one item's status and derives the plan status in the
// same transaction.
func (s *Service) SetItemStatus(ctx context.Context, p *auth.Principal, planID, itemID uuid.UUID, in ItemStatusInput) (*Plan, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if !validItemStatuses[in.Status] {
		return nil, apperr.Invalid("status", "unknown item status")
	}
	var changed Item
	var itemFrom ItemStatus
	plan, from, err := s.mutateItems(ctx, planID, ItemChanged, func(ctx context.Context, plan *Plan) error {
		i, ok := plan.item(itemID)
		if !ok {
			return apperr.NotFoundf("treatment item")
		}
		it := plan.Items[i]
		itemFrom = it.Status
		it.SetStatus(in.Status, s.now())
		if err := s.plans.UpdateItem(ctx, &it); err != nil {
			return err
		}
		plan.Items[i] = it
		changed = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	evt := s.itemEvent(p, "treatment_item.status_changed", plan, changed, from)
	evt.Metadata["item_from"] = itemFrom
	evt.Metadata["item_to"] = changed.Status
	s.events.Publish(ctx, evt)
	return plan, nil
}

// -- Invoicing --

// GenerateInvoiceFromPlan bills the selected COMPLETED items. Items whose
// procedure already appears on an invoice linked to the plan are skipped; if
// nothing is left the call fails. The plan stays locked while billed lines are
// checked and the invoice is written, so concurrent calls cannot both bill an
// item.
func (s *Service) GenerateInvoiceFromPlan(ctx context.Context, p *auth.Principal, planID uuid.UUID, in GenerateInvoiceInput) (*billing.Invoice, error) {
	ctx, err := auth.Authorize(ctx, p, auth.TreatmentsWrite, auth.BillingWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}

	var inv *billing.Invoice
	var invEvt events.Event
	var plan *Plan
	var skipped int
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		billed, err := s.invoices.PlanLineDescriptions(ctx, p, planID)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(billed))
		for _, d := range billed {
			seen[d] = true
		}

		picked := make(map[uuid.UUID]bool, len(in.ItemIDs))
		var lines []billing.ItemInput
		for _, id := range in.ItemIDs {
			if picked[id] {
				continue
			}
			picked[id] = true
			i, ok := cur.item(id)
			if !ok {
				return apperr.Invalid("item_ids", "item "+id.String()+" is not part of the plan")
			}
			it := cur.Items[i]
			if it.Status != ItemCompleted {
				return apperr.Invalid("item_ids", "item "+id.String()+" is not completed")
			}
			if seen[it.Procedure] {
				skipped++
				continue
			}
			lines = append(lines, billing.ItemInput{Description: it.Procedure, Quantity: 1, UnitPrice: it.Net()})
		}
		if len(lines) == 0 {
			return apperr.Invalid("item_ids", "no unbilled completed items")
		}

		inv, invEvt, err = s.invoices.CreateInvoiceInTx(ctx, p, billing.CreateInvoiceInput{
			PatientID: cur.PatientID,
			PlanID:    &cur.ID,
			Items:     lines,
			TaxRate:   in.TaxRate,
			Discount:  in.Discount,
			DueDate:   in.DueDate,
			Notes:     in.Notes,
		})
		if err != nil {
			return err
		}
		plan = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, invEvt, s.event(p, "treatment_plan.invoiced", plan, map[string]any{
		"invoice_id": inv.ID.String(),
		"number":     inv.Number,
		"lines":      len(inv.Items),
		"skipped":    skipped,
	}))
	return inv, nil
}

func (s *Service) event(p *auth.Principal, action string, plan *Plan, meta map[string]any) events.Event {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = plan.Status
	return events.Event{
		TenantID: p.TenantID(),
		ActorID:  p.UserID(),
		Action:   action,
		Entity:   "treatment_plan",
		EntityID: plan.ID.String(),
		Metadata: meta,
	}
}

func (s *Service) itemEvent(p *auth.Principal, action string, plan *Plan, it Item, from PlanStatus) events.Event {
	meta := map[string]any{"item_id": it.ID.String(), "procedure": it.Procedure}
	if from != plan.Status {
		meta["plan_from"] = from
	}
	return s.event(p, action, plan, meta)
}
