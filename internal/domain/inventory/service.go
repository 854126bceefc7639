package inventory

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/validate"
)

type Service struct {
	items  ItemRepository
	tx     db.Transactor
	events events.Publisher
}

func NewService(items ItemRepository, tx db.Transactor, pub events.Publisher) *Service {
	return &Service{items: items, tx: tx, events: pub}
}

// CreateItem registers an item. A positive initial stock is recorded as an
// "in" movement so that stock always equals the sum of the ledger.
func (s *Service) CreateItem(ctx context.Context, p *auth.Principal, in CreateItemInput) (*Item, error) {
	ctx, err := auth.Authorize(ctx, p, auth.InventoryWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	unit := in.Unit
	if unit == "" {
		unit = "unit"
	}
	it := &Item{
		Name:         in.Name,
		SKU:          in.SKU,
		Unit:         unit,
		UnitCost:     in.UnitCost.Round(2),
		CurrentStock: in.InitialStock,
		MinStock:     in.MinStock,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.items.Create(ctx, it); err != nil {
			return err
		}
		if in.InitialStock == 0 {
			return nil
		}
		actor := p.UserID()
		return s.items.AddMovement(ctx, &Movement{
			ItemID:     it.ID,
			Type:       MovementIn,
			Quantity:   in.InitialStock,
			StockAfter: in.InitialStock,
			Note:       "initial stock",
			RecordedBy: &actor,
		})
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "inventory_item.created", it, nil))
	return it, nil
}

func (s *Service) UpdateItem(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdateItemInput) (*Item, error) {
	ctx, err := auth.Authorize(ctx, p, auth.InventoryWrite)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	var it *Item
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.items.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			cur.Name = *in.Name
		}
		if in.SKU != nil {
			cur.SKU = *in.SKU
		}
		if in.Unit != nil {
			cur.Unit = *in.Unit
		}
		if in.UnitCost != nil {
			cur.UnitCost = in.UnitCost.Round(2)
		}
		if in.MinStock != nil {
			cur.MinStock = *in.MinStock
		}
		if err := s.items.Update(ctx, cur); err != nil {
			return err
		}
		it = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, s.event(p, "inventory_item.updated", it, nil))
	return it, nil
}

// RecordMovement applies one movement under the item row lock. The movement
// row and the stock counter are written in the same transaction. An alert
// goes out when the movement takes the item from above its minimum to at or
// below it.
func (s *Service) RecordMovement(ctx context.Context, p *auth.Principal, itemID uuid.UUID, in MovementInput) (*Movement, *Item, error) {
	ctx, err := auth.Authorize(ctx, p, auth.InventoryWrite)
	if err != nil {
		return nil, nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, nil, err
	}

	var it *Item
	var mv *Movement
	var crossed bool
	var recipient string
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.items.GetForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		delta, err := Delta(cur.CurrentStock, in.Type, in.Quantity)
		if err != nil {
			return err
		}
		wasLow := cur.LowStock()
		cur.CurrentStock += delta

		actor := p.UserID()
		m := &Movement{
			ItemID:     cur.ID,
			Type:       in.Type,
			Quantity:   in.Quantity,
			StockAfter: cur.CurrentStock,
			Note:       in.Note,
			RecordedBy: &actor,
		}
		if err := s.items.AddMovement(ctx, m); err != nil {
			return err
		}
		if err := s.items.Update(ctx, cur); err != nil {
			return err
		}
		if !wasLow && cur.LowStock() {
			crossed = true
			if recipient, err = s.items.AlertRecipient(ctx); err != nil {
				return err
			}
		}
		it, mv = cur, m
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	evts := []events.Event{s.event(p, "stock.movement_recorded", it, map[string]any{
		"movement_id": mv.ID.String(),
		"type":        mv.Type,
		"quantity":    mv.Quantity,
	})}
	if crossed {
		low := s.event(p, "stock.low", it, map[string]any{"min_stock": it.MinStock})
		low.Notify = lowStockAlert(recipient, it)
		evts = append(evts, low)
	}
	s.events.Publish(ctx, evts...)
	return mv, it, nil
}

func (s *Service) GetItem(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Item, error) {
	ctx, err := auth.Authorize(ctx, p, auth.InventoryRead)
	if err != nil {
		return nil, err
	}
	return s.items.GetByID(ctx, id)
}

func (s *Service) ListItems(ctx context.Context, p *auth.Principal, f ListFilter, limit, offset int) ([]*Item, int, error) {
	ctx, err := auth.Authorize(ctx, p, auth.InventoryRead)
	if err != nil {
		return nil, 0, err
	}
	return s.items.List(ctx, f, limit, offset)
}

func (s *Service) ListLowStock(ctx context.Context, p *auth.Principal, limit, offset int) ([]*Item, int, error) {
	ctx, err := auth.Authorize(ctx, p, auth.InventoryRead)
	if err != nil {
		return nil, 0, err
	}
	return s.items.ListLowStock(ctx, limit, offset)
}

func (s *Service) ListMovements(ctx context.Context, p *auth.Principal, itemID uuid.UUID, limit, offset int) ([]*Movement, int, error) {
	ctx, err := auth.Authorize(ctx, p, auth.InventoryRead)
	if err != nil {
		return nil, 0, err
	}
	if _, err := s.items.GetByID(ctx, itemID); err != nil {
		return nil, 0, err
	}
	return s.items.ListMovements(ctx, itemID, limit, offset)
}

func (s *Service) event(p *auth.Principal, action string, it *Item, meta map[string]any) events.Event {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["stock"] = it.CurrentStock
	return events.Event{
		TenantID: p.TenantID(),
		ActorID:  p.UserID(),
		Action:   action,
		Entity:   "inventory_item",
		EntityID: it.ID.String(),
		Metadata: meta,
	}
}

func lowStockAlert(recipient string, it *Item) *notification.Notification {
	if recipient == "" {
		return nil
	}
	return &notification.Notification{
		Channel:    notification.ChannelEmail,
		Recipient:  recipient,
		TemplateID: "low-stock-alert",
		Data: map[string]string{
			"item":      it.Name,
			"stock":     strconv.Itoa(it.CurrentStock),
			"min_stock": strconv.Itoa(it.MinStock),
		},
	}
}
