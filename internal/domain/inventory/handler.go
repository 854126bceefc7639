package inventory

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
	"github.com/clinic/clinic/pkg/respond"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequirePermission(auth.InventoryRead))
	read.GET("/inventory", h.ListItems)
	read.GET("/inventory/low-stock", h.ListLowStock)
	read.GET("/inventory/:id", h.GetItem)
	read.GET("/inventory/:id/movements", h.ListMovements)

	write := api.Group("", auth.RequirePermission(auth.InventoryWrite))
	write.POST("/inventory", h.CreateItem)
	write.PATCH("/inventory/:id", h.UpdateItem)
	write.POST("/inventory/:id/movements", h.RecordMovement)
}

func (h *Handler) CreateItem(c echo.Context) error {
	var in CreateItemInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	it, err := h.svc.CreateItem(ctx, auth.PrincipalFromContext(ctx), in)
	if err != nil {
		return err
	}
	return respond.Created(c, it.ID, it)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "inventory item")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	it, err := h.svc.GetItem(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return respond.OK(c, it)
}

func (h *Handler) ListItems(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.ListItems(ctx, auth.PrincipalFromContext(ctx), ListFilter{Search: c.QueryParam("q")}, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListLowStock(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.ListLowStock(ctx, auth.PrincipalFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UpdateItem(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "inventory item")
	if err != nil {
		return err
	}
	var in UpdateItemInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	it, err := h.svc.UpdateItem(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, it)
}

type movementResponse struct {
	Movement *Movement `json:"movement"`
	Item     *Item     `json:"item"`
}

func (h *Handler) RecordMovement(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "inventory item")
	if err != nil {
		return err
	}
	var in MovementInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	mv, it, err := h.svc.RecordMovement(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.Created(c, mv.ID, movementResponse{Movement: mv, Item: it})
}

func (h *Handler) ListMovements(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "inventory item")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	moves, total, err := h.svc.ListMovements(ctx, auth.PrincipalFromContext(ctx), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(moves, total, pg))
}
