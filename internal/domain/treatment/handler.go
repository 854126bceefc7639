package treatment

import (
	"net/http"

	"github.com/google/uuid"
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
	read := api.Group("", auth.RequirePermission(auth.TreatmentsRead))
	read.GET("/treatment-plans", h.ListPlans)
	read.GET("/treatment-plans/:id", h.GetPlan)

	write := api.Group("", auth.RequirePermission(auth.TreatmentsWrite))
	write.POST("/treatment-plans", h.CreatePlan)
	write.PATCH("/treatment-plans/:id", h.UpdatePlan)
	write.DELETE("/treatment-plans/:id", h.DeletePlan)
	write.POST("/treatment-plans/:id/status", h.TransitionPlan)
	write.POST("/treatment-plans/:id/items", h.AddItem)
	write.PATCH("/treatment-plans/:id/items/:item", h.UpdateItem)
	write.DELETE("/treatment-plans/:id/items/:item", h.RemoveItem)
	write.POST("/treatment-plans/:id/items/:item/status", h.SetItemStatus)

	invoice := api.Group("", auth.RequirePermission(auth.TreatmentsWrite, auth.BillingWrite))
	invoice.POST("/treatment-plans/:id/invoice", h.GenerateInvoice)
}

func planAndItem(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	planID, err := respond.ParamID(c, "id", "treatment plan")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	itemID, err := respond.ParamID(c, "item", "treatment item")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return planID, itemID, nil
}

func (h *Handler) CreatePlan(c echo.Context) error {
	var in CreatePlanInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	plan, err := h.svc.CreatePlan(ctx, auth.PrincipalFromContext(ctx), in)
	if err != nil {
		return err
	}
	return respond.Created(c, plan.ID, plan)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "treatment plan")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	plan, err := h.svc.GetPlan(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return respond.OK(c, plan)
}

func (h *Handler) ListPlans(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	var err error
	if f.PatientID, err = respond.QueryUUID(c, "patient_id"); err != nil {
		return err
	}
	f.Status = PlanStatus(c.QueryParam("status"))

	ctx := c.Request().Context()
	plans, total, err := h.svc.ListPlans(ctx, auth.PrincipalFromContext(ctx), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(plans, total, pg))
}

func (h *Handler) UpdatePlan(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "treatment plan")
	if err != nil {
		return err
	}
	var in UpdatePlanInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	plan, err := h.svc.UpdatePlan(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, plan)
}

func (h *Handler) DeletePlan(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "treatment plan")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeletePlan(ctx, auth.PrincipalFromContext(ctx), id); err != nil {
		return err
	}
	return respond.NoContent(c)
}

func (h *Handler) TransitionPlan(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "treatment plan")
	if err != nil {
		return err
	}
	var in TransitionInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	plan, err := h.svc.TransitionPlan(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, plan)
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "treatment plan")
	if err != nil {
		return err
	}
	var in ItemInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	plan, err := h.svc.AddItem(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, respond.Envelope{Success: true, ID: &plan.ID, Data: plan})
}

func (h *Handler) UpdateItem(c echo.Context) error {
	planID, itemID, err := planAndItem(c)
	if err != nil {
		return err
	}
	var in UpdateItemInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	plan, err := h.svc.UpdateItem(ctx, auth.PrincipalFromContext(ctx), planID, itemID, in)
	if err != nil {
		return err
	}
	return respond.OK(c, plan)
}

func (h *Handler) RemoveItem(c echo.Context) error {
	planID, itemID, err := planAndItem(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	plan, err := h.svc.RemoveItem(ctx, auth.PrincipalFromContext(ctx), planID, itemID)
	if err != nil {
		return err
	}
	return respond.OK(c, plan)
}

func (h *Handler) SetItemStatus(c echo.Context) error {
	planID, itemID, err := planAndItem(c)
	if err != nil {
		return err
	}
	var in ItemStatusInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	plan, err := h.svc.SetItemStatus(ctx, auth.PrincipalFromContext(ctx), planID, itemID, in)
	if err != nil {
		return err
	}
	return respond.OK(c, plan)
}

func (h *Handler) GenerateInvoice(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "treatment plan")
	if err != nil {
		return err
	}
	var in GenerateInvoiceInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	inv, err := h.svc.GenerateInvoiceFromPlan(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.Created(c, inv.ID, inv)
}
