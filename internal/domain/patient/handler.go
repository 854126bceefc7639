package patient

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
	read := api.Group("", auth.RequirePermission(auth.PatientsRead))
	read.GET("/patients", h.List)
	read.GET("/patients/:id", h.Get)

	write := api.Group("", auth.RequirePermission(auth.PatientsWrite))
	write.POST("/patients", h.Create)
	write.PATCH("/patients/:id", h.Update)

	api.DELETE("/patients/:id", h.Delete, auth.RequirePermission(auth.PatientsDelete))
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	pt, err := h.svc.Create(ctx, auth.PrincipalFromContext(ctx), in)
	if err != nil {
		return err
	}
	return respond.Created(c, pt.ID, pt)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "patient")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	pt, err := h.svc.Get(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return respond.OK(c, pt)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	out, total, err := h.svc.List(ctx, auth.PrincipalFromContext(ctx), ListFilter{Search: c.QueryParam("q")}, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "patient")
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	pt, err := h.svc.Update(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, pt)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "patient")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.Delete(ctx, auth.PrincipalFromContext(ctx), id); err != nil {
		return err
	}
	return respond.NoContent(c)
}
