package scheduling

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
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
	read := api.Group("", auth.RequirePermission(auth.AppointmentsRead))
	read.GET("/appointments", h.ListAppointments)
	read.GET("/appointments/conflicts", h.CheckConflict)
	read.GET("/appointments/:id", h.GetAppointment)

	write := api.Group("", auth.RequirePermission(auth.AppointmentsWrite))
	write.POST("/appointments", h.CreateAppointment)
	write.PATCH("/appointments/:id", h.UpdateAppointment)
	write.POST("/appointments/:id/status", h.TransitionAppointment)
	write.DELETE("/appointments/:id", h.DeleteAppointment)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in CreateAppointmentInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.CreateAppointment(ctx, auth.PrincipalFromContext(ctx), in)
	if err != nil {
		return err
	}
	return respond.Created(c, a.ID, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "appointment")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.GetAppointment(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return respond.OK(c, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	var err error
	if f.PractitionerID, err = respond.QueryUUID(c, "practitioner_id"); err != nil {
		return err
	}
	if f.PatientID, err = respond.QueryUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.From, err = respond.QueryTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = respond.QueryTime(c, "to"); err != nil {
		return err
	}
	f.Status = Status(c.QueryParam("status"))

	ctx := c.Request().Context()
	items, total, err := h.svc.ListAppointments(ctx, auth.PrincipalFromContext(ctx), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// CheckConflict answers "is this slot free?" for the booking form.
func (h *Handler) CheckConflict(c echo.Context) error {
	pid, err := respond.QueryUUID(c, "practitioner_id")
	if err != nil {
		return err
	}
	if pid == nil {
		return apperr.Invalid("practitioner_id", "is required")
	}
	start, err := respond.QueryTime(c, "starts_at")
	if err != nil {
		return err
	}
	end, err := respond.QueryTime(c, "ends_at")
	if err != nil {
		return err
	}
	if start == nil || end == nil {
		return apperr.Invalid("starts_at", "starts_at and ends_at are required")
	}
	exclude, err := respond.QueryUUID(c, "exclude")
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	conflict, err := h.svc.HasConflict(ctx, auth.PrincipalFromContext(ctx), *pid, *start, *end, exclude)
	if err != nil {
		return err
	}
	return respond.OK(c, map[string]bool{"conflict": conflict})
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "appointment")
	if err != nil {
		return err
	}
	var in UpdateAppointmentInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.UpdateAppointment(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, a)
}

func (h *Handler) TransitionAppointment(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "appointment")
	if err != nil {
		return err
	}
	var in TransitionInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.TransitionAppointment(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "appointment")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteAppointment(ctx, auth.PrincipalFromContext(ctx), id); err != nil {
		return err
	}
	return respond.NoContent(c)
}
