package billing

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
	read := api.Group("", auth.RequirePermission(auth.BillingRead))
	read.GET("/invoices", h.ListInvoices)
	read.GET("/invoices/:id", h.GetInvoice)
	read.GET("/invoices/:id/payments", h.ListPayments)

	write := api.Group("", auth.RequirePermission(auth.BillingWrite))
	write.POST("/invoices", h.CreateInvoice)
	write.PATCH("/invoices/:id", h.UpdateInvoice)
	write.POST("/invoices/:id/status", h.TransitionInvoice)
	write.DELETE("/invoices/:id", h.DeleteInvoice)
	write.POST("/invoices/:id/payments", h.RecordPayment)

	refund := api.Group("", auth.RequirePermission(auth.BillingRefund))
	refund.POST("/invoices/:id/refunds", h.RefundPayment)
}

func (h *Handler) CreateInvoice(c echo.Context) error {
	var in CreateInvoiceInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	inv, err := h.svc.CreateInvoice(ctx, auth.PrincipalFromContext(ctx), in)
	if err != nil {
		return err
	}
	return respond.Created(c, inv.ID, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "invoice")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	inv, err := h.svc.GetInvoice(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return respond.OK(c, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	var err error
	if f.PatientID, err = respond.QueryUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.PlanID, err = respond.QueryUUID(c, "plan_id"); err != nil {
		return err
	}
	f.Status = Status(c.QueryParam("status"))

	ctx := c.Request().Context()
	items, total, err := h.svc.ListInvoices(ctx, auth.PrincipalFromContext(ctx), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UpdateInvoice(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "invoice")
	if err != nil {
		return err
	}
	var in UpdateInvoiceInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	inv, err := h.svc.UpdateInvoice(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, inv)
}

func (h *Handler) TransitionInvoice(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "invoice")
	if err != nil {
		return err
	}
	var in TransitionInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	inv, err := h.svc.TransitionInvoice(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, inv)
}

func (h *Handler) DeleteInvoice(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "invoice")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteInvoice(ctx, auth.PrincipalFromContext(ctx), id); err != nil {
		return err
	}
	return respond.NoContent(c)
}

type paymentResponse struct {
	Payment *Payment `json:"payment"`
	Invoice *Invoice `json:"invoice"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "invoice")
	if err != nil {
		return err
	}
	var in PaymentInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	pay, inv, err := h.svc.RecordPayment(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.Created(c, pay.ID, paymentResponse{Payment: pay, Invoice: inv})
}

func (h *Handler) RefundPayment(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "invoice")
	if err != nil {
		return err
	}
	var in RefundInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	pay, inv, err := h.svc.RefundPayment(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.Created(c, pay.ID, paymentResponse{Payment: pay, Invoice: inv})
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "invoice")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	payments, err := h.svc.ListPayments(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return respond.OK(c, payments)
}
