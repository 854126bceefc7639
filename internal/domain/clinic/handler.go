package clinic

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

// RegisterPlatformRoutes mounts provisioning on a group that only carries an
// identity, not a resolved clinic membership.
func (h *Handler) RegisterPlatformRoutes(platform *echo.Group) {
	platform.Use(auth.PlatformAdminMiddleware())
	platform.POST("/tenants", h.Onboard)
	platform.DELETE("/tenants/:slug", h.DeleteTenant)
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequirePermission(auth.StaffRead))
	read.GET("/staff", h.ListMembers)
	read.GET("/roles", h.ListRoles)

	write := api.Group("", auth.RequirePermission(auth.StaffWrite))
	write.POST("/staff", h.AddMember)
	write.POST("/staff/:id/role", h.ChangeMemberRole)
	write.POST("/staff/:id/deactivate", h.DeactivateMember)
	write.POST("/staff/:id/reactivate", h.ReactivateMember)
}

func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, apperr.New(apperr.Unauthenticated, "not signed in")
	}
	return id, nil
}

func (h *Handler) Onboard(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var in OnboardInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	out, err := h.svc.Onboard(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return respond.Created(c, out.Tenant.ID, out)
}

func (h *Handler) DeleteTenant(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTenant(c.Request().Context(), id, c.Param("slug")); err != nil {
		return err
	}
	return respond.NoContent(c)
}

func (h *Handler) ListMembers(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	members, total, err := h.svc.ListMembers(ctx, auth.PrincipalFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(members, total, pg))
}

func (h *Handler) ListRoles(c echo.Context) error {
	ctx := c.Request().Context()
	roles, err := h.svc.ListRoles(ctx, auth.PrincipalFromContext(ctx))
	if err != nil {
		return err
	}
	return respond.OK(c, roles)
}

func (h *Handler) AddMember(c echo.Context) error {
	var in AddMemberInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.svc.AddMember(ctx, auth.PrincipalFromContext(ctx), in)
	if err != nil {
		return err
	}
	return respond.Created(c, m.ID, m)
}

func (h *Handler) ChangeMemberRole(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "member")
	if err != nil {
		return err
	}
	var in ChangeRoleInput
	if err := respond.Bind(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.svc.ChangeMemberRole(ctx, auth.PrincipalFromContext(ctx), id, in)
	if err != nil {
		return err
	}
	return respond.OK(c, m)
}

func (h *Handler) DeactivateMember(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "member")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.svc.DeactivateMember(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return respond.OK(c, m)
}

func (h *Handler) ReactivateMember(c echo.Context) error {
	id, err := respond.ParamID(c, "id", "member")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.svc.ReactivateMember(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return respond.OK(c, m)
}
