package auth

import (
	"slices"

	"github.com/labstack/echo/v4"
)

// Routes served without an identity. Matched against the registered route
// pattern, so query strings and path params do not matter.
var publicRoutes = []string{"/health", "/metrics"}

// AuthSkipper lets probes and scrapers through IdentityMiddleware.
func AuthSkipper(c echo.Context) bool {
	return slices.Contains(publicRoutes, c.Path())
}
