// Package respond writes the success envelope shared by every endpoint.
package respond

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
)

type Envelope struct {
	Success bool        `json:"success"`
	ID      *uuid.UUID  `json:"id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

func Created(c echo.Context, id uuid.UUID, data interface{}) error {
	return c.JSON(http.StatusCreated, Envelope{Success: true, ID: &id, Data: data})
}

func NoContent(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// Bind decodes the request body. Malformed bodies are ValidationFailed.
func Bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return apperr.Invalid("body", "malformed request body")
	}
	return nil
}

// ParamID parses a uuid path parameter. Malformed ids are reported as NotFound
// so probing with junk ids looks the same as probing with foreign ones.
func ParamID(c echo.Context, name, entity string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.NotFoundf(entity)
	}
	return id, nil
}

// QueryUUID parses an optional uuid query parameter.
func QueryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, apperr.Invalid(name, "must be a valid id")
	}
	return &id, nil
}

// QueryTime parses an optional RFC 3339 query parameter.
func QueryTime(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Invalid(name, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}
