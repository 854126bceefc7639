package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every failed response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.Unauthenticated:    http.StatusUnauthorized,
	apperr.NoActiveMembership: http.StatusForbidden,
	apperr.Forbidden:          http.StatusForbidden,
	apperr.NotFound:           http.StatusNotFound,
	apperr.ValidationFailed:   http.StatusUnprocessableEntity,
	apperr.InvalidTransition:  http.StatusConflict,
	apperr.DoubleBooked:       http.StatusConflict,
	apperr.BalanceExceeded:    http.StatusConflict,
	apperr.InsufficientStock:  http.StatusConflict,
	apperr.ImmutableState:     http.StatusConflict,
	apperr.Internal:           http.StatusInternalServerError,
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func errorBody(err error) (int, ErrorBody) {
	if e, ok := apperr.As(err); ok {
		status := StatusFor(e.Kind)
		if status == http.StatusInternalServerError {
			return status, ErrorBody{Error: string(apperr.Internal), Message: "internal error"}
		}
		return status, ErrorBody{Error: string(e.Kind), Message: e.Message, Field: e.Field}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		} else if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		kind := "HTTPError"
		switch he.Code {
		case http.StatusUnauthorized:
			kind = string(apperr.Unauthenticated)
		case http.StatusForbidden:
			kind = string(apperr.Forbidden)
		case http.StatusNotFound:
			kind = string(apperr.NotFound)
		case http.StatusTooManyRequests:
			kind = "RateLimited"
		}
		if he.Code >= 500 {
			return he.Code, ErrorBody{Error: string(apperr.Internal), Message: "internal error"}
		}
		return he.Code, ErrorBody{Error: kind, Message: msg}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorBody{Error: "Timeout", Message: "request timed out"}
	}
	return http.StatusInternalServerError, ErrorBody{Error: string(apperr.Internal), Message: "internal error"}
}

// ErrorHandler renders failures as ErrorBody. Internal details are logged,
// never sent.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := errorBody(err)
		if status >= 500 {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("request failed")
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}
