package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/onboarding/internal/result"
	"github.com/jmehdipour/onboarding/internal/service/idempotency"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

// statusOf maps a failure code to its HTTP status.
func statusOf(code result.Code) int {
	switch code {
	case result.CodeValidation:
		return http.StatusBadRequest
	case result.CodeNotFound:
		return http.StatusNotFound
	case result.CodeConflict:
		return http.StatusConflict
	case result.CodeOtpInvalid:
		return http.StatusUnprocessableEntity
	case result.CodeOtpExpired:
		return http.StatusGone
	case result.CodeFeatureDisabled:
		return http.StatusForbidden
	case result.CodeExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeResult renders a workflow outcome: the value on success, the mapped
// failure otherwise. err carries guard and infrastructure errors.
func writeResult[T any](c echo.Context, okStatus int, res result.Result[T], err error) error {
	if err != nil {
		return writeError(c, err)
	}
	if f := res.Failure; f != nil {
		return c.JSON(statusOf(f.Code), errorBody{Error: f.Code.String(), Message: f.Message, Fields: f.Fields})
	}
	return c.JSON(okStatus, res.Value)
}

func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		return c.JSON(http.StatusConflict, errorBody{
			Error:   "duplicate_in_flight",
			Message: "a request with this Idempotency-Key is still being processed",
		})
	case errors.Is(err, idempotency.ErrKeyExpired):
		return c.JSON(http.StatusUnprocessableEntity, errorBody{
			Error:   "idempotency_key_expired",
			Message: "use a new Idempotency-Key",
		})
	case errors.Is(err, idempotency.ErrKeyReused):
		return c.JSON(http.StatusUnprocessableEntity, errorBody{
			Error:   "idempotency_key_reused",
			Message: "this Idempotency-Key belongs to another operation",
		})
	}

	log.Errorf("request failed: %v", err)
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error"})
}
