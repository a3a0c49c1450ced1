package http

import (
	"errors"

	"github.com/jmehdipour/onboarding/internal/result"
	"github.com/jmehdipour/onboarding/internal/validate"
	"github.com/labstack/echo/v4"
)

// requestValidator adapts the validate package to echo.Validator.
type requestValidator struct{}

func (requestValidator) Validate(i any) error {
	if f := validate.Struct(i); f != nil {
		return f
	}
	return nil
}

// errorHandler renders validation failures raised by c.Validate and defers
// everything else to echo's default handler.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var f *result.Failure
		if errors.As(err, &f) && !c.Response().Committed {
			_ = c.JSON(statusOf(f.Code), errorBody{Error: f.Code.String(), Message: f.Message, Fields: f.Fields})
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}
