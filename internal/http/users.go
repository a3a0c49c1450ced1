package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmehdipour/onboarding/internal/result"
	"github.com/jmehdipour/onboarding/internal/service/users"
	"github.com/labstack/echo/v4"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	maxIdempotencyKeyLen = 128
)

// UsersAPI is the workflow surface the handlers call; *users.Guarded
// implements it.
type UsersAPI interface {
	Register(ctx context.Context, key string, cmd users.RegisterCommand) (result.Result[users.RegisterResponse], error)
	Verify(ctx context.Context, key string, cmd users.VerifyCommand) (result.Result[users.VerifyResponse], error)
	Sync(ctx context.Context, cmd users.SyncCommand) (result.Result[users.SyncResponse], error)
}

var _ UsersAPI = (*users.Guarded)(nil)

func badRequest(c echo.Context, field, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{
		Error:   result.CodeValidation.String(),
		Message: field + " " + msg,
		Fields:  map[string][]string{field: {msg}},
	})
}

// idempotencyKey reads and checks the Idempotency-Key header.
func idempotencyKey(c echo.Context) (string, bool, error) {
	key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
	if key == "" {
		return "", false, badRequest(c, HeaderIdempotencyKey, "is required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", false, badRequest(c, HeaderIdempotencyKey, "must be at most 128 characters")
	}
	return key, true, nil
}

func registerHandler(api UsersAPI) echo.HandlerFunc {
	return func(c echo.Context) error {
		key, ok, err := idempotencyKey(c)
		if !ok {
			return err
		}

		var cmd users.RegisterCommand
		if err := c.Bind(&cmd); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "bad_request", Message: "malformed JSON body"})
		}
		if err := c.Validate(&cmd); err != nil {
			return err
		}

		res, err := api.Register(c.Request().Context(), key, cmd)
		return writeResult(c, http.StatusAccepted, res, err)
	}
}

func verifyHandler(api UsersAPI) echo.HandlerFunc {
	return func(c echo.Context) error {
		key, ok, err := idempotencyKey(c)
		if !ok {
			return err
		}

		var cmd users.VerifyCommand
		if err := c.Bind(&cmd); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "bad_request", Message: "malformed JSON body"})
		}
		if err := c.Validate(&cmd); err != nil {
			return err
		}

		res, err := api.Verify(c.Request().Context(), key, cmd)
		return writeResult(c, http.StatusOK, res, err)
	}
}

func syncHandler(api UsersAPI) echo.HandlerFunc {
	return func(c echo.Context) error {
		var cmd users.SyncCommand
		if err := c.Bind(&cmd); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "bad_request", Message: "malformed JSON body"})
		}
		if err := c.Validate(&cmd); err != nil {
			return err
		}

		res, err := api.Sync(c.Request().Context(), cmd)
		return writeResult(c, http.StatusOK, res, err)
	}
}
