package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/onboarding/internal/repository"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// listUserEventsHandler serves the delivered-event history of one user from
// the ClickHouse projection.
func listUserEventsHandler(chRepo repository.CHUserEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := strings.TrimSpace(c.Param("id"))
		if userID == "" {
			return badRequest(c, "id", "is required")
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}
		typ := strings.TrimSpace(c.QueryParam("type"))

		rows, err := chRepo.ListByUser(c.Request().Context(), userID, typ, limit, offset)
		if err != nil {
			log.Errorf("list user events: %v", err)
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error"})
		}
		if rows == nil {
			rows = []repository.UserEventRow{}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"items":  rows,
			"limit":  limit,
			"offset": offset,
		})
	}
}
