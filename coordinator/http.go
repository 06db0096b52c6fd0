package coordinator

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/makr-code/polyglot-coordinator/archive"
	"github.com/makr-code/polyglot-coordinator/backend"
)

// RegisterRoutes adds the coordinator's read-only diagnostics endpoints
// to an Echo group, mirroring the reference corpus's
// statemanager.Manager.RegisterRoutes convention: a handful of GET
// routes backed directly by the component's own accessor methods, no
// separate DTO layer.
func (c *Coordinator) RegisterRoutes(g *echo.Group) {
	g.GET("/stats", c.handleStats)
	g.GET("/health", c.handleHealth)
	g.GET("/archived", c.handleListArchived)
}

func (c *Coordinator) handleStats(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.Stats())
}

func (c *Coordinator) handleHealth(ctx echo.Context) error {
	report := c.Health(ctx.Request().Context())
	status := http.StatusOK
	if report.Overall == backend.HealthDown {
		status = http.StatusServiceUnavailable
	}
	return ctx.JSON(status, report)
}

func (c *Coordinator) handleListArchived(ctx echo.Context) error {
	credential := ctx.Request().Header.Get("Authorization")
	filter := archive.Filter{OwnerID: ctx.QueryParam("owner_id")}
	if raw := ctx.QueryParam("expiring_before"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.ExpiringBefore = t
		}
	}
	records, err := c.ListArchived(ctx.Request().Context(), credential, filter)
	if err != nil {
		return ctx.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	}
	return ctx.JSON(http.StatusOK, records)
}
