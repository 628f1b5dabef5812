package notification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sintonia/sintonia/internal/platform/auth"
	"github.com/sintonia/sintonia/pkg/pagination"
)

// Handler exposes stored notifications over HTTP.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers the notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/notifications", h.HandleList, mw...)
}

// HandleList handles GET /notifications?recipient=... The recipient defaults
// to the caller; only admins may read another user's notifications.
func (h *Handler) HandleList(c echo.Context) error {
	ctx := c.Request().Context()
	caller := auth.UserIDFromContext(ctx)
	callerID, callerErr := uuid.Parse(caller)

	recipient := c.QueryParam("recipient")
	if recipient == "" {
		if callerErr != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "caller identity is not a user id")
		}
		recipient = caller
	}
	id, err := uuid.Parse(recipient)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid recipient id")
	}
	if (callerErr != nil || id != callerID) && !auth.HasRole(auth.RolesFromContext(ctx), auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another user's notifications")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.store.ListByRecipient(ctx, id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, resp.WithLinks(c.Request().URL))
}
