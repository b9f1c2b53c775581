package middleware

import (
	"net/http"
	"slices"

	"github.com/OFFIS-RIT/dygrag/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Can reports whether user holds permission.
func (u *AppUser) Can(permission string) bool {
	return u != nil && slices.Contains(u.Permissions, permission)
}

// RequirePermission rejects requests whose user lacks permission. It runs
// after AuthMiddleware.
func RequirePermission(permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ac := c.(*AppContext)
			if ac.User == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			if !ac.User.Can(permission) {
				logger.Debug("[API] Permission denied",
					"request_id", ac.RequestID, "user", ac.User.UserID, "permission", permission)
				return c.JSON(http.StatusForbidden, map[string]string{"error": "missing permission " + permission})
			}
			return next(c)
		}
	}
}
