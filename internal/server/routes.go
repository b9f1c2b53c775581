package server

import (
	"github.com/OFFIS-RIT/dygrag/internal/server/middleware"
	"github.com/OFFIS-RIT/dygrag/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	apiRoutes.POST("/query", routes.QueryHandler, middleware.RequirePermission(middleware.PermissionQuery))
	apiRoutes.POST("/documents", routes.AddDocumentsHandler, middleware.RequirePermission(middleware.PermissionAddDocuments))
	apiRoutes.GET("/communities", routes.GetCommunitiesHandler, middleware.RequirePermission(middleware.PermissionViewCommunities))
}
