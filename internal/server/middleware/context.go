package middleware

import (
	"context"

	"github.com/OFFIS-RIT/dygrag/internal/queue"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/query"
	"github.com/OFFIS-RIT/dygrag/pkg/report"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// RequestIDHeader carries the correlation id of a request.
const RequestIDHeader = "X-Request-ID"

// Engine is the part of *engine.Engine the API uses.
type Engine interface {
	Query(ctx context.Context, text string, param query.Param, opts ...query.QueryOption) (*query.Result, error)
	Communities(ctx context.Context) ([]report.Report, error)
	Insert(ctx context.Context, docs []common.Document) error
}

type AppUser struct {
	UserID      string
	Role        string
	Permissions []string
}

type App struct {
	Engine Engine
	// Queue receives document batches. When nil, documents are indexed
	// synchronously by the request.
	Queue        queue.Publisher
	Keyfunc      jwt.Keyfunc
	MasterAPIKey string
}

type AppContext struct {
	echo.Context
	App       *App
	User      *AppUser
	RequestID string
}

// AppContextMiddleware wraps every request in an AppContext and assigns it
// a request id, reusing the caller's X-Request-ID when present.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(RequestIDHeader)
			if id == "" {
				var err error
				if id, err = gonanoid.New(); err != nil {
					return err
				}
			}
			c.Response().Header().Set(RequestIDHeader, id)
			cc := &AppContext{Context: c, App: app, RequestID: id}
			return next(cc)
		}
	}
}
