package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/dygrag/internal/server/middleware"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/query"

	"github.com/labstack/echo/v4"
)

type queryBody struct {
	Query string `json:"query" validate:"required"`
	Trace bool   `json:"trace"`
	query.Param
}

type queryResponse struct {
	Message   string                    `json:"message,omitempty"`
	RequestID string                    `json:"request_id"`
	Result    *query.Result             `json:"result,omitempty"`
	Trace     *query.QueryTraceSnapshot `json:"trace,omitempty"`
}

// QueryHandler answers a query. Omitted parameters keep their defaults.
func QueryHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)

	data := &queryBody{Param: query.DefaultParam()}
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{
			Message:   "Invalid request body",
			RequestID: ac.RequestID,
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{
			Message:   "Invalid request body",
			RequestID: ac.RequestID,
		})
	}

	var opts []query.QueryOption
	trace := query.NewQueryTrace()
	if data.Trace {
		opts = append(opts, query.WithTracer(trace))
	}

	ctx := c.Request().Context()
	res, err := ac.App.Engine.Query(ctx, data.Query, data.Param, opts...)
	if err != nil {
		status, message := queryErrorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("[API] Query failed", "request_id", ac.RequestID, "err", err)
		}
		return c.JSON(status, queryResponse{Message: message, RequestID: ac.RequestID})
	}

	resp := queryResponse{RequestID: ac.RequestID, Result: res}
	if data.Trace {
		snap := trace.Snapshot()
		resp.Trace = &snap
	}
	return c.JSON(http.StatusOK, resp)
}

func queryErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, query.ErrInvalidParam):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, query.ErrNoData):
		return http.StatusNotFound, "No data indexed yet"
	case errors.Is(err, query.ErrTimeout):
		return http.StatusGatewayTimeout, "Query timed out"
	case errors.Is(err, query.ErrUpstreamFailure):
		return http.StatusBadGateway, "Upstream model service failed"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
