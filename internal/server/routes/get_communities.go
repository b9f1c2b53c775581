package routes

import (
	"net/http"
	"strconv"

	"github.com/OFFIS-RIT/dygrag/internal/server/middleware"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/report"

	"github.com/labstack/echo/v4"
)

type getCommunitiesResponse struct {
	Message     string          `json:"message,omitempty"`
	RequestID   string          `json:"request_id"`
	Communities []report.Report `json:"communities"`
}

// GetCommunitiesHandler lists community reports, optionally of one level.
func GetCommunitiesHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)

	level := -1
	if raw := c.QueryParam("level"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return c.JSON(http.StatusBadRequest, getCommunitiesResponse{
				Message:   "Invalid level",
				RequestID: ac.RequestID,
			})
		}
		level = v
	}

	reports, err := ac.App.Engine.Communities(c.Request().Context())
	if err != nil {
		logger.Error("[API] Listing communities failed", "request_id", ac.RequestID, "err", err)
		return c.JSON(http.StatusInternalServerError, getCommunitiesResponse{
			Message:   "Internal server error",
			RequestID: ac.RequestID,
		})
	}

	out := make([]report.Report, 0, len(reports))
	for _, r := range reports {
		if level < 0 || r.Level == level {
			out = append(out, r)
		}
	}
	return c.JSON(http.StatusOK, getCommunitiesResponse{RequestID: ac.RequestID, Communities: out})
}
