package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/dygrag/internal/queue"
	"github.com/OFFIS-RIT/dygrag/internal/server/middleware"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"

	"github.com/labstack/echo/v4"
)

type documentBody struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content" validate:"required"`
}

type addDocumentsBody struct {
	Documents []documentBody `json:"documents" validate:"required,min=1,dive"`
}

type addDocumentsResponse struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Documents int    `json:"documents,omitempty"`
}

// AddDocumentsHandler enqueues documents for indexing. Without a queue the
// documents are indexed before the response is sent.
func AddDocumentsHandler(c echo.Context) error {
	ac := c.(*middleware.AppContext)

	data := new(addDocumentsBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, addDocumentsResponse{
			Message:   "Invalid request body",
			RequestID: ac.RequestID,
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, addDocumentsResponse{
			Message:   "Invalid request body",
			RequestID: ac.RequestID,
		})
	}

	docs := make([]common.Document, len(data.Documents))
	for i, d := range data.Documents {
		docs[i] = common.Document{ID: d.ID, Title: d.Title, Content: d.Content}
	}

	ctx := c.Request().Context()
	if ac.App.Queue == nil {
		if err := ac.App.Engine.Insert(ctx, docs); err != nil {
			logger.Error("[API] Insert failed", "request_id", ac.RequestID, "err", err)
			return c.JSON(http.StatusInternalServerError, addDocumentsResponse{
				Message:   "Failed to index documents",
				RequestID: ac.RequestID,
			})
		}
		return c.JSON(http.StatusOK, addDocumentsResponse{
			Message:   "Documents indexed",
			RequestID: ac.RequestID,
			Documents: len(docs),
		})
	}

	if err := queue.EnqueueDocuments(ctx, ac.App.Queue, ac.RequestID, docs); err != nil {
		logger.Error("[API] Enqueue failed", "request_id", ac.RequestID, "err", err)
		return c.JSON(http.StatusInternalServerError, addDocumentsResponse{
			Message:   "Failed to enqueue documents",
			RequestID: ac.RequestID,
		})
	}
	return c.JSON(http.StatusAccepted, addDocumentsResponse{
		Message:   "Documents queued for indexing",
		RequestID: ac.RequestID,
		Documents: len(docs),
	})
}
