package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// ErrMalformedMessage marks a message that can never be processed. It goes
// to the DLQ without retries.
var ErrMalformedMessage = errors.New("malformed queue message")

// IndexMessage is the body of an index_queue message.
type IndexMessage struct {
	CorrelationID string            `json:"correlation_id"`
	Documents     []common.Document `json:"documents"`
}

// Indexer is satisfied by *engine.Engine.
type Indexer interface {
	Insert(ctx context.Context, docs []common.Document) error
}

// EnqueueDocuments publishes docs as one index_queue message.
func EnqueueDocuments(ctx context.Context, ch Publisher, correlationID string, docs []common.Document) error {
	body, err := json.Marshal(IndexMessage{CorrelationID: correlationID, Documents: docs})
	if err != nil {
		return err
	}
	if err := PublishFIFO(ctx, ch, IndexQueue, body, amqp091.Table{"correlation_id": correlationID}); err != nil {
		return fmt.Errorf("publish to %s: %w", IndexQueue, err)
	}
	logger.Info("[Queue] Enqueued documents", "correlation_id", correlationID, "docs", len(docs))
	return nil
}

// ProcessIndexMessage decodes body and indexes its documents.
func ProcessIndexMessage(ctx context.Context, idx Indexer, body []byte) error {
	var msg IndexMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	docs := make([]common.Document, 0, len(msg.Documents))
	for _, d := range msg.Documents {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		docs = append(docs, d)
	}
	if len(docs) == 0 {
		return fmt.Errorf("%w: no documents with content", ErrMalformedMessage)
	}

	logger.Info("[Queue] Indexing documents", "correlation_id", msg.CorrelationID, "docs", len(docs))
	return idx.Insert(ctx, docs)
}
