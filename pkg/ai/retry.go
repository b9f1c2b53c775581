package ai

import (
	"context"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
)

type retryingCompletion struct {
	next    CompletionClient
	backoff util.Backoff
}

// WithCompletionRetry retries transient upstream failures (ErrUpstreamUnavailable)
// using b. Malformed responses and other errors are returned immediately.
func WithCompletionRetry(next CompletionClient, b util.Backoff) CompletionClient {
	return &retryingCompletion{next: next, backoff: b}
}

func (r *retryingCompletion) GenerateChat(
	ctx context.Context,
	messages []ChatMessage,
	opts ...GenerateOption,
) (string, error) {
	attempt := 0
	return util.RetryWithBackoff(ctx, r.backoff, IsRetryable, func(ctx context.Context) (string, error) {
		attempt++
		out, err := r.next.GenerateChat(ctx, messages, opts...)
		if err != nil && IsRetryable(err) {
			logger.Warn("[AI] Completion failed", "attempt", attempt, "err", err)
		}
		return out, err
	})
}

func (r *retryingCompletion) DefaultModel() string {
	return r.next.DefaultModel()
}

type retryingEmbedding struct {
	next    EmbeddingClient
	backoff util.Backoff
}

// WithEmbeddingRetry is the EmbeddingClient counterpart of WithCompletionRetry.
func WithEmbeddingRetry(next EmbeddingClient, b util.Backoff) EmbeddingClient {
	return &retryingEmbedding{next: next, backoff: b}
}

func (r *retryingEmbedding) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	attempt := 0
	return util.RetryWithBackoff(ctx, r.backoff, IsRetryable, func(ctx context.Context) ([][]float32, error) {
		attempt++
		out, err := r.next.GenerateEmbeddings(ctx, inputs)
		if err != nil && IsRetryable(err) {
			logger.Warn("[AI] Embedding failed", "attempt", attempt, "inputs", len(inputs), "err", err)
		}
		return out, err
	})
}

func (r *retryingEmbedding) EmbeddingDim() int { return r.next.EmbeddingDim() }

func (r *retryingEmbedding) MaxTokenSize() int { return r.next.MaxTokenSize() }
