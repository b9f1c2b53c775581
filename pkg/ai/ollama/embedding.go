package ollama

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"

	"github.com/ollama/ollama/api"
)

// GenerateEmbeddings embeds all inputs in one request. Vectors whose length
// differs from EmbeddingDim are reported as ai.ErrMalformedResponse.
func (c *GraphOllamaClient) GenerateEmbeddings(
	ctx context.Context,
	inputs []string,
) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	req := &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: inputs,
	}
	if c.embeddingDim > 0 {
		req.Dimensions = c.embeddingDim
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	res, err := c.Client.Embed(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		DurationMs:  res.TotalDuration.Milliseconds(),
	})

	if len(res.Embeddings) != len(inputs) {
		return nil, ai.Malformed(fmt.Errorf("embedding response size mismatch: got %d want %d", len(res.Embeddings), len(inputs)))
	}
	for i, v := range res.Embeddings {
		if len(v) != c.embeddingDim {
			return nil, ai.Malformed(fmt.Errorf("embedding %d dimension mismatch: got %d want %d", i, len(v), c.embeddingDim))
		}
	}
	return res.Embeddings, nil
}
