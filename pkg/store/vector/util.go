package vector

import (
	"context"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
)

// resolveVectors returns one vector per id, embedding the contents of
// entries that carry no precomputed vector.
func resolveVectors(
	ctx context.Context,
	embedder ai.EmbeddingClient,
	ids []string,
	data map[string]store.VectorData,
	batchSize int,
	parallel int,
) ([][]float32, error) {
	out := make([][]float32, len(ids))
	var missing []int
	var contents []string
	for i, id := range ids {
		d := data[id]
		if d.Embedding != nil {
			out[i] = d.Embedding
			continue
		}
		missing = append(missing, i)
		contents = append(contents, d.Content)
	}
	if len(missing) == 0 {
		return out, nil
	}

	embs, err := store.GenerateEmbeddings(ctx, embedder, contents, batchSize, parallel)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		out[i] = embs[j]
	}
	return out, nil
}

func filterMeta(meta map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return copyMeta(meta)
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := meta[f]; ok {
			out[f] = v
		}
	}
	return out
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
