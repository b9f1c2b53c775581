package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"golang.org/x/sync/errgroup"
)

func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// GenerateEmbeddings embeds inputs in batches of batchSize, running up to
// parallel batches at once. Output order matches input order.
func GenerateEmbeddings(
	ctx context.Context,
	client ai.EmbeddingClient,
	inputs []string,
	batchSize int,
	parallel int,
) ([][]float32, error) {
	if client == nil {
		return nil, fmt.Errorf("embedding client is nil")
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(inputs))

	eg, ectx := errgroup.WithContext(ctx)
	if parallel > 0 {
		eg.SetLimit(parallel)
	}
	_ = ChunkRange(len(inputs), batchSize, func(start, end int) error {
		eg.Go(func() error {
			emb, err := client.GenerateEmbeddings(ectx, inputs[start:end])
			if err != nil {
				return err
			}
			if len(emb) != end-start {
				return fmt.Errorf("%w: got %d embeddings for %d inputs", ai.ErrMalformedResponse, len(emb), end-start)
			}
			copy(out[start:end], emb)
			return nil
		})
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// CloneRecord returns a copy of r restricted to fields, or a full shallow
// copy when fields is empty.
func CloneRecord(r Record, fields ...string) Record {
	if r == nil {
		return nil
	}
	if len(fields) == 0 {
		out := make(Record, len(r))
		for k, v := range r {
			out[k] = v
		}
		return out
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// EncodeRecord converts v into a Record through its JSON form.
func EncodeRecord(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeRecord fills out from r through its JSON form.
func DecodeRecord(r Record, out any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// RecordString reads a string field, formatting numbers when needed.
func RecordString(r Record, key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// RecordInt reads an integer field stored either natively or as a JSON number.
func RecordInt(r Record, key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
