package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/dygrag/internal/storage"
	"github.com/OFFIS-RIT/dygrag/internal/testutil"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
)

var _ store.VectorIndex = (*MemoryIndex)(nil)

func newIndex(t *testing.T, opts Options) *MemoryIndex {
	t.Helper()
	if opts.Embedder == nil {
		opts.Embedder = testutil.NewEmbedder(3)
	}
	if opts.Namespace == "" {
		opts.Namespace = "chunks"
	}
	idx, err := NewMemoryIndex(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewMemoryIndex() error = %v", err)
	}
	return idx
}

func TestQuery_SortedAndBounded(t *testing.T) {
	ctx := context.Background()
	emb := testutil.NewEmbedder(3)
	emb.Vectors["q"] = []float32{1, 0, 0}
	idx := newIndex(t, Options{Embedder: emb})

	err := idx.Upsert(ctx, map[string]store.VectorData{
		"far":   {Embedding: []float32{0, 1, 0}},
		"near":  {Embedding: []float32{1, 0, 0}},
		"mid":   {Embedding: []float32{1, 1, 0}},
		"other": {Embedding: []float32{0, 0, 1}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	for _, k := range []int{1, 2, 4, 10} {
		got, err := idx.Query(ctx, "q", k)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(got) > k {
			t.Fatalf("Query(%d) returned %d results", k, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i].Similarity > got[i-1].Similarity {
				t.Fatalf("results not sorted: %+v", got)
			}
		}
	}

	got, _ := idx.Query(ctx, "q", 10)
	if len(got) != 4 {
		t.Fatalf("expected 4 results, got %d", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("unexpected ranking: %+v", got)
	}
}

func TestQuery_TiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	emb := testutil.NewEmbedder(2)
	emb.Vectors["q"] = []float32{1, 0}
	idx := newIndex(t, Options{Embedder: emb})

	// Separate batches so insertion order differs from id order.
	_ = idx.Upsert(ctx, map[string]store.VectorData{"b": {Embedding: []float32{1, 0}}})
	_ = idx.Upsert(ctx, map[string]store.VectorData{"a": {Embedding: []float32{2, 0}}})
	_ = idx.Upsert(ctx, map[string]store.VectorData{"c": {Embedding: []float32{3, 0}}})
	// Re-upserting keeps the original position.
	_ = idx.Upsert(ctx, map[string]store.VectorData{"b": {Embedding: []float32{5, 0}}})

	got, err := idx.Query(ctx, "q", 3)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	want := []string{"b", "a", "c"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: got %s, want %s (%+v)", i, got[i].ID, id, got)
		}
	}
}

func TestUpsert_DimensionMismatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, Options{})

	err := idx.Upsert(ctx, map[string]store.VectorData{
		"ok":  {Embedding: []float32{1, 0, 0}},
		"bad": {Embedding: []float32{1, 0}},
	})
	if !errors.Is(err, store.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if n, _ := idx.Len(ctx); n != 0 {
		t.Fatalf("expected empty index, got %d entries", n)
	}
}

func TestUpsert_EmbedsContentAndFiltersMetadata(t *testing.T) {
	ctx := context.Background()
	emb := testutil.NewEmbedder(8)
	idx := newIndex(t, Options{Embedder: emb, MetaFields: []string{"entity_name"}})

	err := idx.Upsert(ctx, map[string]store.VectorData{
		"ent-alice": {
			Content:  "ALICE a researcher",
			Metadata: map[string]any{"entity_name": "ALICE", "secret": "x"},
		},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := idx.Query(ctx, "ALICE a researcher", 1)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "ent-alice" {
		t.Fatalf("unexpected result %+v", got)
	}
	if got[0].Similarity < 0.999 {
		t.Fatalf("expected similarity 1 for identical text, got %f", got[0].Similarity)
	}
	if _, ok := got[0].Metadata["secret"]; ok {
		t.Fatalf("metadata not filtered: %v", got[0].Metadata)
	}
	if got[0].Metadata["entity_name"] != "ALICE" {
		t.Fatalf("missing entity_name: %v", got[0].Metadata)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, Options{})
	_ = idx.Upsert(ctx, map[string]store.VectorData{
		"a": {Embedding: []float32{1, 0, 0}},
		"b": {Embedding: []float32{0, 1, 0}},
	})
	if err := idx.Delete(ctx, []string{"a", "missing"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n, _ := idx.Len(ctx); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket, err := storage.NewLocalBucket(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBucket() error = %v", err)
	}
	emb := testutil.NewEmbedder(3)
	emb.Vectors["q"] = []float32{0, 1, 0}

	idx := newIndex(t, Options{Embedder: emb, Blob: bucket})
	_ = idx.Upsert(ctx, map[string]store.VectorData{
		"x": {Embedding: []float32{0, 1, 0}, Metadata: map[string]any{"tokens": 12, "doc": "d1"}},
		"y": {Embedding: []float32{1, 0, 0}},
	})
	if err := idx.IndexDone(ctx); err != nil {
		t.Fatalf("IndexDone() error = %v", err)
	}

	reloaded := newIndex(t, Options{Embedder: emb, Blob: bucket})
	got, err := reloaded.Query(ctx, "q", 1)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got[0].ID != "x" || store.RecordInt(got[0].Metadata, "tokens") != 12 || got[0].Metadata["doc"] != "d1" {
		t.Fatalf("unexpected reloaded result %+v", got)
	}

	_, err = NewMemoryIndex(ctx, Options{Namespace: "chunks", Embedder: testutil.NewEmbedder(4), Blob: bucket})
	if !errors.Is(err, store.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for snapshot of other size, got %v", err)
	}
}

func TestQuery_EmbedderFailure(t *testing.T) {
	emb := testutil.NewEmbedder(3)
	idx := newIndex(t, Options{Embedder: emb})
	emb.Err = errors.New("down")
	if _, err := idx.Query(context.Background(), "q", 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestIndexStart_Reloads(t *testing.T) {
	ctx := context.Background()
	bucket, err := storage.NewLocalBucket(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBucket() error = %v", err)
	}

	stale := newIndex(t, Options{Blob: bucket})
	if err := stale.Upsert(ctx, map[string]store.VectorData{"tmp": {Embedding: []float32{1, 1, 1}}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	writer := newIndex(t, Options{Blob: bucket})
	if err := writer.Upsert(ctx, map[string]store.VectorData{"x": {Embedding: []float32{0, 1, 0}}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := writer.IndexDone(ctx); err != nil {
		t.Fatalf("IndexDone() error = %v", err)
	}

	if err := stale.IndexStart(ctx); err != nil {
		t.Fatalf("IndexStart() error = %v", err)
	}
	got := stale.QueryVector([]float32{0, 1, 0}, 10)
	if len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("expected only the committed entry x, got %+v", got)
	}
}
