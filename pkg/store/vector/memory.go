package vector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/store"

	"github.com/vmihailenco/msgpack/v5"
)

// Options configures a vector index namespace.
type Options struct {
	Namespace string
	Embedder  ai.EmbeddingClient
	// MetaFields lists the metadata keys kept per entry. Empty keeps all.
	MetaFields []string
	// BatchSize and Parallel control embedding of contents without a
	// precomputed vector.
	BatchSize int
	Parallel  int
	// Blob persists a snapshot on IndexDone. Nil keeps the index in memory.
	Blob store.BlobStore
}

type entry struct {
	ID       string         `msgpack:"id"`
	Vector   []float32      `msgpack:"vector"`
	Metadata map[string]any `msgpack:"metadata"`

	norm float64
}

type snapshot struct {
	Dim     int     `msgpack:"dim"`
	Entries []entry `msgpack:"entries"`
}

// MemoryIndex is a brute-force cosine index. Entries keep the position of
// their first insertion, which breaks similarity ties.
type MemoryIndex struct {
	opts Options
	dim  int

	mu      sync.RWMutex
	entries []*entry
	pos     map[string]int
	dirty   bool
}

// SnapshotName is the blob key of a namespace.
func SnapshotName(namespace string) string {
	return fmt.Sprintf("vdb_%s.msgpack", namespace)
}

// NewMemoryIndex creates the index with the embedder's dimensionality and
// loads an existing snapshot. A snapshot of another dimensionality is
// rejected with store.ErrDimensionMismatch.
func NewMemoryIndex(ctx context.Context, opts Options) (*MemoryIndex, error) {
	if opts.Embedder == nil {
		return nil, errors.New("vector: embedder is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	idx := &MemoryIndex{
		opts: opts,
		dim:  opts.Embedder.EmbeddingDim(),
		pos:  map[string]int{},
	}
	if idx.dim <= 0 {
		return nil, fmt.Errorf("vector: invalid embedding dimension %d", idx.dim)
	}
	if err := idx.load(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// load replaces the entries with the stored snapshot. A missing snapshot
// leaves the index as it is.
func (m *MemoryIndex) load(ctx context.Context) error {
	if m.opts.Blob == nil {
		return nil
	}

	raw, err := m.opts.Blob.Get(ctx, SnapshotName(m.opts.Namespace))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load vector namespace %s: %w", m.opts.Namespace, err)
	}

	var snap snapshot
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode vector namespace %s: %w", m.opts.Namespace, err)
	}
	if snap.Dim != m.dim {
		return fmt.Errorf("%w: snapshot %s has %d, embedder has %d",
			store.ErrDimensionMismatch, m.opts.Namespace, snap.Dim, m.dim)
	}

	entries := make([]*entry, 0, len(snap.Entries))
	pos := make(map[string]int, len(snap.Entries))
	for i := range snap.Entries {
		e := snap.Entries[i]
		e.norm = norm(e.Vector)
		pos[e.ID] = len(entries)
		entries = append(entries, &e)
	}

	m.mu.Lock()
	m.entries, m.pos, m.dirty = entries, pos, false
	m.mu.Unlock()
	logger.Debug("[Vector] Loaded namespace", "namespace", m.opts.Namespace, "entries", len(entries))
	return nil
}

func (m *MemoryIndex) Namespace() string { return m.opts.Namespace }

func (m *MemoryIndex) Dim() int { return m.dim }

func (m *MemoryIndex) Len(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Upsert embeds contents without a vector, validates every dimension and
// only then writes. Ids are applied in sorted order so new entries get a
// deterministic insertion position.
func (m *MemoryIndex) Upsert(ctx context.Context, data map[string]store.VectorData) error {
	if len(data) == 0 {
		return nil
	}

	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	vectors, err := resolveVectors(ctx, m.opts.Embedder, ids, data, m.opts.BatchSize, m.opts.Parallel)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if len(vectors[i]) != m.dim {
			return fmt.Errorf("%w: %s has %d, index has %d", store.ErrDimensionMismatch, id, len(vectors[i]), m.dim)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		e := &entry{
			ID:       id,
			Vector:   vectors[i],
			Metadata: filterMeta(data[id].Metadata, m.opts.MetaFields),
			norm:     norm(vectors[i]),
		}
		if p, ok := m.pos[id]; ok {
			m.entries[p] = e
			continue
		}
		m.pos[id] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	m.dirty = true
	return nil
}

// Query embeds query and returns the topK most similar entries.
func (m *MemoryIndex) Query(ctx context.Context, query string, topK int) ([]store.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	emb, err := m.opts.Embedder.GenerateEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(emb) != 1 || len(emb[0]) != m.dim {
		return nil, fmt.Errorf("%w: query embedding", store.ErrDimensionMismatch)
	}
	return m.QueryVector(emb[0], topK), nil
}

// QueryVector ranks entries against a precomputed vector.
func (m *MemoryIndex) QueryVector(q []float32, topK int) []store.VectorMatch {
	qn := norm(q)

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]store.VectorMatch, len(m.entries))
	for i, e := range m.entries {
		matches[i] = store.VectorMatch{
			ID:         e.ID,
			Similarity: cosine(q, qn, e.Vector, e.norm),
			Metadata:   copyMeta(e.Metadata),
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := m.pos[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return nil
	}
	kept := m.entries[:0]
	for _, e := range m.entries {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	m.pos = make(map[string]int, len(kept))
	for i, e := range kept {
		m.pos[e.ID] = i
	}
	m.dirty = true
	return nil
}

// IndexStart reloads the snapshot so a run continues from the last commit of
// any process sharing the blob store. Uncommitted changes are discarded.
func (m *MemoryIndex) IndexStart(ctx context.Context) error {
	return m.load(ctx)
}

// IndexDone writes a snapshot if the index changed.
func (m *MemoryIndex) IndexDone(ctx context.Context) error {
	if m.opts.Blob == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}

	snap := snapshot{Dim: m.dim, Entries: make([]entry, len(m.entries))}
	for i, e := range m.entries {
		snap.Entries[i] = *e
	}
	raw, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode vector namespace %s: %w", m.opts.Namespace, err)
	}
	if err := m.opts.Blob.Put(ctx, SnapshotName(m.opts.Namespace), raw); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

func (m *MemoryIndex) QueryDone(ctx context.Context) error {
	return nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
