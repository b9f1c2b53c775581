package store

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/dygrag/pkg/common"
)

var (
	// ErrNotFound is returned when an id is absent from a store. Callers
	// treat it as an empty result, not a failure.
	ErrNotFound = errors.New("not found")
	// ErrDimensionMismatch is returned when an embedding does not have the
	// dimensionality the index was created with.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrInconsistentPartition is returned when the graph changed while
	// clustering was running. The partition is discarded.
	ErrInconsistentPartition = errors.New("graph mutated during clustering")
	// ErrUnknownAlgorithm is returned for an unsupported clustering algorithm.
	ErrUnknownAlgorithm = errors.New("unknown clustering algorithm")
)

// Namespace is implemented by every store. IndexStart runs before an
// indexing run and brings the store up to the last commit made by any
// process. IndexDone is the commit point after an indexing stage; once it
// returns, all prior upserts are durable.
type Namespace interface {
	Namespace() string
	IndexStart(ctx context.Context) error
	IndexDone(ctx context.Context) error
	QueryDone(ctx context.Context) error
}

// Record is a structured KV value.
type Record = map[string]any

// KVStore maps string ids to records within one namespace.
type KVStore interface {
	Namespace

	AllKeys(ctx context.Context) ([]string, error)
	// Get returns ErrNotFound when id is absent.
	Get(ctx context.Context, id string) (Record, error)
	// GetMany returns records aligned with ids, nil for absent ids. When
	// fields are given only those keys are kept.
	GetMany(ctx context.Context, ids []string, fields ...string) ([]Record, error)
	// FilterNew returns the ids not present in the store, in input order.
	FilterNew(ctx context.Context, ids []string) ([]string, error)
	// Upsert inserts or replaces records. Within one call the last value
	// for an id wins.
	Upsert(ctx context.Context, data map[string]Record) error
	Delete(ctx context.Context, ids []string) error
	Drop(ctx context.Context) error
}

// VectorData is one VectorIndex entry. When Embedding is nil it is computed
// from Content with the index's embedding client.
type VectorData struct {
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// VectorMatch is one query result.
type VectorMatch struct {
	ID         string
	Similarity float64
	Metadata   map[string]any
}

// VectorIndex stores embeddings for cosine-similarity search.
type VectorIndex interface {
	Namespace

	// Upsert fails with ErrDimensionMismatch before writing anything if any
	// embedding has the wrong size.
	Upsert(ctx context.Context, data map[string]VectorData) error
	// Query returns at most topK matches by descending similarity. Equal
	// similarities keep insertion order.
	Query(ctx context.Context, query string, topK int) ([]VectorMatch, error)
	Delete(ctx context.Context, ids []string) error
	Len(ctx context.Context) (int, error)
	Dim() int
}

// Attributes are node and edge attributes.
type Attributes = map[string]string

// EdgeKey identifies a directed edge.
type EdgeKey struct {
	Source string
	Target string
}

// Edge is an edge with its attributes.
type Edge struct {
	EdgeKey
	Attributes Attributes
}

// NodeData is a node with its attributes.
type NodeData struct {
	ID         string
	Attributes Attributes
}

// GraphStore is a directed attributed graph with hierarchical clustering.
// Batch methods behave like the single-item methods called in order.
type GraphStore interface {
	Namespace

	HasNode(ctx context.Context, id string) (bool, error)
	HasEdge(ctx context.Context, source, target string) (bool, error)
	// NodeDegree counts distinct incident edges in both directions.
	NodeDegree(ctx context.Context, id string) (int, error)
	NodeDegrees(ctx context.Context, ids []string) ([]int, error)
	// EdgeDegree is the sum of the endpoints' degrees.
	EdgeDegree(ctx context.Context, source, target string) (int, error)
	EdgeDegrees(ctx context.Context, edges []EdgeKey) ([]int, error)

	// GetNode returns ErrNotFound when the node is absent.
	GetNode(ctx context.Context, id string) (Attributes, error)
	// GetNodes returns nil entries for absent nodes.
	GetNodes(ctx context.Context, ids []string) ([]Attributes, error)
	// GetEdge returns ErrNotFound when the edge is absent.
	GetEdge(ctx context.Context, source, target string) (Attributes, error)
	GetEdges(ctx context.Context, edges []EdgeKey) ([]Attributes, error)
	// GetNodeEdges returns all edges touching id, or ErrNotFound.
	GetNodeEdges(ctx context.Context, id string) ([]EdgeKey, error)
	GetNodesEdges(ctx context.Context, ids []string) ([][]EdgeKey, error)

	UpsertNode(ctx context.Context, id string, attrs Attributes) error
	UpsertNodes(ctx context.Context, nodes []NodeData) error
	// UpsertEdge creates missing endpoints.
	UpsertEdge(ctx context.Context, source, target string, attrs Attributes) error
	UpsertEdges(ctx context.Context, edges []Edge) error

	// Clustering partitions the graph and stores the hierarchy.
	Clustering(ctx context.Context, algorithm string) error
	// CommunitySchema returns the stored hierarchy keyed by title.
	CommunitySchema(ctx context.Context) (map[string]common.Community, error)
}

// BlobStore persists opaque snapshots by key.
type BlobStore interface {
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
