// Package graph implements the GraphStore as an in-memory directed graph
// persisted as a msgpack snapshot.
package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/OFFIS-RIT/dygrag/pkg/cluster"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/store"

	"github.com/vmihailenco/msgpack/v5"
)

// Options configures a graph namespace.
type Options struct {
	Namespace string
	// Blob persists a snapshot on IndexDone. Nil keeps the graph in memory.
	Blob store.BlobStore
	// Cluster holds the seed and level limits. The algorithm is chosen per
	// Clustering call.
	Cluster cluster.Options
}

type snapshotEdge struct {
	Source     string            `msgpack:"s"`
	Target     string            `msgpack:"t"`
	Attributes map[string]string `msgpack:"a"`
}

type snapshot struct {
	Nodes       map[string]map[string]string `msgpack:"nodes"`
	Edges       []snapshotEdge               `msgpack:"edges"`
	Communities map[string]common.Community  `msgpack:"communities"`
}

// MemoryGraph is a directed graph without parallel edges. All writes hold
// one lock, which serializes attribute merges per namespace.
type MemoryGraph struct {
	opts Options

	mu          sync.RWMutex
	nodes       map[string]store.Attributes
	out         map[string]map[string]store.Attributes
	in          map[string]map[string]struct{}
	communities map[string]common.Community
	// version increments on every mutation; clustering compares it.
	version uint64
	dirty   bool
}

// SnapshotName is the blob key of a namespace.
func SnapshotName(namespace string) string {
	return fmt.Sprintf("graph_%s.msgpack", namespace)
}

// NewMemoryGraph creates the namespace and loads an existing snapshot.
func NewMemoryGraph(ctx context.Context, opts Options) (*MemoryGraph, error) {
	g := &MemoryGraph{
		opts:        opts,
		nodes:       map[string]store.Attributes{},
		out:         map[string]map[string]store.Attributes{},
		in:          map[string]map[string]struct{}{},
		communities: map[string]common.Community{},
	}
	if err := g.load(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// load replaces the graph with the stored snapshot. A missing snapshot
// leaves the graph as it is.
func (g *MemoryGraph) load(ctx context.Context) error {
	if g.opts.Blob == nil {
		return nil
	}

	raw, err := g.opts.Blob.Get(ctx, SnapshotName(g.opts.Namespace))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load graph namespace %s: %w", g.opts.Namespace, err)
	}

	var snap snapshot
	if err := msgpack.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode graph namespace %s: %w", g.opts.Namespace, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]store.Attributes, len(snap.Nodes))
	g.out = map[string]map[string]store.Attributes{}
	g.in = map[string]map[string]struct{}{}
	g.communities = map[string]common.Community{}
	for id, attrs := range snap.Nodes {
		g.nodes[id] = attrs
	}
	for _, e := range snap.Edges {
		g.setEdge(e.Source, e.Target, e.Attributes)
	}
	if snap.Communities != nil {
		g.communities = snap.Communities
	}
	g.version++
	g.dirty = false
	logger.Debug("[Graph] Loaded namespace", "namespace", g.opts.Namespace,
		"nodes", len(g.nodes), "edges", len(snap.Edges), "communities", len(g.communities))
	return nil
}

func (g *MemoryGraph) Namespace() string { return g.opts.Namespace }

func (g *MemoryGraph) HasNode(ctx context.Context, id string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok, nil
}

func (g *MemoryGraph) HasEdge(ctx context.Context, source, target string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.out[source][target]
	return ok, nil
}

func (g *MemoryGraph) degree(id string) int {
	d := len(g.out[id]) + len(g.in[id])
	if _, ok := g.out[id][id]; ok {
		d--
	}
	return d
}

func (g *MemoryGraph) NodeDegree(ctx context.Context, id string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degree(id), nil
}

func (g *MemoryGraph) NodeDegrees(ctx context.Context, ids []string) ([]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = g.degree(id)
	}
	return out, nil
}

func (g *MemoryGraph) EdgeDegree(ctx context.Context, source, target string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degree(source) + g.degree(target), nil
}

func (g *MemoryGraph) EdgeDegrees(ctx context.Context, edges []store.EdgeKey) ([]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(edges))
	for i, e := range edges {
		out[i] = g.degree(e.Source) + g.degree(e.Target)
	}
	return out, nil
}

func (g *MemoryGraph) GetNode(ctx context.Context, id string) (store.Attributes, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	attrs, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return copyAttrs(attrs), nil
}

func (g *MemoryGraph) GetNodes(ctx context.Context, ids []string) ([]store.Attributes, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]store.Attributes, len(ids))
	for i, id := range ids {
		if attrs, ok := g.nodes[id]; ok {
			out[i] = copyAttrs(attrs)
		}
	}
	return out, nil
}

func (g *MemoryGraph) GetEdge(ctx context.Context, source, target string) (store.Attributes, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	attrs, ok := g.out[source][target]
	if !ok {
		return nil, fmt.Errorf("edge %s->%s: %w", source, target, store.ErrNotFound)
	}
	return copyAttrs(attrs), nil
}

func (g *MemoryGraph) GetEdges(ctx context.Context, edges []store.EdgeKey) ([]store.Attributes, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]store.Attributes, len(edges))
	for i, e := range edges {
		if attrs, ok := g.out[e.Source][e.Target]; ok {
			out[i] = copyAttrs(attrs)
		}
	}
	return out, nil
}

// nodeEdges lists outgoing edges by target, then incoming edges by source.
func (g *MemoryGraph) nodeEdges(id string) []store.EdgeKey {
	var out []store.EdgeKey
	for _, t := range sortedKeys(g.out[id]) {
		out = append(out, store.EdgeKey{Source: id, Target: t})
	}
	for _, s := range sortedKeys(g.in[id]) {
		if s == id {
			continue
		}
		out = append(out, store.EdgeKey{Source: s, Target: id})
	}
	return out
}

func (g *MemoryGraph) GetNodeEdges(ctx context.Context, id string) ([]store.EdgeKey, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return g.nodeEdges(id), nil
}

// GetNodesEdges returns nil entries for absent nodes.
func (g *MemoryGraph) GetNodesEdges(ctx context.Context, ids []string) ([][]store.EdgeKey, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([][]store.EdgeKey, len(ids))
	for i, id := range ids {
		if _, ok := g.nodes[id]; ok {
			out[i] = g.nodeEdges(id)
		}
	}
	return out, nil
}

func (g *MemoryGraph) upsertNode(id string, attrs store.Attributes) {
	g.nodes[id] = store.MergeAttributes(g.nodes[id], attrs)
	g.version++
	g.dirty = true
}

func (g *MemoryGraph) UpsertNode(ctx context.Context, id string, attrs store.Attributes) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertNode(id, attrs)
	return nil
}

func (g *MemoryGraph) UpsertNodes(ctx context.Context, nodes []store.NodeData) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range nodes {
		g.upsertNode(n.ID, n.Attributes)
	}
	return nil
}

func (g *MemoryGraph) setEdge(source, target string, attrs store.Attributes) {
	if _, ok := g.nodes[source]; !ok {
		g.nodes[source] = store.Attributes{}
	}
	if _, ok := g.nodes[target]; !ok {
		g.nodes[target] = store.Attributes{}
	}
	if g.out[source] == nil {
		g.out[source] = map[string]store.Attributes{}
	}
	if g.in[target] == nil {
		g.in[target] = map[string]struct{}{}
	}
	g.out[source][target] = attrs
	g.in[target][source] = struct{}{}
}

func (g *MemoryGraph) upsertEdge(source, target string, attrs store.Attributes) {
	g.setEdge(source, target, store.MergeAttributes(g.out[source][target], attrs))
	g.version++
	g.dirty = true
}

func (g *MemoryGraph) UpsertEdge(ctx context.Context, source, target string, attrs store.Attributes) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertEdge(source, target, attrs)
	return nil
}

func (g *MemoryGraph) UpsertEdges(ctx context.Context, edges []store.Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range edges {
		g.upsertEdge(e.Source, e.Target, e.Attributes)
	}
	return nil
}

// Clustering partitions a snapshot of the graph without blocking readers or
// writers. If the graph changed meanwhile the result is discarded with
// store.ErrInconsistentPartition.
func (g *MemoryGraph) Clustering(ctx context.Context, algorithm string) error {
	g.mu.RLock()
	version := g.version
	nodes := make(map[string]store.Attributes, len(g.nodes))
	for id, attrs := range g.nodes {
		nodes[id] = attrs
	}
	var edges []store.Edge
	for s, targets := range g.out {
		for t, attrs := range targets {
			edges = append(edges, store.Edge{EdgeKey: store.EdgeKey{Source: s, Target: t}, Attributes: attrs})
		}
	}
	g.mu.RUnlock()

	opts := g.opts.Cluster
	if opts.MaxLevels == 0 {
		opts = cluster.DefaultOptions()
	}
	opts.Algorithm = algorithm

	communities, err := BuildCommunities(nodes, edges, opts)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.version != version {
		return store.ErrInconsistentPartition
	}
	g.communities = communities
	g.dirty = true
	logger.Info("[Graph] Clustering completed", "namespace", g.opts.Namespace,
		"algorithm", opts.Algorithm, "communities", len(communities))
	return nil
}

func (g *MemoryGraph) CommunitySchema(ctx context.Context) (map[string]common.Community, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]common.Community, len(g.communities))
	for k, c := range g.communities {
		out[k] = c
	}
	return out, nil
}

// IndexStart reloads the snapshot so a run continues from the last commit of
// any process sharing the blob store. Uncommitted changes are discarded.
func (g *MemoryGraph) IndexStart(ctx context.Context) error {
	return g.load(ctx)
}

// IndexDone writes a snapshot if the graph changed.
func (g *MemoryGraph) IndexDone(ctx context.Context) error {
	if g.opts.Blob == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty {
		return nil
	}

	snap := snapshot{
		Nodes:       make(map[string]map[string]string, len(g.nodes)),
		Communities: g.communities,
	}
	for id, attrs := range g.nodes {
		snap.Nodes[id] = attrs
	}
	for _, s := range sortedKeys(g.out) {
		for _, t := range sortedKeys(g.out[s]) {
			snap.Edges = append(snap.Edges, snapshotEdge{Source: s, Target: t, Attributes: g.out[s][t]})
		}
	}
	raw, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode graph namespace %s: %w", g.opts.Namespace, err)
	}
	if err := g.opts.Blob.Put(ctx, SnapshotName(g.opts.Namespace), raw); err != nil {
		return err
	}
	g.dirty = false
	return nil
}

func (g *MemoryGraph) QueryDone(ctx context.Context) error {
	return nil
}

// EdgeWeight parses the weight attribute. Missing, unparsable and
// non-positive weights count as 1.
func EdgeWeight(attrs store.Attributes) float64 {
	w, err := strconv.ParseFloat(attrs["weight"], 64)
	if err != nil || w <= 0 {
		return 1
	}
	return w
}

func copyAttrs(a store.Attributes) store.Attributes {
	out := make(store.Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
