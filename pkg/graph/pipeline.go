// Package graph turns documents into chunks, graph data, embeddings and
// community reports.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/leaselock"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/report"
	"github.com/OFFIS-RIT/dygrag/pkg/store"

	"golang.org/x/sync/errgroup"
)

// KV namespaces used by the pipeline.
const (
	FullDocsNamespace = "full_docs"
	ChunksNamespace   = "text_chunks"
	StateNamespace    = "pipeline_state"
)

// Chunk stages recorded in the state namespace.
const (
	StageChunked   = "chunked"
	StageExtracted = "extracted"
	StageEmbedded  = "embedded"
)

const clusterStateKey = "_graph"

// Stores are the namespaces an indexing run writes to.
type Stores struct {
	FullDocs      store.KVStore
	Chunks        store.KVStore
	State         store.KVStore
	ChunkVectors  store.VectorIndex
	EntityVectors store.VectorIndex
	Graph         store.GraphStore
	// Shared are further namespaces written during a run, such as the
	// report and response caches. They are reloaded with the others.
	Shared []store.Namespace
}

func (s Stores) namespaces() []store.Namespace {
	out := []store.Namespace{s.FullDocs, s.Chunks, s.State, s.ChunkVectors, s.EntityVectors, s.Graph}
	for _, ns := range s.Shared {
		if ns != nil {
			out = append(out, ns)
		}
	}
	return out
}

// Options tune an indexing run.
type Options struct {
	// ChunkTokens is the maximum chunk size. Zero means 1200.
	ChunkTokens int
	// EmbedTokens truncates entity texts before embedding. Zero means 8192.
	EmbedTokens int
	EntityTypes []string
	// Parallel bounds concurrent extraction requests. Zero means 8.
	Parallel         int
	ClusterAlgorithm string
	// Committed runs under the index lock after a successful Insert or
	// Cluster.
	Committed func(ctx context.Context) error
}

// Pipeline indexes documents stage by stage. Each stage ends with a commit
// of the stores it wrote and a per-chunk marker, so an interrupted run
// resumes at the first incomplete stage.
type Pipeline struct {
	stores  Stores
	llm     ai.CompletionClient
	tok     ai.Tokenizer
	reports *report.Cache
	locker  leaselock.Locker
	opts    Options
}

func NewPipeline(
	stores Stores,
	llm ai.CompletionClient,
	tok ai.Tokenizer,
	reports *report.Cache,
	locker leaselock.Locker,
	opts Options,
) *Pipeline {
	if opts.ChunkTokens <= 0 {
		opts.ChunkTokens = 1200
	}
	if opts.EmbedTokens <= 0 {
		opts.EmbedTokens = 8192
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 8
	}
	if opts.ClusterAlgorithm == "" {
		opts.ClusterAlgorithm = "leiden"
	}
	if locker == nil {
		locker = leaselock.NewLocalLocker()
	}
	return &Pipeline{
		stores:  stores,
		llm:     llm,
		tok:     tok,
		reports: reports,
		locker:  locker,
		opts:    opts,
	}
}

func (p *Pipeline) lockKey() string {
	return "index:" + p.stores.Graph.Namespace()
}

// indexStart brings every namespace up to the last commit. It runs under
// the index lock, so no other process commits until the run ends.
func (p *Pipeline) indexStart(ctx context.Context) error {
	for _, ns := range p.stores.namespaces() {
		if err := ns.IndexStart(ctx); err != nil {
			return fmt.Errorf("reload %s: %w", ns.Namespace(), err)
		}
	}
	return nil
}

// Insert indexes docs. Documents and chunks seen before are skipped, so
// re-inserting the same input is a no-op.
func (p *Pipeline) Insert(ctx context.Context, docs []common.Document) error {
	return p.locker.WithLock(ctx, p.lockKey(), func(ctx context.Context) error {
		start := time.Now()
		if err := p.indexStart(ctx); err != nil {
			return err
		}
		added, err := p.chunkStage(ctx, docs)
		if err != nil {
			return fmt.Errorf("chunk stage: %w", err)
		}
		if err := p.extractStage(ctx); err != nil {
			return fmt.Errorf("extract stage: %w", err)
		}
		if err := p.embedStage(ctx); err != nil {
			return fmt.Errorf("embed stage: %w", err)
		}
		if err := p.clusterStage(ctx, false); err != nil {
			return fmt.Errorf("cluster stage: %w", err)
		}
		if err := p.committed(ctx); err != nil {
			return err
		}
		logger.Info("[Pipeline] Insert completed", "docs", len(docs), "new_chunks", added, "duration", time.Since(start))
		return nil
	})
}

// Cluster re-runs clustering and refreshes the reports regardless of
// whether the graph changed.
func (p *Pipeline) Cluster(ctx context.Context) error {
	return p.locker.WithLock(ctx, p.lockKey(), func(ctx context.Context) error {
		if err := p.indexStart(ctx); err != nil {
			return err
		}
		if err := p.clusterStage(ctx, true); err != nil {
			return err
		}
		return p.committed(ctx)
	})
}

func (p *Pipeline) committed(ctx context.Context) error {
	if p.opts.Committed == nil {
		return nil
	}
	return p.opts.Committed(ctx)
}

func (p *Pipeline) chunkStage(ctx context.Context, docs []common.Document) (int, error) {
	byID := make(map[string]common.Document, len(docs))
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		id := DocumentID(d)
		if _, ok := byID[id]; ok {
			continue
		}
		d.ID = id
		byID[id] = d
		ids = append(ids, id)
	}

	newDocs, err := p.stores.FullDocs.FilterNew(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(newDocs) == 0 {
		logger.Debug("[Pipeline] No new documents")
		return 0, nil
	}

	chunks := make(map[string]common.TextChunk)
	var chunkIDs []string
	for _, id := range newDocs {
		for _, c := range chunkDocument(byID[id], p.tok, p.opts.ChunkTokens) {
			if _, ok := chunks[c.ID]; ok {
				continue
			}
			chunks[c.ID] = c
			chunkIDs = append(chunkIDs, c.ID)
		}
	}

	newChunks, err := p.stores.Chunks.FilterNew(ctx, chunkIDs)
	if err != nil {
		return 0, err
	}

	chunkRecords := make(map[string]store.Record, len(newChunks))
	stateRecords := make(map[string]store.Record, len(newChunks))
	for _, id := range newChunks {
		r, err := store.EncodeRecord(chunks[id])
		if err != nil {
			return 0, err
		}
		chunkRecords[id] = r
		stateRecords[id] = store.Record{"stage": StageChunked}
	}
	if err := p.stores.Chunks.Upsert(ctx, chunkRecords); err != nil {
		return 0, err
	}
	if err := p.stores.Chunks.IndexDone(ctx); err != nil {
		return 0, err
	}
	if err := p.stores.State.Upsert(ctx, stateRecords); err != nil {
		return 0, err
	}
	if err := p.stores.State.IndexDone(ctx); err != nil {
		return 0, err
	}

	// Documents are recorded last so a crash before this point re-chunks them.
	docRecords := make(map[string]store.Record, len(newDocs))
	for _, id := range newDocs {
		docRecords[id] = store.Record{"title": byID[id].Title, "content": byID[id].Content}
	}
	if err := p.stores.FullDocs.Upsert(ctx, docRecords); err != nil {
		return 0, err
	}
	if err := p.stores.FullDocs.IndexDone(ctx); err != nil {
		return 0, err
	}

	logger.Info("[Pipeline] Stage completed", "stage", StageChunked, "docs", len(newDocs), "chunks", len(newChunks))
	return len(newChunks), nil
}

// pending returns the ids of chunks whose last completed stage is stage,
// sorted.
func (p *Pipeline) pending(ctx context.Context, stage string) ([]string, []store.Record, error) {
	keys, err := p.stores.State.AllKeys(ctx)
	if err != nil {
		return nil, nil, err
	}
	keys = slices.DeleteFunc(keys, func(k string) bool { return k == clusterStateKey })
	slices.Sort(keys)

	states, err := p.stores.State.GetMany(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	var ids []string
	var records []store.Record
	for i, s := range states {
		if s != nil && store.RecordString(s, "stage") == stage {
			ids = append(ids, keys[i])
			records = append(records, s)
		}
	}
	return ids, records, nil
}

func (p *Pipeline) extractStage(ctx context.Context) error {
	ids, _, err := p.pending(ctx, StageChunked)
	if err != nil || len(ids) == 0 {
		return err
	}

	records, err := p.stores.Chunks.GetMany(ctx, ids)
	if err != nil {
		return err
	}

	results := make([]extraction, len(ids))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(p.opts.Parallel)
	for i, id := range ids {
		if records[i] == nil {
			logger.Warn("[Pipeline] Chunk record missing", "chunk", id)
			continue
		}
		var chunk common.TextChunk
		if err := store.DecodeRecord(records[i], &chunk); err != nil {
			return fmt.Errorf("decode chunk %s: %w", id, err)
		}
		chunk.ID = id
		eg.Go(func() error {
			res, err := extractFromChunk(ectx, p.llm, chunk, p.opts.EntityTypes)
			if err != nil {
				return fmt.Errorf("extract chunk %s: %w", id, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	var nodes []store.NodeData
	var edges []store.Edge
	stateUpdates := make(map[string]store.Record, len(ids))
	entityCount := 0
	for i, id := range ids {
		res := results[i]
		names := make([]string, 0, len(res.Entities))
		for _, e := range res.Entities {
			nodes = append(nodes, entityNode(e))
			names = append(names, e.Name)
		}
		for _, r := range res.Relations {
			edges = append(edges, relationEdge(r))
		}
		entityCount += len(names)

		state := store.Record{
			"stage":    StageExtracted,
			"entities": strings.Join(names, store.GraphFieldSep),
		}
		if !res.Span.IsZero() {
			state["start_time"] = common.FormatTime(res.Span.Start)
			state["end_time"] = common.FormatTime(res.Span.End)
		}
		stateUpdates[id] = state
	}

	if err := p.stores.Graph.UpsertNodes(ctx, nodes); err != nil {
		return err
	}
	if err := p.stores.Graph.UpsertEdges(ctx, edges); err != nil {
		return err
	}
	if err := p.stores.Graph.IndexDone(ctx); err != nil {
		return err
	}
	stateUpdates[clusterStateKey] = store.Record{"clustered": false}
	if err := p.stores.State.Upsert(ctx, stateUpdates); err != nil {
		return err
	}
	if err := p.stores.State.IndexDone(ctx); err != nil {
		return err
	}

	logger.Info("[Pipeline] Stage completed", "stage", StageExtracted, "chunks", len(ids), "entities", entityCount, "relationships", len(edges))
	return nil
}

func (p *Pipeline) embedStage(ctx context.Context) error {
	ids, states, err := p.pending(ctx, StageExtracted)
	if err != nil || len(ids) == 0 {
		return err
	}

	records, err := p.stores.Chunks.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	chunkData := make(map[string]store.VectorData, len(ids))
	var names []string
	for i, id := range ids {
		names = append(names, store.SplitField(store.RecordString(states[i], "entities"))...)
		r := records[i]
		if r == nil {
			continue
		}
		chunkData[id] = store.VectorData{
			Content: store.RecordString(r, "content"),
			Metadata: map[string]any{
				"full_doc_id": store.RecordString(r, "full_doc_id"),
				"doc_title":   store.RecordString(r, "doc_title"),
				"start_time":  store.RecordString(states[i], "start_time"),
				"end_time":    store.RecordString(states[i], "end_time"),
				"tokens":      store.RecordInt(r, "tokens"),
			},
		}
	}
	if err := p.stores.ChunkVectors.Upsert(ctx, chunkData); err != nil {
		return err
	}
	if err := p.stores.ChunkVectors.IndexDone(ctx); err != nil {
		return err
	}

	names = store.DedupeStrings(names)
	slices.Sort(names)
	attrs, err := p.stores.Graph.GetNodes(ctx, names)
	if err != nil {
		return err
	}
	entityData := make(map[string]store.VectorData, len(names))
	for i, name := range names {
		if attrs[i] == nil {
			continue
		}
		content := name + " " + strings.ReplaceAll(attrs[i]["description"], store.GraphFieldSep, " ")
		entityData[name] = store.VectorData{
			Content: ai.TruncateTokens(p.tok, strings.TrimSpace(content), p.opts.EmbedTokens),
			Metadata: map[string]any{
				"entity_name": name,
				"start_time":  attrs[i]["start_time"],
				"end_time":    attrs[i]["end_time"],
			},
		}
	}
	if err := p.stores.EntityVectors.Upsert(ctx, entityData); err != nil {
		return err
	}
	if err := p.stores.EntityVectors.IndexDone(ctx); err != nil {
		return err
	}

	stateUpdates := make(map[string]store.Record, len(ids))
	for i, id := range ids {
		state := store.CloneRecord(states[i])
		state["stage"] = StageEmbedded
		stateUpdates[id] = state
	}
	if err := p.stores.State.Upsert(ctx, stateUpdates); err != nil {
		return err
	}
	if err := p.stores.State.IndexDone(ctx); err != nil {
		return err
	}

	logger.Info("[Pipeline] Stage completed", "stage", StageEmbedded, "chunks", len(chunkData), "entities", len(entityData))
	return nil
}

func (p *Pipeline) clusterStage(ctx context.Context, force bool) error {
	if !force {
		state, err := p.stores.State.Get(ctx, clusterStateKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if clustered, _ := state["clustered"].(bool); clustered {
			return nil
		}
	}

	if err := p.stores.Graph.Clustering(ctx, p.opts.ClusterAlgorithm); err != nil {
		return err
	}
	if err := p.stores.Graph.IndexDone(ctx); err != nil {
		return err
	}
	if p.reports != nil {
		n, err := p.reports.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh reports: %w", err)
		}
		logger.Info("[Pipeline] Reports refreshed", "generated", n)
	}

	if err := p.stores.State.Upsert(ctx, map[string]store.Record{clusterStateKey: {"clustered": true}}); err != nil {
		return err
	}
	return p.stores.State.IndexDone(ctx)
}
