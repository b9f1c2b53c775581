// Package query assembles token-bounded context from the graph, vector and
// key-value stores and answers questions over it.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
)

// Stores are the namespaces a query reads.
type Stores struct {
	Chunks        store.KVStore
	// Spans holds the extracted start_time and end_time per chunk id. Nil
	// disables time filtering of text units.
	Spans         store.KVStore
	ChunkVectors  store.VectorIndex
	EntityVectors store.VectorIndex
	Graph         store.GraphStore
}

// Options configure a Planner.
type Options struct {
	// Timeout bounds a whole query. Zero means no limit.
	Timeout time.Duration
}

// Planner answers queries in dynamic mode.
type Planner struct {
	stores Stores
	llm    ai.CompletionClient
	tok    ai.Tokenizer
	opts   Options
}

func NewPlanner(stores Stores, llm ai.CompletionClient, tok ai.Tokenizer, opts Options) *Planner {
	return &Planner{stores: stores, llm: llm, tok: tok, opts: opts}
}

// Source is a text unit used in the context.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocID      string  `json:"doc_id"`
	DocTitle   string  `json:"doc_title"`
	Tokens     int     `json:"tokens"`
	Similarity float64 `json:"similarity"`
}

// Result is the outcome of a query. NoInfo is set when nothing relevant was
// found; Answer then holds ai.NoRelevantInfoAnswer.
type Result struct {
	Answer  string   `json:"answer"`
	Context string   `json:"context,omitempty"`
	Sources []Source `json:"sources"`
	NoInfo  bool     `json:"no_relevant_info"`
}

type queryOptions struct {
	tracer Tracer
}

// QueryOption configures a single query.
type QueryOption func(*queryOptions)

// WithTracer records what the query considered and used.
func WithTracer(t Tracer) QueryOption {
	return func(o *queryOptions) {
		o.tracer = t
	}
}

// unit is a candidate text unit.
type unit struct {
	id         string
	order      int
	similarity float64
	occurrence float64
	degree     int
	record     store.Record
}

// Query runs the dynamic retrieval pipeline for text.
func (p *Planner) Query(ctx context.Context, text string, param Param, opts ...QueryOption) (*Result, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := param.validate(); err != nil {
		return nil, err
	}
	window, err := common.ParseTimeRange(param.TimeConstraints.StartTime, param.TimeConstraints.EndTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParam, err)
	}

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := p.run(ctx, text, param, window, o.tracer)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
		}
		return nil, classify(err)
	}
	logger.Debug("[Query] Completed", "sources", len(res.Sources), "no_info", res.NoInfo, "duration", time.Since(start))
	return res, nil
}

func noInfo() *Result {
	return &Result{Answer: ai.NoRelevantInfoAnswer, Sources: []Source{}, NoInfo: true}
}

func (p *Planner) run(ctx context.Context, text string, param Param, window common.TimeRange, tracer Tracer) (*Result, error) {
	n, err := p.stores.ChunkVectors.Len(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoData
	}

	allow := make(map[string]struct{}, len(param.Entities))
	for _, e := range param.Entities {
		if name := util.NormalizeEntityName(e); name != "" {
			allow[name] = struct{}{}
		}
	}

	// Candidate gathering.
	chunkMatches, err := p.stores.ChunkVectors.Query(ctx, text, param.CandidateTopK)
	if err != nil {
		return nil, err
	}
	entityMatches, err := p.stores.EntityVectors.Query(ctx, text, param.EntityTopK)
	if err != nil {
		return nil, err
	}
	if len(chunkMatches) == 0 && len(entityMatches) == 0 {
		logger.Debug("[Query] No candidates")
		return noInfo(), nil
	}

	units := make(map[string]*unit)
	var order []string
	addUnit := func(id string, similarity float64) *unit {
		if u, ok := units[id]; ok {
			return u
		}
		u := &unit{id: id, order: len(order), similarity: similarity}
		units[id] = u
		order = append(order, id)
		return u
	}
	for _, m := range chunkMatches {
		addUnit(m.ID, m.Similarity)
	}

	// Graph expansion.
	entityIDs := make([]string, 0, len(entityMatches))
	for _, m := range entityMatches {
		entityIDs = append(entityIDs, m.ID)
	}
	exp, err := p.expand(ctx, entityIDs, window)
	if err != nil {
		return nil, err
	}
	for _, id := range exp.chunkOrder {
		addUnit(id, 0)
	}

	var reach map[string]struct{}
	if len(allow) > 0 {
		reach, err = p.reachable(ctx, allow, window)
		if err != nil {
			return nil, err
		}
	}

	RecordConsideredSourceIDs(tracer, order...)
	RecordQueriedEntityIDs(tracer, exp.entities...)
	RecordQueriedRelationshipIDs(tracer, exp.relations...)

	// Filtering.
	records, err := p.stores.Chunks.GetMany(ctx, order)
	if err != nil {
		return nil, err
	}
	spans := make([]store.Record, len(order))
	if p.stores.Spans != nil {
		if spans, err = p.stores.Spans.GetMany(ctx, order, "start_time", "end_time"); err != nil {
			return nil, err
		}
	}
	var kept []*unit
	for i, id := range order {
		u := units[id]
		u.record = records[i]
		if u.record == nil {
			continue
		}
		if reach != nil {
			if _, ok := reach[id]; !ok {
				continue
			}
		}
		span := common.RangeFromAttributes(func(k string) string { return store.RecordString(spans[i], k) })
		if !span.IsZero() && !span.Intersects(window) {
			continue
		}
		kept = append(kept, u)
	}
	if len(kept) == 0 {
		logger.Debug("[Query] All candidates filtered", "candidates", len(order))
		return noInfo(), nil
	}

	// Ranking.
	titles, err := p.score(ctx, kept, exp.links, param.Level)
	if err != nil {
		return nil, err
	}
	RecordQueriedCommunities(tracer, titles...)
	slices.SortStableFunc(kept, func(a, b *unit) int {
		switch {
		case a.similarity != b.similarity:
			return cmpDesc(a.similarity, b.similarity)
		case a.occurrence != b.occurrence:
			return cmpDesc(a.occurrence, b.occurrence)
		case a.degree != b.degree:
			return b.degree - a.degree
		}
		return a.order - b.order
	})
	if len(kept) > param.TopK {
		kept = kept[:param.TopK]
	}

	// Budgeting.
	var used []*unit
	total := 0
	for _, u := range kept {
		tokens := store.RecordInt(u.record, "tokens")
		if tokens <= 0 {
			tokens = ai.CountTokens(p.tok, store.RecordString(u.record, "content"))
		}
		if total+tokens > param.MaxTokenForTextUnit {
			break
		}
		total += tokens
		used = append(used, u)
	}
	if len(used) == 0 {
		logger.Debug("[Query] No unit fits the token budget", "budget", param.MaxTokenForTextUnit)
		return noInfo(), nil
	}

	// Assembly.
	res := &Result{Sources: make([]Source, 0, len(used))}
	var b strings.Builder
	ids := make([]string, 0, len(used))
	for i, u := range used {
		src := Source{
			ChunkID:    u.id,
			DocID:      store.RecordString(u.record, "full_doc_id"),
			DocTitle:   store.RecordString(u.record, "doc_title"),
			Tokens:     store.RecordInt(u.record, "tokens"),
			Similarity: u.similarity,
		}
		res.Sources = append(res.Sources, src)
		ids = append(ids, u.id)
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "-----\nDocument: %s | Document ID: %s | Chunk ID: %s\n%s",
			src.DocTitle, src.DocID, src.ChunkID, store.RecordString(u.record, "content"))
	}
	res.Context = b.String()
	RecordUsedSourceIDs(tracer, ids...)

	if param.OnlyNeedContext {
		res.Answer = res.Context
		return res, nil
	}

	responseType := param.ResponseType
	if responseType == "" {
		responseType = DefaultParam().ResponseType
	}
	answer, err := p.llm.GenerateChat(ctx,
		[]ai.ChatMessage{{Role: ai.RoleUser, Message: text}},
		ai.WithSystemPrompts(fmt.Sprintf(ai.QueryPrompt, res.Context, responseType)),
		ai.WithHistory(param.History...),
	)
	if err != nil {
		return nil, err
	}
	res.Answer = answer
	return res, nil
}

func cmpDesc(a, b float64) int {
	if a > b {
		return -1
	}
	return 1
}

// expansion is the graph neighborhood of the candidate entities.
type expansion struct {
	entities   []string
	relations  []string
	chunkOrder []string
	// links maps chunk ids to the entities they were reached through.
	links map[string][]string
}

// expand collects the chunks of the candidate entities, their incident
// edges and their neighbors. Entities and edges outside window are skipped.
func (p *Planner) expand(ctx context.Context, ids []string, window common.TimeRange) (*expansion, error) {
	exp := &expansion{links: make(map[string][]string)}
	if len(ids) == 0 {
		return exp, nil
	}

	seenChunk := make(map[string]struct{})
	link := func(attrs store.Attributes, entities ...string) {
		for _, c := range store.SplitField(attrs["source_id"]) {
			if _, ok := seenChunk[c]; !ok {
				seenChunk[c] = struct{}{}
				exp.chunkOrder = append(exp.chunkOrder, c)
			}
			for _, e := range entities {
				if !slices.Contains(exp.links[c], e) {
					exp.links[c] = append(exp.links[c], e)
				}
			}
		}
	}

	nodes, err := p.stores.Graph.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	var live []string
	for i, id := range ids {
		if nodes[i] == nil || !inWindow(nodes[i], window) {
			continue
		}
		live = append(live, id)
		link(nodes[i], id)
	}
	exp.entities = live
	if len(live) == 0 {
		return exp, nil
	}

	nodeEdges, err := p.stores.Graph.GetNodesEdges(ctx, live)
	if err != nil {
		return nil, err
	}
	var keys []store.EdgeKey
	seenEdge := make(map[store.EdgeKey]struct{})
	for _, edges := range nodeEdges {
		for _, e := range edges {
			if _, ok := seenEdge[e]; ok {
				continue
			}
			seenEdge[e] = struct{}{}
			keys = append(keys, e)
		}
	}
	edgeAttrs, err := p.stores.Graph.GetEdges(ctx, keys)
	if err != nil {
		return nil, err
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}
	var neighbors []string
	for i, k := range keys {
		if edgeAttrs[i] == nil || !inWindow(edgeAttrs[i], window) {
			continue
		}
		exp.relations = append(exp.relations, k.Source+"->"+k.Target)
		link(edgeAttrs[i], k.Source, k.Target)
		for _, n := range []string{k.Source, k.Target} {
			if _, ok := liveSet[n]; !ok && !slices.Contains(neighbors, n) {
				neighbors = append(neighbors, n)
			}
		}
	}

	neighborAttrs, err := p.stores.Graph.GetNodes(ctx, neighbors)
	if err != nil {
		return nil, err
	}
	for i, n := range neighbors {
		if neighborAttrs[i] == nil || !inWindow(neighborAttrs[i], window) {
			continue
		}
		link(neighborAttrs[i], n)
	}
	return exp, nil
}

// reachable returns the chunks reachable from the allowed entities: their
// own chunks, those of their incident edges and those of their neighbors.
func (p *Planner) reachable(ctx context.Context, allow map[string]struct{}, window common.TimeRange) (map[string]struct{}, error) {
	ids := make([]string, 0, len(allow))
	for id := range allow {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	exp, err := p.expand(ctx, ids, window)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(exp.chunkOrder))
	for _, c := range exp.chunkOrder {
		out[c] = struct{}{}
	}
	return out, nil
}

// score sets occurrence and degree of each unit from its linked entities
// and returns the titles of the communities involved.
func (p *Planner) score(ctx context.Context, units []*unit, links map[string][]string, level int) ([]string, error) {
	var entities []string
	for _, u := range units {
		for _, e := range links[u.id] {
			if !slices.Contains(entities, e) {
				entities = append(entities, e)
			}
		}
	}
	if len(entities) == 0 {
		return nil, nil
	}

	degrees, err := p.stores.Graph.NodeDegrees(ctx, entities)
	if err != nil {
		return nil, err
	}
	degree := make(map[string]int, len(entities))
	for i, e := range entities {
		degree[e] = degrees[i]
	}

	schema, err := p.stores.Graph.CommunitySchema(ctx)
	if err != nil {
		return nil, err
	}
	occurrence := make(map[string]float64)
	var titles []string
	wanted := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		wanted[e] = struct{}{}
	}
	for title, c := range schema {
		if c.Level > level {
			continue
		}
		hit := false
		for _, n := range c.Nodes {
			if _, ok := wanted[n]; !ok {
				continue
			}
			hit = true
			if c.Occurrence > occurrence[n] {
				occurrence[n] = c.Occurrence
			}
		}
		if hit {
			titles = append(titles, title)
		}
	}
	slices.Sort(titles)

	for _, u := range units {
		for _, e := range links[u.id] {
			u.occurrence = max(u.occurrence, occurrence[e])
			u.degree = max(u.degree, degree[e])
		}
	}
	return titles, nil
}

func inWindow(attrs store.Attributes, window common.TimeRange) bool {
	span := common.RangeFromAttributes(func(k string) string { return attrs[k] })
	return span.IsZero() || span.Intersects(window)
}
