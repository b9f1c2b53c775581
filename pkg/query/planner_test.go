package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OFFIS-RIT/dygrag/internal/testutil"
	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
	"github.com/OFFIS-RIT/dygrag/pkg/store/graph"
	"github.com/OFFIS-RIT/dygrag/pkg/store/kv"
	"github.com/OFFIS-RIT/dygrag/pkg/store/vector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plannerFixture struct {
	stores  Stores
	llm     *testutil.Completer
	planner *Planner
}

// newPlannerFixture indexes three chunks: C1 (500 tokens, 2020) closest to
// the query, C2 (9700 tokens, 2021) and C3 (100 tokens, 2022) reachable only
// through CAROL.
func newPlannerFixture(t *testing.T) *plannerFixture {
	t.Helper()
	ctx := context.Background()

	emb := testutil.NewEmbedder(3)
	emb.Vectors["q"] = []float32{1, 0, 0}

	chunks, err := kv.NewJSONStore(ctx, "text_chunks", nil)
	require.NoError(t, err)
	require.NoError(t, chunks.Upsert(ctx, map[string]store.Record{
		"C1": {"content": "first chunk text", "tokens": 500, "full_doc_id": "d1", "doc_title": "Doc One"},
		"C2": {"content": "second chunk text", "tokens": 9700, "full_doc_id": "d2", "doc_title": "Doc Two"},
		"C3": {"content": "third chunk text", "tokens": 100, "full_doc_id": "d3", "doc_title": "Doc Three"},
	}))

	spans, err := kv.NewJSONStore(ctx, "pipeline_state", nil)
	require.NoError(t, err)
	require.NoError(t, spans.Upsert(ctx, map[string]store.Record{
		"C1": {"stage": "embedded", "start_time": "2020-01-01T00:00:00Z", "end_time": "2020-12-31T23:59:59Z"},
		"C2": {"stage": "embedded", "start_time": "2021-01-01T00:00:00Z", "end_time": "2021-12-31T23:59:59Z"},
		"C3": {"stage": "embedded", "start_time": "2022-01-01T00:00:00Z", "end_time": "2022-12-31T23:59:59Z"},
	}))

	chunkVectors, err := vector.NewMemoryIndex(ctx, vector.Options{Namespace: "chunks", Embedder: emb})
	require.NoError(t, err)
	require.NoError(t, chunkVectors.Upsert(ctx, map[string]store.VectorData{
		"C1": {Embedding: []float32{1, 0, 0}},
		"C2": {Embedding: []float32{1, 1, 0}},
		"C3": {Embedding: []float32{0, 0, 1}},
	}))

	entityVectors, err := vector.NewMemoryIndex(ctx, vector.Options{Namespace: "entities", Embedder: emb})
	require.NoError(t, err)
	require.NoError(t, entityVectors.Upsert(ctx, map[string]store.VectorData{
		"ALICE": {Embedding: []float32{1, 0, 0}},
		"BOB":   {Embedding: []float32{0, 1, 0}},
		"CAROL": {Embedding: []float32{0, 0, 1}},
	}))

	g, err := graph.NewMemoryGraph(ctx, graph.Options{Namespace: "chunk_entity_relation"})
	require.NoError(t, err)
	require.NoError(t, g.UpsertNodes(ctx, []store.NodeData{
		{ID: "ALICE", Attributes: store.Attributes{"entity_type": "PERSON", "source_id": "C1"}},
		{ID: "BOB", Attributes: store.Attributes{"entity_type": "PERSON", "source_id": "C2"}},
		{ID: "CAROL", Attributes: store.Attributes{"entity_type": "PERSON", "source_id": "C3"}},
	}))
	require.NoError(t, g.UpsertEdge(ctx, "ALICE", "BOB", store.Attributes{"description": "knows", "source_id": "C2"}))
	require.NoError(t, g.Clustering(ctx, "leiden"))

	stores := Stores{Chunks: chunks, Spans: spans, ChunkVectors: chunkVectors, EntityVectors: entityVectors, Graph: g}
	llm := &testutil.Completer{Default: "the answer"}
	return &plannerFixture{
		stores:  stores,
		llm:     llm,
		planner: NewPlanner(stores, llm, testutil.NewTokenizer(), Options{}),
	}
}

func sourceIDs(res *Result) []string {
	out := make([]string, 0, len(res.Sources))
	for _, s := range res.Sources {
		out = append(out, s.ChunkID)
	}
	return out
}

func TestQuery_BudgetIsAllOrNothing(t *testing.T) {
	f := newPlannerFixture(t)
	param := DefaultParam()
	param.MaxTokenForTextUnit = 10000

	res, err := f.planner.Query(context.Background(), "q", param)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, sourceIDs(res))
	assert.Contains(t, res.Context, "first chunk text")
	assert.NotContains(t, res.Context, "second chunk text")
	assert.NotContains(t, res.Context, "third chunk text", "budgeting stops at the first overflow")
	assert.Equal(t, "the answer", res.Answer)

	require.Equal(t, 1, f.llm.RequestCount())
	req := f.llm.Requests[0]
	assert.Equal(t, ai.RoleSystem, req[0].Role)
	assert.Contains(t, req[0].Message, "Document: Doc One | Document ID: d1 | Chunk ID: C1")
	assert.Contains(t, req[0].Message, "short and concise answer")
	assert.Equal(t, "q", req[len(req)-1].Message)
}

func TestQuery_RankingAndBudgetSum(t *testing.T) {
	f := newPlannerFixture(t)
	param := DefaultParam()
	param.MaxTokenForTextUnit = 11000
	param.OnlyNeedContext = true

	res, err := f.planner.Query(context.Background(), "q", param)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2", "C3"}, sourceIDs(res))

	total := 0
	for _, s := range res.Sources {
		total += s.Tokens
	}
	assert.LessOrEqual(t, total, param.MaxTokenForTextUnit)
	assert.Equal(t, res.Context, res.Answer)
	assert.Zero(t, f.llm.RequestCount(), "context-only queries skip the completion")
}

func TestQuery_TopKBound(t *testing.T) {
	f := newPlannerFixture(t)
	param := DefaultParam()
	param.TopK = 1
	param.MaxTokenForTextUnit = 100000

	res, err := f.planner.Query(context.Background(), "q", param)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, sourceIDs(res))
}

func TestQuery_TimeWindow(t *testing.T) {
	tests := []struct {
		name   string
		window TimeConstraints
		want   []string
		noInfo bool
	}{
		{name: "excludes everything", window: TimeConstraints{StartTime: "1990", EndTime: "1991"}, noInfo: true},
		{name: "single year", window: TimeConstraints{StartTime: "2021", EndTime: "2021"}, want: []string{"C2"}},
		{name: "open start", window: TimeConstraints{EndTime: "2020-06"}, want: []string{"C1"}},
		{name: "open end", window: TimeConstraints{StartTime: "2022-03-01"}, want: []string{"C3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPlannerFixture(t)
			param := DefaultParam()
			param.MaxTokenForTextUnit = 100000
			param.TimeConstraints = tt.window

			res, err := f.planner.Query(context.Background(), "q", param)
			require.NoError(t, err)
			if tt.noInfo {
				assert.True(t, res.NoInfo)
				assert.Equal(t, ai.NoRelevantInfoAnswer, res.Answer)
				assert.Zero(t, f.llm.RequestCount())
				return
			}
			assert.Equal(t, tt.want, sourceIDs(res))
		})
	}
}

func TestQuery_EntityAllowList(t *testing.T) {
	f := newPlannerFixture(t)
	param := DefaultParam()
	param.MaxTokenForTextUnit = 100000
	param.Entities = []string{" carol "}

	res, err := f.planner.Query(context.Background(), "q", param)
	require.NoError(t, err)
	assert.Equal(t, []string{"C3"}, sourceIDs(res))

	param.Entities = []string{"alice"}
	res, err = f.planner.Query(context.Background(), "q", param)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2"}, sourceIDs(res))
}

func TestQuery_ZeroCandidatesSkipsCompletion(t *testing.T) {
	f := newPlannerFixture(t)
	param := DefaultParam()
	param.CandidateTopK = 0
	param.EntityTopK = 0

	res, err := f.planner.Query(context.Background(), "q", param)
	require.NoError(t, err)
	assert.True(t, res.NoInfo)
	assert.Empty(t, res.Sources)
	assert.Zero(t, f.llm.RequestCount())
}

func TestQuery_ExpandedUnitsRankAfterDirectOnes(t *testing.T) {
	f := newPlannerFixture(t)
	param := DefaultParam()
	param.CandidateTopK = 1
	param.MaxTokenForTextUnit = 100000

	trace := NewQueryTrace()
	res, err := f.planner.Query(context.Background(), "q", param, WithTracer(trace))
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2", "C3"}, sourceIDs(res))
	assert.Equal(t, 1.0, res.Sources[0].Similarity)
	assert.Zero(t, res.Sources[1].Similarity)

	snap := trace.Snapshot()
	assert.Equal(t, []string{"C1", "C2", "C3"}, snap.ConsideredSourceIDs)
	assert.Equal(t, []string{"C1", "C2", "C3"}, snap.UsedSourceIDs)
	assert.Equal(t, []string{"ALICE", "BOB", "CAROL"}, snap.QueriedEntityIDs)
	assert.Equal(t, []string{"ALICE->BOB"}, snap.QueriedRelationshipIDs)
	assert.NotEmpty(t, snap.QueriedCommunities)
}

func TestQuery_NoData(t *testing.T) {
	ctx := context.Background()
	f := newPlannerFixture(t)
	empty, err := vector.NewMemoryIndex(ctx, vector.Options{Namespace: "chunks", Embedder: testutil.NewEmbedder(3)})
	require.NoError(t, err)
	f.stores.ChunkVectors = empty
	planner := NewPlanner(f.stores, f.llm, testutil.NewTokenizer(), Options{})

	_, err = planner.Query(ctx, "q", DefaultParam())
	require.ErrorIs(t, err, ErrNoData)
}

func TestQuery_UpstreamFailure(t *testing.T) {
	f := newPlannerFixture(t)
	f.llm.Script = []testutil.Reply{{Err: ai.Transport(errors.New("connection reset"))}}

	_, err := f.planner.Query(context.Background(), "q", DefaultParam())
	require.ErrorIs(t, err, ErrUpstreamFailure)
	require.ErrorIs(t, err, ai.ErrTransport)
}

func TestQuery_Timeout(t *testing.T) {
	f := newPlannerFixture(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.planner.Query(ctx, "q", DefaultParam())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, f.llm.RequestCount())
}

func TestQuery_InvalidParam(t *testing.T) {
	f := newPlannerFixture(t)

	param := DefaultParam()
	param.Mode = "global"
	_, err := f.planner.Query(context.Background(), "q", param)
	require.ErrorIs(t, err, ErrInvalidParam)

	param = DefaultParam()
	param.TimeConstraints = TimeConstraints{StartTime: "2022", EndTime: "2020"}
	_, err = f.planner.Query(context.Background(), "q", param)
	require.ErrorIs(t, err, ErrInvalidParam)
}

func TestQueryTrace_IgnoresEmptyAndUnknown(t *testing.T) {
	trace := NewQueryTrace()
	MultiTracer{nil, trace}.Record(TraceEvent{Kind: TraceEventUsedSourceIDs, IDs: []string{"b", "", "a", "b"}})
	trace.Record(TraceEvent{Kind: "other", IDs: []string{"x"}})
	RecordUsedSourceIDs(nil, "ignored")

	snap := trace.Snapshot()
	assert.Equal(t, []string{"a", "b"}, snap.UsedSourceIDs)
	assert.Empty(t, snap.ConsideredSourceIDs)
}
