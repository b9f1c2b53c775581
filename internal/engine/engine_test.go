package engine

import (
	"context"
	"testing"

	"github.com/OFFIS-RIT/dygrag/internal/testutil"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/query"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceExtraction = `{"entities":[
		{"entity_name":"ALICE","entity_type":"PERSON","entity_description":"Alice works at Acme."},
		{"entity_name":"ACME","entity_type":"ORGANIZATION","entity_description":"A company in Berlin."}
	],"relationships":[
		{"source_entity":"ALICE","target_entity":"ACME","relationship_description":"Alice is employed by Acme.","relationship_keywords":"employment","relationship_strength":1}
	]}`
	bobExtraction = `{"entities":[
		{"entity_name":"BOB","entity_type":"PERSON","entity_description":"Bob founded Globex."},
		{"entity_name":"GLOBEX","entity_type":"ORGANIZATION","entity_description":"A company founded by Bob."}
	],"relationships":[
		{"source_entity":"BOB","target_entity":"GLOBEX","relationship_description":"Bob founded Globex.","relationship_keywords":"founder","relationship_strength":1}
	]}`
	testReport = `{"title":"Acme","summary":"People at Acme","rating":2,"rating_explanation":"minor","findings":[]}`
)

func newTestLLM() *testutil.Completer {
	return &testutil.Completer{
		Default: `{"entities":[],"relationships":[]}`,
		Rules: []testutil.Rule{
			{Match: "You are an analyst writing a report", Reply: testReport},
			{Match: "Alice works at Acme", Reply: aliceExtraction},
			{Match: "Bob founded Globex", Reply: bobExtraction},
		},
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.AI.EmbeddingDim = 16
	cfg.AI.Parallel = 1
	cfg.Index.ReportConcurrency = 1
	cfg.Index.ReportRate = 0
	return cfg
}

func openTestEngine(t *testing.T, cfg Config, llm *testutil.Completer) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg,
		WithClients(llm, testutil.NewEmbedder(16)),
		WithTokenizer(testutil.NewTokenizer()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_Backends(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, cfg *Config)
	}{
		{"json", func(t *testing.T, cfg *Config) {}},
		{"badger", func(t *testing.T, cfg *Config) {
			cfg.KV.Backend = KVBadger
			cfg.KV.BadgerInMemory = true
		}},
		{"redis", func(t *testing.T, cfg *Config) {
			mr := miniredis.RunT(t)
			cfg.KV.Backend = KVRedis
			cfg.KV.RedisAddr = mr.Addr()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t)
			tt.setup(t, &cfg)
			llm := newTestLLM()
			e := openTestEngine(t, cfg, llm)

			require.NoError(t, e.Insert(ctx, []common.Document{
				{ID: "doc-alice", Title: "Alice", Content: "Alice works at Acme in Berlin."},
			}))

			param := query.DefaultParam()
			param.OnlyNeedContext = true
			res, err := e.Query(ctx, "Where does Alice work?", param)
			require.NoError(t, err)
			assert.False(t, res.NoInfo)
			assert.Contains(t, res.Context, "Alice works at Acme in Berlin.")
			require.NotEmpty(t, res.Sources)
			assert.Equal(t, "doc-alice", res.Sources[0].DocID)

			reports, err := e.Communities(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, reports)
			assert.Equal(t, "Acme", reports[0].Data.Title)
		})
	}
}

func TestEngine_ReopenKeepsIndex(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	llm := newTestLLM()
	first := openTestEngine(t, cfg, llm)
	docs := []common.Document{{ID: "doc-alice", Title: "Alice", Content: "Alice works at Acme in Berlin."}}
	require.NoError(t, first.Insert(ctx, docs))
	calls := llm.RequestCount()
	require.NoError(t, first.Close())

	second := openTestEngine(t, cfg, llm)
	require.NoError(t, second.Insert(ctx, docs))
	assert.Equal(t, calls, llm.RequestCount(), "re-inserting indexed documents must not call the model")

	param := query.DefaultParam()
	param.OnlyNeedContext = true
	res, err := second.Query(ctx, "Alice", param)
	require.NoError(t, err)
	assert.Contains(t, res.Context, "Alice works at Acme")
}

func TestEngine_SharedWorkDir(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	llm := newTestLLM()

	server := openTestEngine(t, cfg, llm)
	workerA := openTestEngine(t, cfg, llm)
	workerB := openTestEngine(t, cfg, llm)

	require.NoError(t, workerA.Insert(ctx, []common.Document{
		{ID: "doc-alice", Title: "Alice", Content: "Alice works at Acme in Berlin."},
	}))
	require.NoError(t, workerB.Insert(ctx, []common.Document{
		{ID: "doc-bob", Title: "Bob", Content: "Bob founded Globex."},
	}))

	param := query.DefaultParam()
	param.OnlyNeedContext = true
	res, err := server.Query(ctx, "Who works at Acme and who founded Globex?", param)
	require.NoError(t, err, "the server sees what the workers indexed")
	docIDs := make([]string, 0, len(res.Sources))
	for _, s := range res.Sources {
		docIDs = append(docIDs, s.DocID)
	}
	assert.ElementsMatch(t, []string{"doc-alice", "doc-bob"}, docIDs)

	reports, err := server.Communities(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, reports)

	fresh := openTestEngine(t, cfg, llm)
	for _, name := range []string{"ALICE", "ACME", "BOB", "GLOBEX"} {
		ok, err := fresh.graph.HasNode(ctx, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
	docs, err := fresh.kvs["full_docs"].AllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-alice", "doc-bob"}, docs)
	n, err := fresh.chunkVectors.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEngine_QueryBeforeInsert(t *testing.T) {
	e := openTestEngine(t, testConfig(t), newTestLLM())

	_, err := e.Query(context.Background(), "anything", query.DefaultParam())
	assert.ErrorIs(t, err, query.ErrNoData)
}

func TestEngine_CompletionCache(t *testing.T) {
	ctx := context.Background()
	llm := newTestLLM()
	llm.Rules = append(llm.Rules, testutil.Rule{Match: "Where does Alice work?", Reply: "At Acme."})
	e := openTestEngine(t, testConfig(t), llm)

	require.NoError(t, e.Insert(ctx, []common.Document{
		{ID: "doc-alice", Title: "Alice", Content: "Alice works at Acme in Berlin."},
	}))

	res, err := e.Query(ctx, "Where does Alice work?", query.DefaultParam())
	require.NoError(t, err)
	assert.Equal(t, "At Acme.", res.Answer)
	calls := llm.RequestCount()

	res, err = e.Query(ctx, "Where does Alice work?", query.DefaultParam())
	require.NoError(t, err)
	assert.Equal(t, "At Acme.", res.Answer)
	assert.Equal(t, calls, llm.RequestCount())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.KV.Backend = "etcd"
	_, err := New(context.Background(), cfg, WithClients(newTestLLM(), testutil.NewEmbedder(16)))
	assert.Error(t, err)
}
