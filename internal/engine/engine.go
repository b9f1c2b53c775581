// Package engine builds the stores, model clients, pipeline and planner of
// one namespace from a Config.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/OFFIS-RIT/dygrag/internal/migrations"
	"github.com/OFFIS-RIT/dygrag/internal/storage"
	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/ai/cache"
	"github.com/OFFIS-RIT/dygrag/pkg/ai/ollama"
	"github.com/OFFIS-RIT/dygrag/pkg/ai/openai"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/graph"
	"github.com/OFFIS-RIT/dygrag/pkg/leaselock"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/query"
	"github.com/OFFIS-RIT/dygrag/pkg/report"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
	storegraph "github.com/OFFIS-RIT/dygrag/pkg/store/graph"
	"github.com/OFFIS-RIT/dygrag/pkg/store/kv"
	"github.com/OFFIS-RIT/dygrag/pkg/store/vector"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/redis/go-redis/v9"
)

// Vector and graph namespaces.
const (
	ChunkVectorsNamespace  = "chunks"
	EntityVectorsNamespace = "entities"
	GraphNamespace         = "chunk_entity_relation"
)

// GenerationKey is the blob key that changes with every committed indexing
// run. Engines compare it before reads and reload when it moved.
const GenerationKey = "index_generation"

var (
	chunkMetaFields  = []string{"full_doc_id", "doc_title", "tokens", "start_time", "end_time"}
	entityMetaFields = []string{"entity_name", "start_time", "end_time"}
)

// Engine owns every store of one namespace.
type Engine struct {
	cfg Config

	completion ai.CompletionClient
	embedder   ai.EmbeddingClient
	metrics    func() ai.ModelMetrics
	tokenizer  ai.Tokenizer

	blob    store.BlobStore
	badger  *badger.DB
	redis   *redis.Client
	pool    *pgxpool.Pool
	locker  leaselock.Locker
	reports *report.Cache
	kvs     map[string]store.KVStore

	chunkVectors  store.VectorIndex
	entityVectors store.VectorIndex
	graph         store.GraphStore

	pipeline *graph.Pipeline
	planner  *query.Planner

	// indexMu is held by Insert and Cluster; refresh skips while it is.
	indexMu    sync.Mutex
	genMu      sync.Mutex
	generation string
}

// Option overrides parts of the wiring.
type Option func(*Engine)

// WithClients replaces the configured model adapter. Tests use it with
// deterministic fakes.
func WithClients(completion ai.CompletionClient, embedder ai.EmbeddingClient) Option {
	return func(e *Engine) {
		e.completion = completion
		e.embedder = embedder
	}
}

// WithTokenizer replaces the tiktoken encoder.
func WithTokenizer(tok ai.Tokenizer) Option {
	return func(e *Engine) { e.tokenizer = tok }
}

// New opens every store and wires the pipeline and the planner. Close must
// be called to release the backends.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, kvs: make(map[string]store.KVStore)}
	for _, opt := range opts {
		opt(e)
	}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if e.tokenizer == nil {
		if e.tokenizer, err = ai.NewTokenizer(cfg.AI.Encoding); err != nil {
			return nil, err
		}
	}
	if e.completion == nil || e.embedder == nil {
		if err := e.initClients(); err != nil {
			return nil, fmt.Errorf("init ai client: %w", err)
		}
	}
	if err := e.initBlob(ctx); err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	// Read before the stores load so a commit in between triggers a reload.
	if e.generation, err = e.readGeneration(ctx); err != nil {
		return nil, fmt.Errorf("read index generation: %w", err)
	}
	if err := e.initKV(ctx); err != nil {
		return nil, fmt.Errorf("init kv store: %w", err)
	}
	if err := e.initPostgres(ctx); err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := e.initVectors(ctx); err != nil {
		return nil, fmt.Errorf("init vector index: %w", err)
	}

	e.graph, err = storegraph.NewMemoryGraph(ctx, storegraph.Options{
		Namespace: GraphNamespace,
		Blob:      e.blob,
		Cluster:   cfg.Index.clusterOptions(),
	})
	if err != nil {
		return nil, fmt.Errorf("init graph store: %w", err)
	}

	e.locker = leaselock.NewLocalLocker()
	if cfg.Lock.Backend == LockPostgres {
		e.locker = leaselock.NewPostgresLocker(leaselock.New(e.pool), leaselock.Options{
			TTL:          cfg.Lock.TTL,
			HolderPrefix: cfg.Namespace + "-",
		})
	}

	llm := ai.WithCompletionRetry(e.completion, cfg.AI.backoff())
	if cfg.AI.Cache {
		llm = cache.New(llm, e.kvs[cache.Namespace])
	}

	e.reports = report.New(e.graph, e.kvs[graph.ChunksNamespace], e.kvs[report.Namespace], llm, report.Options{
		Concurrency:   cfg.Index.ReportConcurrency,
		RatePerSecond: cfg.Index.ReportRate,
		Tokenizer:     e.tokenizer,
	})

	e.pipeline = graph.NewPipeline(graph.Stores{
		FullDocs:      e.kvs[graph.FullDocsNamespace],
		Chunks:        e.kvs[graph.ChunksNamespace],
		State:         e.kvs[graph.StateNamespace],
		ChunkVectors:  e.chunkVectors,
		EntityVectors: e.entityVectors,
		Graph:         e.graph,
		Shared:        []store.Namespace{e.kvs[report.Namespace], e.kvs[cache.Namespace]},
	}, llm, e.tokenizer, e.reports, e.locker, graph.Options{
		ChunkTokens:      cfg.Index.ChunkTokens,
		EmbedTokens:      e.embedder.MaxTokenSize(),
		EntityTypes:      cfg.Index.EntityTypes,
		Parallel:         cfg.AI.Parallel,
		ClusterAlgorithm: cfg.Index.ClusterAlgorithm,
		Committed:        e.commitGeneration,
	})

	e.planner = query.NewPlanner(query.Stores{
		Chunks:        e.kvs[graph.ChunksNamespace],
		Spans:         e.kvs[graph.StateNamespace],
		ChunkVectors:  e.chunkVectors,
		EntityVectors: e.entityVectors,
		Graph:         e.graph,
	}, llm, e.tokenizer, query.Options{Timeout: cfg.Query.Timeout})

	logger.Info("[Engine] Initialized",
		"namespace", cfg.Namespace,
		"kv", cfg.KV.Backend,
		"vector", cfg.Vector.Backend,
		"blob", cfg.Blob.Backend,
		"lock", cfg.Lock.Backend,
	)
	return e, nil
}

func (e *Engine) initClients() error {
	c := e.cfg.AI
	switch c.Adapter {
	case AdapterOllama:
		client, err := ollama.NewGraphOllamaClient(ollama.NewGraphOllamaClientParams{
			ChatModel:             c.ChatModel,
			EmbeddingModel:        c.EmbeddingModel,
			EmbeddingDim:          c.EmbeddingDim,
			MaxTokenSize:          c.MaxTokenSize,
			Tokenizer:             e.tokenizer,
			BaseURL:               c.ChatURL,
			ApiKey:                c.ChatKey,
			MaxConcurrentRequests: int64(c.Parallel),
		})
		if err != nil {
			return err
		}
		e.completion, e.embedder, e.metrics = client, client, client.GetMetrics
	default:
		client := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
			ChatModel:             c.ChatModel,
			EmbeddingModel:        c.EmbeddingModel,
			EmbeddingDim:          c.EmbeddingDim,
			MaxTokenSize:          c.MaxTokenSize,
			SendDimensions:        c.SendDimensions,
			ChatURL:               c.ChatURL,
			ChatKey:               c.ChatKey,
			EmbeddingURL:          c.EmbeddingURL,
			EmbeddingKey:          c.EmbeddingKey,
			MaxConcurrentRequests: int64(c.Parallel),
		})
		e.completion, e.embedder, e.metrics = client, client, client.GetMetrics
	}
	return nil
}

func (e *Engine) initBlob(ctx context.Context) error {
	c := e.cfg.Blob
	if c.Backend == BlobS3 {
		b, err := storage.NewS3Bucket(ctx, storage.S3Params{
			Region:    c.Region,
			Endpoint:  c.Endpoint,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
			Bucket:    c.Bucket,
			Prefix:    c.Prefix + e.cfg.Namespace + "/",
		})
		if err != nil {
			return err
		}
		e.blob = b
		return nil
	}
	b, err := storage.NewLocalBucket(filepath.Join(e.cfg.WorkDir, e.cfg.Namespace))
	if err != nil {
		return err
	}
	e.blob = b
	return nil
}

func (e *Engine) initKV(ctx context.Context) error {
	c := e.cfg.KV
	switch c.Backend {
	case KVBadger:
		db, err := kv.OpenBadger(kv.BadgerOptions{
			Dir:        filepath.Join(e.cfg.WorkDir, e.cfg.Namespace, "badger"),
			InMemory:   c.BadgerInMemory,
			SyncWrites: c.SyncWrites,
		})
		if err != nil {
			return err
		}
		e.badger = db
	case KVRedis:
		e.redis = kv.NewRedisClient(kv.RedisOptions{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		err := util.RetryErrWithContext(ctx, 3, func(ctx context.Context) error {
			return e.redis.Ping(ctx).Err()
		})
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	for _, ns := range []string{
		graph.FullDocsNamespace,
		graph.ChunksNamespace,
		graph.StateNamespace,
		report.Namespace,
		cache.Namespace,
	} {
		s, err := e.openKV(ctx, ns)
		if err != nil {
			return fmt.Errorf("%s: %w", ns, err)
		}
		e.kvs[ns] = s
	}
	return nil
}

func (e *Engine) openKV(ctx context.Context, ns string) (store.KVStore, error) {
	switch e.cfg.KV.Backend {
	case KVBadger:
		return kv.NewBadgerStore(e.badger, ns), nil
	case KVRedis:
		return kv.NewRedisStore(e.redis, e.cfg.KV.RedisPrefix+e.cfg.Namespace+":", ns), nil
	default:
		return kv.NewJSONStore(ctx, ns, e.blob)
	}
}

// initPostgres opens the pool shared by the pgvector index and the lease
// lock and applies the schema.
func (e *Engine) initPostgres(ctx context.Context) error {
	url := e.cfg.Vector.DatabaseURL
	if e.cfg.Vector.Backend != VectorPostgres {
		if e.cfg.Lock.Backend != LockPostgres {
			return nil
		}
		url = e.cfg.Lock.DatabaseURL
	}

	if err := migrations.Up(url); err != nil {
		return err
	}
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return err
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	e.pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}
	return util.RetryErrWithContext(ctx, 3, e.pool.Ping)
}

func (e *Engine) initVectors(ctx context.Context) error {
	embedder := ai.WithEmbeddingRetry(e.embedder, e.cfg.AI.backoff())
	open := func(ns string, fields []string) (store.VectorIndex, error) {
		opts := vector.Options{
			Namespace:  ns,
			Embedder:   embedder,
			MetaFields: fields,
			BatchSize:  e.cfg.Vector.BatchSize,
			Parallel:   e.cfg.Vector.Parallel,
			Blob:       e.blob,
		}
		if e.cfg.Vector.Backend == VectorPostgres {
			opts.Namespace = e.cfg.Namespace + ":" + ns
			return vector.NewPostgresIndex(e.pool, opts)
		}
		return vector.NewMemoryIndex(ctx, opts)
	}

	var err error
	if e.chunkVectors, err = open(ChunkVectorsNamespace, chunkMetaFields); err != nil {
		return err
	}
	e.entityVectors, err = open(EntityVectorsNamespace, entityMetaFields)
	return err
}

// Insert indexes docs.
func (e *Engine) Insert(ctx context.Context, docs []common.Document) error {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	return e.pipeline.Insert(ctx, docs)
}

// Cluster forces clustering and a report refresh.
func (e *Engine) Cluster(ctx context.Context) error {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	return e.pipeline.Cluster(ctx)
}

// Query answers text and signals the end of the query to every store.
func (e *Engine) Query(ctx context.Context, text string, param query.Param, opts ...query.QueryOption) (*query.Result, error) {
	if err := e.refresh(ctx); err != nil {
		return nil, err
	}
	res, err := e.planner.Query(ctx, text, param, opts...)
	for _, ns := range e.namespaces() {
		if qerr := ns.QueryDone(context.WithoutCancel(ctx)); qerr != nil {
			logger.Warn("[Engine] QueryDone failed", "namespace", ns.Namespace(), "err", qerr)
		}
	}
	return res, err
}

func (e *Engine) readGeneration(ctx context.Context) (string, error) {
	raw, err := e.blob.Get(ctx, GenerationKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// commitGeneration publishes a new generation after an indexing run.
func (e *Engine) commitGeneration(ctx context.Context) error {
	gen := util.NewID()
	if err := e.blob.Put(ctx, GenerationKey, []byte(gen)); err != nil {
		return fmt.Errorf("write index generation: %w", err)
	}
	e.genMu.Lock()
	e.generation = gen
	e.genMu.Unlock()
	return nil
}

// refresh reloads every store when another process committed since the
// last load. It does nothing while this engine is indexing, since that run
// reloads and commits on its own.
func (e *Engine) refresh(ctx context.Context) error {
	gen, err := e.readGeneration(ctx)
	if err != nil {
		return fmt.Errorf("read index generation: %w", err)
	}
	e.genMu.Lock()
	current := e.generation
	e.genMu.Unlock()
	if gen == current {
		return nil
	}

	if !e.indexMu.TryLock() {
		return nil
	}
	defer e.indexMu.Unlock()
	for _, ns := range e.namespaces() {
		if err := ns.IndexStart(ctx); err != nil {
			return fmt.Errorf("reload %s: %w", ns.Namespace(), err)
		}
	}
	e.genMu.Lock()
	e.generation = gen
	e.genMu.Unlock()
	logger.Debug("[Engine] Reloaded stores", "namespace", e.cfg.Namespace, "generation", gen)
	return nil
}

// Communities returns the stored community reports.
func (e *Engine) Communities(ctx context.Context) ([]report.Report, error) {
	if err := e.refresh(ctx); err != nil {
		return nil, err
	}
	return e.reports.All(ctx)
}

// Metrics returns the accumulated usage of the configured adapter. It is
// zero when fake clients are injected.
func (e *Engine) Metrics() ai.ModelMetrics {
	if e.metrics == nil {
		return ai.ModelMetrics{}
	}
	return e.metrics()
}

func (e *Engine) namespaces() []store.Namespace {
	var out []store.Namespace
	for _, s := range e.kvs {
		out = append(out, s)
	}
	for _, s := range []store.Namespace{e.chunkVectors, e.entityVectors, e.graph} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Close releases the backends. Stores commit at the end of each indexing
// stage, so nothing is flushed here.
func (e *Engine) Close() error {
	var errs []error
	if e.badger != nil {
		errs = append(errs, e.badger.Close())
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	if e.pool != nil {
		e.pool.Close()
	}
	return errors.Join(errs...)
}
