package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/cluster"

	"github.com/goccy/go-yaml"
)

// Backend names.
const (
	KVJSON   = "json"
	KVBadger = "badger"
	KVRedis  = "redis"

	VectorMemory   = "memory"
	VectorPostgres = "postgres"

	BlobLocal = "local"
	BlobS3    = "s3"

	AdapterOpenAI = "openai"
	AdapterOllama = "ollama"

	LockLocal    = "local"
	LockPostgres = "postgres"
)

// Config is the complete process configuration. Load reads it from an
// optional YAML file and then applies environment overrides.
type Config struct {
	// WorkDir holds local blobs and the badger directory.
	WorkDir   string `yaml:"work_dir"`
	Namespace string `yaml:"namespace"`
	Debug     bool   `yaml:"debug"`

	KV     KVConfig     `yaml:"kv"`
	Vector VectorConfig `yaml:"vector"`
	Blob   BlobConfig   `yaml:"blob"`
	AI     AIConfig     `yaml:"ai"`
	Index  IndexConfig  `yaml:"index"`
	Query  QueryConfig  `yaml:"query"`
	Lock   LockConfig   `yaml:"lock"`
	Queue  QueueConfig  `yaml:"queue"`
	Server ServerConfig `yaml:"server"`
}

type KVConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	// BadgerInMemory keeps badger off disk. Used by tests.
	BadgerInMemory bool `yaml:"badger_in_memory"`
	SyncWrites     bool `yaml:"sync_writes"`
}

type VectorConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	BatchSize   int    `yaml:"batch_size"`
	Parallel    int    `yaml:"parallel"`
}

type BlobConfig struct {
	Backend   string `yaml:"backend"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

type AIConfig struct {
	Adapter        string `yaml:"adapter"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingDim   int    `yaml:"embedding_dim"`
	MaxTokenSize   int    `yaml:"max_token_size"`
	SendDimensions bool   `yaml:"send_dimensions"`
	ChatURL        string `yaml:"chat_url"`
	ChatKey        string `yaml:"chat_key"`
	EmbeddingURL   string `yaml:"embedding_url"`
	EmbeddingKey   string `yaml:"embedding_key"`
	Encoding       string `yaml:"encoding"`
	// Parallel bounds concurrent upstream requests.
	Parallel     int           `yaml:"parallel"`
	RetryMax     int           `yaml:"retry_max"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// Cache stores completions in the llm_response_cache namespace.
	Cache bool `yaml:"cache"`
}

type IndexConfig struct {
	ChunkTokens       int      `yaml:"chunk_tokens"`
	EntityTypes       []string `yaml:"entity_types"`
	ReportConcurrency int      `yaml:"report_concurrency"`
	ReportRate        float64  `yaml:"report_rate"`
	ClusterAlgorithm  string   `yaml:"cluster_algorithm"`
	ClusterSeed       uint64   `yaml:"cluster_seed"`
	MaxClusterLevels  int      `yaml:"max_cluster_levels"`
}

type QueryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type LockConfig struct {
	Backend     string        `yaml:"backend"`
	DatabaseURL string        `yaml:"database_url"`
	TTL         time.Duration `yaml:"ttl"`
}

type QueueConfig struct {
	URL string `yaml:"url"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	MasterAPIKey string `yaml:"master_api_key"`
	AuthURL      string `yaml:"auth_url"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		WorkDir:   "./work_dir",
		Namespace: "default",
		KV: KVConfig{
			Backend:     KVJSON,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "dygrag:",
		},
		Vector: VectorConfig{
			Backend:   VectorMemory,
			BatchSize: 32,
			Parallel:  4,
		},
		Blob: BlobConfig{
			Backend: BlobLocal,
			Region:  "us-east-1",
			Bucket:  "dygrag",
		},
		AI: AIConfig{
			Adapter:        AdapterOpenAI,
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			EmbeddingDim:   1536,
			MaxTokenSize:   8192,
			Encoding:       ai.DefaultEncoding,
			Parallel:       8,
			RetryMax:       3,
			RetryBackoff:   500 * time.Millisecond,
			Cache:          true,
		},
		Index: IndexConfig{
			ChunkTokens:       1200,
			ReportConcurrency: 4,
			ReportRate:        5,
			ClusterAlgorithm:  cluster.AlgorithmLeiden,
			ClusterSeed:       0xDEADBEEF,
			MaxClusterLevels:  4,
		},
		Query: QueryConfig{
			Timeout: 2 * time.Minute,
		},
		Lock: LockConfig{
			Backend: LockLocal,
			TTL:     5 * time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// LoadConfig reads path (if non-empty) over the defaults and then applies
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.WorkDir = util.GetEnvString("WORK_DIR", c.WorkDir)
	c.Namespace = util.GetEnvString("NAMESPACE", c.Namespace)
	c.Debug = util.GetEnvBool("DEBUG", c.Debug)

	c.KV.Backend = util.GetEnvString("KV_BACKEND", c.KV.Backend)
	c.KV.RedisAddr = util.GetEnvString("REDIS_ADDR", c.KV.RedisAddr)
	c.KV.RedisPassword = util.GetEnvString("REDIS_PASSWORD", c.KV.RedisPassword)
	c.KV.RedisDB = util.GetEnvInt("REDIS_DB", c.KV.RedisDB)

	c.Vector.Backend = util.GetEnvString("VECTOR_BACKEND", c.Vector.Backend)
	c.Vector.DatabaseURL = util.GetEnvString("DATABASE_URL", c.Vector.DatabaseURL)
	c.Vector.BatchSize = util.GetEnvInt("EMBED_BATCH_SIZE", c.Vector.BatchSize)

	c.Blob.Backend = util.GetEnvString("BLOB_BACKEND", c.Blob.Backend)
	c.Blob.Region = util.GetEnvString("AWS_REGION", c.Blob.Region)
	c.Blob.Endpoint = util.GetEnvString("AWS_ENDPOINT", c.Blob.Endpoint)
	c.Blob.AccessKey = util.GetEnvString("AWS_ACCESS_KEY", c.Blob.AccessKey)
	c.Blob.SecretKey = util.GetEnvString("AWS_SECRET_KEY", c.Blob.SecretKey)
	c.Blob.Bucket = util.GetEnvString("AWS_BUCKET", c.Blob.Bucket)

	c.AI.Adapter = util.GetEnvString("AI_ADAPTER", c.AI.Adapter)
	c.AI.ChatModel = util.GetEnvString("AI_CHAT_MODEL", c.AI.ChatModel)
	c.AI.EmbeddingModel = util.GetEnvString("AI_EMBED_MODEL", c.AI.EmbeddingModel)
	c.AI.EmbeddingDim = util.GetEnvInt("AI_EMBED_DIM", c.AI.EmbeddingDim)
	c.AI.ChatURL = util.GetEnvString("AI_CHAT_URL", c.AI.ChatURL)
	c.AI.ChatKey = util.GetEnvString("AI_CHAT_KEY", c.AI.ChatKey)
	c.AI.EmbeddingURL = util.GetEnvString("AI_EMBED_URL", c.AI.EmbeddingURL)
	c.AI.EmbeddingKey = util.GetEnvString("AI_EMBED_KEY", c.AI.EmbeddingKey)
	c.AI.Parallel = util.GetEnvInt("AI_PARALLEL_REQ", c.AI.Parallel)
	c.AI.Cache = util.GetEnvBool("AI_CACHE", c.AI.Cache)
	c.AI.RetryBackoff = util.GetEnvDuration("AI_RETRY_BACKOFF", c.AI.RetryBackoff)

	c.Query.Timeout = util.GetEnvDuration("QUERY_TIMEOUT", c.Query.Timeout)

	c.Lock.Backend = util.GetEnvString("LOCK_BACKEND", c.Lock.Backend)
	c.Lock.DatabaseURL = util.GetEnvString("DATABASE_URL", c.Lock.DatabaseURL)
	c.Lock.TTL = util.GetEnvDuration("LOCK_TTL", c.Lock.TTL)

	c.Queue.URL = util.GetEnvString("RABBITMQ_URL", c.Queue.URL)

	c.Server.Addr = util.GetEnvString("SERVER_ADDR", c.Server.Addr)
	c.Server.MasterAPIKey = util.GetEnvString("MASTER_API_KEY", c.Server.MasterAPIKey)
	c.Server.AuthURL = util.GetEnvString("AUTH_URL", c.Server.AuthURL)
}

// Validate rejects unknown backends and settings a backend cannot run
// without.
func (c Config) Validate() error {
	var errs []error
	switch c.KV.Backend {
	case KVJSON, KVBadger, KVRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown kv backend %q", c.KV.Backend))
	}
	switch c.Vector.Backend {
	case VectorMemory:
	case VectorPostgres:
		if c.Vector.DatabaseURL == "" {
			errs = append(errs, errors.New("vector backend postgres requires database_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.Vector.Backend))
	}
	switch c.Blob.Backend {
	case BlobLocal:
	case BlobS3:
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob backend s3 requires bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}
	switch c.AI.Adapter {
	case AdapterOpenAI, AdapterOllama:
	default:
		errs = append(errs, fmt.Errorf("unknown ai adapter %q", c.AI.Adapter))
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockPostgres:
		if c.Lock.DatabaseURL == "" {
			errs = append(errs, errors.New("lock backend postgres requires database_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock backend %q", c.Lock.Backend))
	}
	switch c.Index.ClusterAlgorithm {
	case cluster.AlgorithmLeiden, cluster.AlgorithmLouvain:
	default:
		errs = append(errs, fmt.Errorf("unknown cluster algorithm %q", c.Index.ClusterAlgorithm))
	}
	if c.AI.EmbeddingDim <= 0 {
		errs = append(errs, errors.New("embedding_dim must be positive"))
	}
	return errors.Join(errs...)
}

// backoff is the retry schedule for upstream calls.
func (c AIConfig) backoff() util.Backoff {
	b := util.DefaultBackoff
	if c.RetryMax > 0 {
		b.Attempts = c.RetryMax
	}
	if c.RetryBackoff > 0 {
		b.Base = c.RetryBackoff
	}
	return b
}

func (c IndexConfig) clusterOptions() cluster.Options {
	opts := cluster.DefaultOptions()
	if c.ClusterAlgorithm != "" {
		opts.Algorithm = c.ClusterAlgorithm
	}
	if c.ClusterSeed != 0 {
		opts.Seed = c.ClusterSeed
	}
	if c.MaxClusterLevels > 0 {
		opts.MaxLevels = c.MaxClusterLevels
	}
	return opts
}
