package openai

import (
	"sync"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// GraphOpenAIClient implements ai.Client against an OpenAI compatible API.
// Chat and embedding requests may go to different endpoints.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	chatModel      string
	embeddingModel string
	embeddingDim   int
	maxTokenSize   int
	sendDimensions bool
	isOpenAI       bool

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewGraphOpenAIClientParams defines the configuration parameters for creating
// a new GraphOpenAIClient.
//
// EmbeddingDim is the dimensionality every returned vector must have.
// SendDimensions asks the API to shorten embeddings to EmbeddingDim, which
// only the text-embedding-3 family supports.
type NewGraphOpenAIClientParams struct {
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int
	MaxTokenSize   int
	SendDimensions bool

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	MaxConcurrentRequests int64
}

// NewGraphOpenAIClient creates a client from params.
//
// Example:
//
//	client := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		ChatModel:      "gpt-4o-mini",
//		EmbeddingModel: "text-embedding-3-small",
//		EmbeddingDim:   1536,
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//		EmbeddingKey:   os.Getenv("OPENAI_API_KEY"),
//	})
func NewGraphOpenAIClient(params NewGraphOpenAIClientParams) *GraphOpenAIClient {
	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 8
	}
	if params.MaxTokenSize <= 0 {
		params.MaxTokenSize = 8192
	}

	return &GraphOpenAIClient{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,
		embeddingDim:   params.EmbeddingDim,
		maxTokenSize:   params.MaxTokenSize,
		sendDimensions: params.SendDimensions,
		isOpenAI:       params.ChatURL == "",

		reqLock: semaphore.NewWeighted(params.MaxConcurrentRequests),

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

// DefaultModel returns the configured chat model.
func (c *GraphOpenAIClient) DefaultModel() string {
	return c.chatModel
}

// EmbeddingDim returns the dimensionality of returned embeddings.
func (c *GraphOpenAIClient) EmbeddingDim() int {
	return c.embeddingDim
}

// MaxTokenSize returns the longest input the embedding model accepts.
func (c *GraphOpenAIClient) MaxTokenSize() int {
	return c.maxTokenSize
}

// newOpenaiClient disables the SDK's own retries; callers wrap the client
// with ai.WithCompletionRetry instead.
func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
