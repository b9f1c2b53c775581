package ai

import (
	"context"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a single message in a chat conversation.
//
// Role must be one of:
//   - "system"    → an instruction prepended by the caller
//   - "user"      → a user-provided message
//   - "assistant" → a message from the AI assistant
type ChatMessage struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}

// GenerateOptions holds configuration for AI generation requests.
type GenerateOptions struct {
	Model         string        // Model identifier to use for generation
	SystemPrompts []string      // System prompts prepended to the request
	History       []ChatMessage // Prior turns inserted between system prompts and the request
	Temperature   float64       // Sampling temperature (0.0-2.0)
	Thinking      string        // Extended thinking mode configuration
	Schema        *Schema       // Structured output format, if any
}

// Schema requests structured JSON output matching a JSON schema.
type Schema struct {
	Name        string
	Description string
	Definition  any
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	WallClockMs    int64   `json:"wall_clock_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// GenerateOption is a functional option for configuring AI generation requests.
type GenerateOption func(*GenerateOptions)

// NewGenerateOptions applies opts over the zero options.
func NewGenerateOptions(opts ...GenerateOption) GenerateOptions {
	var o GenerateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithModel returns a GenerateOption that sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts returns a GenerateOption that sets the system prompts
// to prepend to the generation request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithHistory returns a GenerateOption that inserts prior conversation turns
// before the request messages.
func WithHistory(history ...ChatMessage) GenerateOption {
	return func(o *GenerateOptions) {
		o.History = history
	}
}

// WithTemperature returns a GenerateOption that sets the sampling temperature.
// Higher values (e.g., 1.0) produce more random outputs, while lower values
// (e.g., 0.2) make outputs more focused and deterministic.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// WithThinking returns a GenerateOption that enables extended thinking mode.
// The thinking parameter specifies the thinking budget or mode configuration.
func WithThinking(thinking string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Thinking = thinking
	}
}

// WithJSONSchema asks the model for JSON output matching the schema generated
// from out's type.
func WithJSONSchema(name, description string, out any) GenerateOption {
	return func(o *GenerateOptions) {
		o.Schema = &Schema{
			Name:        name,
			Description: description,
			Definition:  GenerateSchema(out),
		}
	}
}

// Messages returns the full ordered message sequence for a request: system
// prompts, then history, then msgs.
func (o GenerateOptions) Messages(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(o.SystemPrompts)+len(o.History)+len(msgs))
	for _, p := range o.SystemPrompts {
		out = append(out, ChatMessage{Role: RoleSystem, Message: p})
	}
	out = append(out, o.History...)
	out = append(out, msgs...)
	return out
}

// CompletionClient maps a message sequence to generated text. Errors are
// classified with ErrRateLimited, ErrTransport and ErrMalformedResponse.
type CompletionClient interface {
	GenerateChat(ctx context.Context, messages []ChatMessage, opts ...GenerateOption) (string, error)
	// DefaultModel is the model used when no WithModel option is given.
	DefaultModel() string
}

// EmbeddingClient maps texts to fixed-dimension vectors, one per input and in
// input order. Inputs longer than MaxTokenSize must be truncated by the caller.
type EmbeddingClient interface {
	GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
	EmbeddingDim() int
	MaxTokenSize() int
}

// Client is implemented by adapters that provide both services.
type Client interface {
	CompletionClient
	EmbeddingClient
	ResetMetrics()
	GetMetrics() ModelMetrics
}
