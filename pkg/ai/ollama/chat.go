package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"

	"github.com/ollama/ollama/api"
)

const defaultContextWindow = 4096

// GenerateChat sends the conversation to Ollama and returns the assistant
// text. The context window grows with the prompt when a tokenizer is set.
func (c *GraphOllamaClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.GenerateOptions{
		Model:       c.chatModel,
		Temperature: 0.2,
	}
	for _, o := range opts {
		o(&options)
	}

	all := options.Messages(messages)
	msgs := make([]api.Message, 0, len(all))
	promptLen := 0
	for _, m := range all {
		switch m.Role {
		case ai.RoleSystem, ai.RoleUser, ai.RoleAssistant:
		default:
			return "", fmt.Errorf("unknown message role %q", m.Role)
		}
		msgs = append(msgs, api.Message{Role: m.Role, Content: m.Message})
		if c.tokenizer != nil {
			promptLen += ai.CountTokens(c.tokenizer, m.Message)
		}
	}

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}

	if tokens := promptLen + 1024; tokens > defaultContextWindow {
		req.Options["num_ctx"] = tokens
	}

	if options.Thinking != "" {
		req.Think = &api.ThinkValue{
			Value: options.Thinking,
		}
	}

	if options.Schema != nil {
		formatBytes, err := json.Marshal(options.Schema.Definition)
		if err != nil {
			return "", err
		}
		req.Format = json.RawMessage(formatBytes)
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.reqLock.Release(1)

	var content strings.Builder
	if err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		content.WriteString(cr.Message.Content)
		if cr.Done {
			c.modifyMetrics(ai.ModelMetrics{
				InputTokens:  cr.PromptEvalCount,
				OutputTokens: cr.EvalCount,
				TotalTokens:  cr.PromptEvalCount + cr.EvalCount,
				DurationMs:   cr.TotalDuration.Milliseconds(),
			})
		}
		return nil
	}); err != nil {
		return "", classify(err)
	}

	return content.String(), nil
}
