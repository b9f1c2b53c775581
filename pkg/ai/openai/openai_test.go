package openai

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, dim int) *GraphOpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewGraphOpenAIClient(NewGraphOpenAIClientParams{
		ChatModel:      "test-chat",
		EmbeddingModel: "test-embed",
		EmbeddingDim:   dim,
		ChatURL:        srv.URL,
		ChatKey:        "key",
		EmbeddingURL:   srv.URL,
		EmbeddingKey:   "key",
	})
}

func TestGenerateChat_SendsOrderedMessages(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","created":0,"model":"test-chat",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}, 2)

	out, err := client.GenerateChat(t.Context(),
		[]ai.ChatMessage{{Role: ai.RoleUser, Message: "hi"}},
		ai.WithSystemPrompts("sys"),
		ai.WithHistory(ai.ChatMessage{Role: ai.RoleAssistant, Message: "earlier"}),
	)
	if err != nil {
		t.Fatalf("GenerateChat() error = %v", err)
	}
	if out != "hello" {
		t.Fatalf("expected hello, got %q", out)
	}

	roles := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,assistant,user" {
		t.Fatalf("unexpected message order: %v", roles)
	}
	if got.Model != "test-chat" {
		t.Fatalf("expected default model, got %q", got.Model)
	}
	if m := client.GetMetrics(); m.TotalTokens != 4 {
		t.Fatalf("expected 4 total tokens, got %d", m.TotalTokens)
	}
}

func TestGenerateChat_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"RateLimited", http.StatusTooManyRequests, ai.ErrRateLimited},
		{"ServerError", http.StatusBadGateway, ai.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"x"}}`))
			}, 2)

			_, err := client.GenerateChat(t.Context(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "hi"}})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !ai.IsRetryable(err) {
				t.Fatalf("expected retryable error, got %v", err)
			}
		})
	}
}

func TestGenerateChat_BadRequestNotRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	}, 2)

	_, err := client.GenerateChat(t.Context(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "hi"}})
	if err == nil || ai.IsRetryable(err) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestGenerateEmbeddings(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"test-embed",
			"data":[{"object":"embedding","index":1,"embedding":[0.5,0.5]},
			        {"object":"embedding","index":0,"embedding":[1,0]}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}, 2)

	out, err := client.GenerateEmbeddings(t.Context(), []string{"a", "  ", "b"})
	if err != nil {
		t.Fatalf("GenerateEmbeddings() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(out))
	}
	if out[0][0] != 1 || out[2][0] != 0.5 {
		t.Fatalf("vectors not mapped back to input order: %v", out)
	}
	if out[1][0] != 0 || out[1][1] != 0 {
		t.Fatalf("expected zero vector for blank input, got %v", out[1])
	}
}

func TestGenerateEmbeddings_DimensionMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"test-embed",
			"data":[{"object":"embedding","index":0,"embedding":[1,0,0]}],
			"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}, 2)

	_, err := client.GenerateEmbeddings(t.Context(), []string{"a"})
	if !errors.Is(err, ai.ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}
