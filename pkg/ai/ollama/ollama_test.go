package ollama

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GraphOllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewGraphOllamaClient(NewGraphOllamaClientParams{
		ChatModel:      "llama",
		EmbeddingModel: "embed",
		EmbeddingDim:   2,
		BaseURL:        srv.URL,
	})
	if err != nil {
		t.Fatalf("NewGraphOllamaClient() error = %v", err)
	}
	return c
}

func TestGenerateChat(t *testing.T) {
	var roles []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama","message":{"role":"assistant","content":"pong"},"done":true,"prompt_eval_count":2,"eval_count":1}`))
	})

	out, err := client.GenerateChat(t.Context(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "ping"}}, ai.WithSystemPrompts("sys"))
	if err != nil {
		t.Fatalf("GenerateChat() error = %v", err)
	}
	if out != "pong" {
		t.Fatalf("expected pong, got %q", out)
	}
	if len(roles) != 2 || roles[0] != ai.RoleSystem || roles[1] != ai.RoleUser {
		t.Fatalf("unexpected roles %v", roles)
	}
	if m := client.GetMetrics(); m.TotalTokens != 3 {
		t.Fatalf("expected 3 tokens, got %d", m.TotalTokens)
	}
}

func TestGenerateChat_RateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	})

	_, err := client.GenerateChat(t.Context(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "ping"}})
	if !errors.Is(err, ai.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestGenerateEmbeddings_DimensionMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"embed","embeddings":[[1,2,3]]}`))
	})

	_, err := client.GenerateEmbeddings(t.Context(), []string{"a"})
	if !errors.Is(err, ai.ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}
