// Package testutil provides deterministic stand-ins for the embedding and
// completion services.
package testutil

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
)

// Embedder hashes lowercase words into Dim buckets. Texts sharing words get
// positive cosine similarity; identical texts get similarity 1.
type Embedder struct {
	Dim int
	// Vectors overrides the embedding of exact input strings.
	Vectors map[string][]float32
	// Err is returned by every call when set.
	Err error

	mu    sync.Mutex
	Calls int
}

func NewEmbedder(dim int) *Embedder {
	return &Embedder{Dim: dim, Vectors: map[string][]float32{}}
}

func (e *Embedder) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	e.mu.Lock()
	e.Calls++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if v, ok := e.Vectors[in]; ok {
			out[i] = v
			continue
		}
		vec := make([]float32, e.Dim)
		for _, w := range Words(in) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			vec[int(h.Sum32())%e.Dim]++
		}
		out[i] = vec
	}
	return out, nil
}

func (e *Embedder) EmbeddingDim() int { return e.Dim }

func (e *Embedder) MaxTokenSize() int { return 8192 }

// Words splits text into lowercase alphanumeric words.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Tokenizer treats every whitespace separated word as one token.
type Tokenizer struct {
	mu    sync.Mutex
	vocab map[string]int
	words []string
}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{vocab: map[string]int{}}
}

func (t *Tokenizer) Encode(text string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := strings.Fields(text)
	out := make([]int, len(fields))
	for i, f := range fields {
		id, ok := t.vocab[f]
		if !ok {
			id = len(t.words)
			t.vocab[f] = id
			t.words = append(t.words, f)
		}
		out[i] = id
	}
	return out
}

func (t *Tokenizer) Decode(tokens []int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := make([]string, 0, len(tokens))
	for _, id := range tokens {
		if id >= 0 && id < len(t.words) {
			parts = append(parts, t.words[id])
		}
	}
	return strings.Join(parts, " ")
}

// Completer answers with the first Rule whose Match is contained in the last
// user message, falling back to Default. Every request is recorded.
type Completer struct {
	Model   string
	Rules   []Rule
	Default string
	// Script, when non-empty, is consumed in order before Rules apply.
	Script []Reply

	mu       sync.Mutex
	Requests [][]ai.ChatMessage
}

// Rule maps a substring of the prompt to a reply.
type Rule struct {
	Match string
	Reply string
}

// Reply is one scripted answer or error.
type Reply struct {
	Text string
	Err  error
}

func (c *Completer) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o := ai.NewGenerateOptions(opts...)
	full := o.Messages(messages)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, full)

	if len(c.Script) > 0 {
		r := c.Script[0]
		c.Script = c.Script[1:]
		return r.Text, r.Err
	}

	last := ""
	for i := len(full) - 1; i >= 0; i-- {
		if full[i].Role == ai.RoleUser {
			last = full[i].Message
			break
		}
	}
	for _, r := range c.Rules {
		if strings.Contains(last, r.Match) {
			return r.Reply, nil
		}
	}
	return c.Default, nil
}

func (c *Completer) DefaultModel() string {
	if c.Model == "" {
		return "test-model"
	}
	return c.Model
}

// RequestCount returns the number of calls so far.
func (c *Completer) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}
