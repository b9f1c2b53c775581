// Package cache memoizes completions in a KV namespace.
package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/store"

	"golang.org/x/sync/singleflight"
)

// Namespace is the KV namespace used for cached completions.
const Namespace = "llm_response_cache"

// Completion wraps a CompletionClient. Responses are stored under a hash of
// the model and the full message sequence as {"return": text, "model": model}.
// Concurrent misses for the same key share one upstream call.
type Completion struct {
	next  ai.CompletionClient
	kv    store.KVStore
	group singleflight.Group
}

func New(next ai.CompletionClient, kv store.KVStore) *Completion {
	return &Completion{next: next, kv: kv}
}

// Key returns the cache key of a request. Structured output requests also
// hash the schema name so a plain answer is never served for them.
func Key(model string, messages []ai.ChatMessage, schema *ai.Schema) string {
	raw, _ := json.Marshal(messages)
	if schema != nil {
		return util.ArgsHash(model, string(raw), schema.Name)
	}
	return util.ArgsHash(model, string(raw))
}

func (c *Completion) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	o := ai.NewGenerateOptions(opts...)
	model := o.Model
	if model == "" {
		model = c.next.DefaultModel()
	}
	key := Key(model, o.Messages(messages), o.Schema)

	if answer, ok := c.lookup(ctx, key); ok {
		return answer, nil
	}

	// The shared call outlives any single caller; each caller stops waiting
	// when its own ctx is done.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		ctx := flightCtx
		if answer, ok := c.lookup(ctx, key); ok {
			return answer, nil
		}

		answer, err := c.next.GenerateChat(ctx, messages, opts...)
		if err != nil {
			return "", err
		}

		if err := c.kv.Upsert(ctx, map[string]store.Record{
			key: {"return": answer, "model": model},
		}); err != nil {
			logger.Warn("[Cache] Write failed", "key", key, "err", err)
			return answer, nil
		}
		if err := c.kv.IndexDone(ctx); err != nil {
			logger.Warn("[Cache] Commit failed", "namespace", c.kv.Namespace(), "err", err)
		}
		return answer, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Completion) lookup(ctx context.Context, key string) (string, bool) {
	rec, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		if _, ok := rec["return"]; ok {
			return store.RecordString(rec, "return"), true
		}
	case !errors.Is(err, store.ErrNotFound):
		logger.Warn("[Cache] Lookup failed", "key", key, "err", err)
	}
	return "", false
}

func (c *Completion) DefaultModel() string {
	return c.next.DefaultModel()
}
