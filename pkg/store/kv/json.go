package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/store"
)

// JSONStore keeps a namespace in memory and writes it as one JSON document
// to a blob store on IndexDone. With a nil blob store it is memory-only.
//
// IndexDone re-reads the stored document and applies only the ids changed
// since the last commit, so processes sharing the blob store keep each
// other's records.
type JSONStore struct {
	namespace string
	blob      store.BlobStore

	mu   sync.RWMutex
	data map[string]store.Record
	// changed maps ids touched since the last commit to true for upserts
	// and false for deletes.
	changed map[string]bool
}

// JSONFileName is the blob key of a namespace.
func JSONFileName(namespace string) string {
	return fmt.Sprintf("kv_store_%s.json", namespace)
}

// NewJSONStore loads the namespace from blob if a snapshot exists.
func NewJSONStore(ctx context.Context, namespace string, blob store.BlobStore) (*JSONStore, error) {
	s := &JSONStore{
		namespace: namespace,
		blob:      blob,
		data:      map[string]store.Record{},
		changed:   map[string]bool{},
	}
	data, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if data != nil {
		s.data = data
		logger.Debug("[KV] Loaded namespace", "namespace", namespace, "records", len(s.data))
	}
	return s, nil
}

// read returns the stored document, or nil when there is none.
func (s *JSONStore) read(ctx context.Context) (map[string]store.Record, error) {
	if s.blob == nil {
		return nil, nil
	}
	raw, err := s.blob.Get(ctx, JSONFileName(s.namespace))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kv namespace %s: %w", s.namespace, err)
	}
	data := map[string]store.Record{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode kv namespace %s: %w", s.namespace, err)
	}
	return data, nil
}

func (s *JSONStore) Namespace() string { return s.namespace }

func (s *JSONStore) AllKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *JSONStore) Get(ctx context.Context, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.CloneRecord(r), nil
}

func (s *JSONStore) GetMany(ctx context.Context, ids []string, fields ...string) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Record, len(ids))
	for i, id := range ids {
		if r, ok := s.data[id]; ok {
			out[i] = store.CloneRecord(r, fields...)
		}
	}
	return out, nil
}

func (s *JSONStore) FilterNew(ctx context.Context, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.data[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *JSONStore) Upsert(ctx context.Context, data map[string]store.Record) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range data {
		s.data[id] = store.CloneRecord(r)
		s.changed[id] = true
	}
	return nil
}

func (s *JSONStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.data[id]; ok {
			delete(s.data, id)
			s.changed[id] = false
		}
	}
	return nil
}

func (s *JSONStore) Drop(ctx context.Context) error {
	s.mu.Lock()
	s.data = map[string]store.Record{}
	s.changed = map[string]bool{}
	s.mu.Unlock()

	if s.blob == nil {
		return nil
	}
	return s.blob.Delete(ctx, JSONFileName(s.namespace))
}

// IndexStart replaces the in-memory records with the stored document.
// Uncommitted changes are discarded.
func (s *JSONStore) IndexStart(ctx context.Context) error {
	data, err := s.read(ctx)
	if err != nil || data == nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.changed = map[string]bool{}
	s.mu.Unlock()
	return nil
}

// IndexDone merges the ids changed since the last commit into the stored
// document and writes it. The merged document becomes the in-memory state.
func (s *JSONStore) IndexDone(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blob == nil {
		clear(s.changed)
		return nil
	}
	if len(s.changed) == 0 {
		return nil
	}

	merged, err := s.read(ctx)
	if err != nil {
		return err
	}
	if merged == nil {
		merged = map[string]store.Record{}
	}
	for id, upserted := range s.changed {
		if upserted {
			merged[id] = s.data[id]
		} else {
			delete(merged, id)
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode kv namespace %s: %w", s.namespace, err)
	}
	if err := s.blob.Put(ctx, JSONFileName(s.namespace), raw); err != nil {
		return err
	}
	s.data = merged
	s.changed = map[string]bool{}
	logger.Debug("[KV] Wrote namespace", "namespace", s.namespace, "records", len(s.data))
	return nil
}

func (s *JSONStore) QueryDone(ctx context.Context) error {
	return nil
}
