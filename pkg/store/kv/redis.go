package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/dygrag/pkg/store"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix, default "dygrag:"
}

// NewRedisClient creates a client from opts.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// RedisStore keeps a namespace in a single Redis hash, one field per id.
type RedisStore struct {
	client    *redis.Client
	namespace string
	key       string
}

// NewRedisStore binds namespace to client.
func NewRedisStore(client *redis.Client, prefix, namespace string) *RedisStore {
	if prefix == "" {
		prefix = "dygrag:"
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		key:       fmt.Sprintf("%skv:%s", prefix, namespace),
	}
}

func (s *RedisStore) Namespace() string { return s.namespace }

func (s *RedisStore) AllKeys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", s.namespace, err)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (store.Record, error) {
	data, err := s.client.HGet(ctx, s.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s from redis: %w", id, err)
	}
	var r store.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", id, err)
	}
	return r, nil
}

func (s *RedisStore) GetMany(ctx context.Context, ids []string, fields ...string) ([]store.Record, error) {
	out := make([]store.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records from redis: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r store.Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", ids[i], err)
		}
		out[i] = store.CloneRecord(r, fields...)
	}
	return out, nil
}

func (s *RedisStore) FilterNew(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HExists(ctx, s.key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check keys in redis: %w", err)
	}

	out := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		if !cmd.Val() {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

func (s *RedisStore) Upsert(ctx context.Context, data map[string]store.Record) error {
	if len(data) == 0 {
		return nil
	}
	values := make(map[string]any, len(data))
	for id, r := range data {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", id, err)
		}
		values[id] = raw
	}
	if err := s.client.HSet(ctx, s.key, values).Err(); err != nil {
		return fmt.Errorf("failed to save records to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.key, ids...).Err()
}

func (s *RedisStore) Drop(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// IndexDone is a no-op: every write is acknowledged by the server.
func (s *RedisStore) IndexDone(ctx context.Context) error {
	return nil
}

func (s *RedisStore) IndexStart(ctx context.Context) error {
	return nil
}

func (s *RedisStore) QueryDone(ctx context.Context) error {
	return nil
}
