package kv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/dygrag/pkg/logger"
	"github.com/OFFIS-RIT/dygrag/pkg/store"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files.
	// Required unless InMemory is set.
	Dir string

	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	InMemory bool

	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool
}

// OpenBadger opens a database shared by several namespaces.
func OpenBadger(opts BadgerOptions) (*badger.DB, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("kv: BadgerOptions.Dir is required for on-disk mode")
	}
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}
	dbOpts := badger.DefaultOptions(dir).
		WithLogger(logger.Printf{Prefix: "[Badger]"}).
		WithSyncWrites(opts.SyncWrites).
		WithInMemory(opts.InMemory)
	return badger.Open(dbOpts)
}

// BadgerStore is a KVStore namespace inside a BadgerDB. Keys are the
// uvarint length of the namespace, the namespace, then the id, so no
// namespace's keys share a prefix with another's, whatever characters
// either contains. Values are JSON.
type BadgerStore struct {
	namespace string
	prefix    []byte
	db        *badger.DB
}

// NewBadgerStore binds namespace to db. The caller owns db.
func NewBadgerStore(db *badger.DB, namespace string) *BadgerStore {
	return &BadgerStore{
		namespace: namespace,
		prefix:    append(binary.AppendUvarint(nil, uint64(len(namespace))), namespace...),
		db:        db,
	}
}

func (s *BadgerStore) key(id string) []byte {
	k := make([]byte, 0, len(s.prefix)+len(id))
	k = append(k, s.prefix...)
	return append(k, id...)
}

func (s *BadgerStore) Namespace() string { return s.namespace }

func (s *BadgerStore) AllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = s.prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(s.prefix):]))
		}
		return nil
	})
	return keys, err
}

func (s *BadgerStore) Get(ctx context.Context, id string) (store.Record, error) {
	var r store.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *BadgerStore) GetMany(ctx context.Context, ids []string, fields ...string) ([]store.Record, error) {
	out := make([]store.Record, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for i, id := range ids {
			item, err := txn.Get(s.key(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var r store.Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			out[i] = store.CloneRecord(r, fields...)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) FilterNew(ctx context.Context, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			_, err := txn.Get(s.key(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				out = append(out, id)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Upsert(ctx context.Context, data map[string]store.Record) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for id, r := range data {
		val, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", id, err)
		}
		if err := wb.Set(s.key(id), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) Delete(ctx context.Context, ids []string) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(s.key(id)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) Drop(ctx context.Context) error {
	return s.db.DropPrefix(s.prefix)
}

// IndexDone syncs the value log so committed writes survive a crash.
func (s *BadgerStore) IndexDone(ctx context.Context) error {
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *BadgerStore) IndexStart(ctx context.Context) error {
	return nil
}

func (s *BadgerStore) QueryDone(ctx context.Context) error {
	return nil
}
