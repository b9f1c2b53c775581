package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// PgxConn is satisfied by *pgxpool.Pool. Connections must have the pgvector
// types registered.
type PgxConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// PostgresIndex stores a namespace in the vector_entries table and ranks with
// the pgvector cosine distance operator. The seq column keeps the first
// insertion order for ties.
type PostgresIndex struct {
	conn PgxConn
	opts Options
	dim  int
}

func NewPostgresIndex(conn PgxConn, opts Options) (*PostgresIndex, error) {
	if conn == nil {
		return nil, errors.New("vector: connection is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("vector: embedder is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	dim := opts.Embedder.EmbeddingDim()
	if dim <= 0 {
		return nil, fmt.Errorf("vector: invalid embedding dimension %d", dim)
	}
	return &PostgresIndex{conn: conn, opts: opts, dim: dim}, nil
}

func (p *PostgresIndex) Namespace() string { return p.opts.Namespace }

func (p *PostgresIndex) Dim() int { return p.dim }

func (p *PostgresIndex) Upsert(ctx context.Context, data map[string]store.VectorData) error {
	if len(data) == 0 {
		return nil
	}

	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	vectors, err := resolveVectors(ctx, p.opts.Embedder, ids, data, p.opts.BatchSize, p.opts.Parallel)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if len(vectors[i]) != p.dim {
			return fmt.Errorf("%w: %s has %d, index has %d", store.ErrDimensionMismatch, id, len(vectors[i]), p.dim)
		}
	}

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i, id := range ids {
		meta, err := json.Marshal(filterMeta(data[id].Metadata, p.opts.MetaFields))
		if err != nil {
			return fmt.Errorf("failed to encode metadata of %s: %w", id, err)
		}
		_, err = tx.Exec(ctx, upsertVectorSQL,
			p.opts.Namespace,
			id,
			util.SanitizePostgresText(data[id].Content),
			pgvector.NewVector(vectors[i]),
			meta,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert vector %s: %w", id, err)
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresIndex) Query(ctx context.Context, query string, topK int) ([]store.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	emb, err := p.opts.Embedder.GenerateEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(emb) != 1 || len(emb[0]) != p.dim {
		return nil, fmt.Errorf("%w: query embedding", store.ErrDimensionMismatch)
	}

	rows, err := p.conn.Query(ctx, queryVectorSQL, p.opts.Namespace, pgvector.NewVector(emb[0]), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []store.VectorMatch
	for rows.Next() {
		var (
			id   string
			sim  float64
			meta []byte
		)
		if err := rows.Scan(&id, &sim, &meta); err != nil {
			return nil, err
		}
		m := store.VectorMatch{ID: id, Similarity: sim, Metadata: map[string]any{}}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", id, err)
			}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (p *PostgresIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.conn.Exec(ctx, deleteVectorSQL, p.opts.Namespace, ids)
	return err
}

func (p *PostgresIndex) Len(ctx context.Context) (int, error) {
	var n int64
	if err := p.conn.QueryRow(ctx, countVectorSQL, p.opts.Namespace).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// IndexDone is a no-op: every Upsert commits its own transaction.
func (p *PostgresIndex) IndexDone(ctx context.Context) error { return nil }

func (p *PostgresIndex) IndexStart(ctx context.Context) error { return nil }

func (p *PostgresIndex) QueryDone(ctx context.Context) error { return nil }

const upsertVectorSQL = `
INSERT INTO vector_entries (namespace, id, content, embedding, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (namespace, id) DO UPDATE
SET content    = EXCLUDED.content,
    embedding  = EXCLUDED.embedding,
    metadata   = EXCLUDED.metadata,
    updated_at = now();
`

const queryVectorSQL = `
SELECT id, 1 - (embedding <=> $2) AS similarity, metadata
FROM vector_entries
WHERE namespace = $1
ORDER BY embedding <=> $2, seq
LIMIT $3;
`

const deleteVectorSQL = `
DELETE FROM vector_entries
WHERE namespace = $1 AND id = ANY($2);
`

const countVectorSQL = `
SELECT count(*) FROM vector_entries WHERE namespace = $1;
`
