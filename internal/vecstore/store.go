// Package vecstore persists embedding vectors in PostgreSQL + pgvector.
//
// Records live in a single table partitioned logically by namespace. Every
// query and mutation is namespace-scoped, so independent corpora (a
// knowledge base, per-user documents) share one schema without seeing
// each other.
package vecstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/hoangsonww/lumina-core/internal/log"
)

// querier is the common interface satisfied by *pgxpool.Pool, pgx.Tx, and
// pgxmock pools.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const upsertRecordSQL = `INSERT INTO vector_records (namespace, id, embedding, metadata)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (namespace, id)
	DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata, updated_at = now()`

// queryRecordsSQL ranks by cosine distance; score is cosine similarity.
const queryRecordsSQL = `SELECT id, 1 - (embedding <=> $2) AS score, metadata
	FROM vector_records
	WHERE namespace = $1
	ORDER BY embedding <=> $2
	LIMIT $3`

const deleteByMetadataSQL = `DELETE FROM vector_records
	WHERE namespace = $1 AND metadata @> $2`

const countRecordsSQL = `SELECT count(*) FROM vector_records WHERE namespace = $1`

// Record is one vector plus its payload, keyed by ID within a namespace.
type Record struct {
	ID        string
	Embedding []float32
	Metadata  map[string]any
}

// Match is one similarity-search hit. Score is cosine similarity in
// [-1, 1]; for normalized embeddings it lands in [0, 1].
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Store reads and writes vector records. It is safe for concurrent use.
type Store struct {
	db     querier
	logger log.Logger
}

// New creates a Store on top of an existing connection pool.
func New(db querier, logger log.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// Upsert writes records into the namespace, overwriting any record with
// the same ID. Records are written one statement at a time; callers batch
// at a higher level.
func (s *Store) Upsert(ctx context.Context, namespace string, records []Record) error {
	for _, rec := range records {
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata for %q: %w", rec.ID, err)
		}

		vec := pgvector.NewVector(rec.Embedding)
		if _, err := s.db.Exec(ctx, upsertRecordSQL, namespace, rec.ID, vec, metadata); err != nil {
			return fmt.Errorf("upserting record %q: %w", rec.ID, err)
		}
	}

	s.logger.Debug("upserted records", "namespace", namespace, "count", len(records))
	return nil
}

// Query returns the topK nearest records to the given vector, best first.
func (s *Store) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	rows, err := s.db.Query(ctx, queryRecordsSQL, namespace, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("querying namespace %q: %w", namespace, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m        Match
			metadata []byte
		)
		if err := rows.Scan(&m.ID, &m.Score, &metadata); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				s.logger.Warn("unparseable record metadata", "id", m.ID, "error", err)
				m.Metadata = map[string]any{}
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading matches: %w", err)
	}
	return matches, nil
}

// DeleteWhere removes every record in the namespace whose metadata
// contains the given key/value pairs. Deleting records that do not exist
// is not an error; the returned count is zero.
func (s *Store) DeleteWhere(ctx context.Context, namespace string, filter map[string]any) (int64, error) {
	if len(filter) == 0 {
		return 0, fmt.Errorf("filter must not be empty")
	}

	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return 0, fmt.Errorf("marshaling filter: %w", err)
	}

	tag, err := s.db.Exec(ctx, deleteByMetadataSQL, namespace, filterJSON)
	if err != nil {
		return 0, fmt.Errorf("deleting from namespace %q: %w", namespace, err)
	}

	deleted := tag.RowsAffected()
	s.logger.Debug("deleted records", "namespace", namespace, "count", deleted)
	return deleted, nil
}

// DeleteBySource removes every chunk ingested from the given source.
func (s *Store) DeleteBySource(ctx context.Context, namespace, sourceID string) (int64, error) {
	return s.DeleteWhere(ctx, namespace, map[string]any{"source_id": sourceID})
}

// Count returns the number of records in the namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, countRecordsSQL, namespace).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting namespace %q: %w", namespace, err)
	}
	return count, nil
}
