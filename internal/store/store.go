// Package store persists embeddings in SQLite so unchanged documents
// survive daemon restarts without re-embedding.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// EmbeddingStore is a durable fingerprint-keyed embedding cache.
// Lookups and writes are best effort from the pipeline's point of view;
// a store failure degrades to re-embedding, never to data loss.
type EmbeddingStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS embeddings (
	fingerprint TEXT PRIMARY KEY,
	model       TEXT NOT NULL,
	vector      TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);
`

// Open opens (or creates) the embedding store at path.
func Open(path string) (*EmbeddingStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open embedding store: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent ingestion workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init embedding store schema: %w", err)
	}
	return &EmbeddingStore{db: db}, nil
}

// Get returns the cached vector for a fingerprint and model, or false.
func (s *EmbeddingStore) Get(ctx context.Context, fingerprint, model string) ([]float32, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE fingerprint = ? AND model = ?`,
		fingerprint, model).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("embedding store get: %w", err)
	}

	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, false, fmt.Errorf("embedding store decode: %w", err)
	}
	return vec, true, nil
}

// Put stores a vector keyed by fingerprint and model.
func (s *EmbeddingStore) Put(ctx context.Context, fingerprint, model string, vec []float32) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("embedding store encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO embeddings (fingerprint, model, vector, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET model = excluded.model, vector = excluded.vector, created_at = excluded.created_at`,
		fingerprint, model, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("embedding store put: %w", err)
	}
	return nil
}

// Delete removes a cached embedding.
func (s *EmbeddingStore) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("embedding store delete: %w", err)
	}
	return nil
}

// Count returns the number of cached embeddings.
func (s *EmbeddingStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("embedding store count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *EmbeddingStore) Close() error {
	return s.db.Close()
}
