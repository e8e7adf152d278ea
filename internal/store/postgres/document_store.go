package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebenwert/ingestd/internal/ingest"
)

const documentSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id            TEXT PRIMARY KEY,
    collection_id BIGINT NOT NULL,
    title         TEXT NOT NULL,
    body          TEXT NOT NULL,
    metadata      JSONB NOT NULL DEFAULT '{}',
    content_hash  TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_collection_hash
    ON documents (collection_id, content_hash);
`

// DocumentStore persists documents in PostgreSQL with JSONB metadata.
type DocumentStore struct {
	pool pgxPool
	now  func() time.Time
}

// NewDocumentStore connects a pool and returns a store.
func NewDocumentStore(ctx context.Context, cfg Config) (*DocumentStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping document store: %w", err)
	}
	return NewDocumentStoreWithPool(pool), nil
}

// NewDocumentStoreWithPool wraps an existing pool. Used by tests with pgxmock.
func NewDocumentStoreWithPool(pool pgxPool) *DocumentStore {
	return &DocumentStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the documents table if missing.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, documentSchema); err != nil {
		return fmt.Errorf("ensure document schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *DocumentStore) Close() {
	s.pool.Close()
}

func (s *DocumentStore) CreateDocument(ctx context.Context, doc ingest.Document) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal document metadata: %w", err)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, collection_id, title, body, metadata, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.CollectionID, doc.Title, doc.Body, meta, doc.ContentHash, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *DocumentStore) GetDocument(ctx context.Context, id string) (ingest.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, collection_id, title, body, metadata, content_hash, created_at
		FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Document{}, fmt.Errorf("document %s not found", id)
	}
	if err != nil {
		return ingest.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context, collectionID int64) ([]ingest.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, collection_id, title, body, metadata, content_hash, created_at
		FROM documents WHERE collection_id = $1
		ORDER BY created_at, id`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []ingest.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func (s *DocumentStore) FindByContentHash(ctx context.Context, collectionID int64, hash string) (ingest.Document, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, collection_id, title, body, metadata, content_hash, created_at
		FROM documents WHERE collection_id = $1 AND content_hash = $2
		ORDER BY created_at LIMIT 1`, collectionID, hash)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Document{}, false, nil
	}
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("find document by hash: %w", err)
	}
	return doc, true, nil
}

func scanDocument(row pgx.Row) (ingest.Document, error) {
	var doc ingest.Document
	var meta []byte
	if err := row.Scan(&doc.ID, &doc.CollectionID, &doc.Title, &doc.Body, &meta, &doc.ContentHash, &doc.CreatedAt); err != nil {
		return ingest.Document{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
			return ingest.Document{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return doc, nil
}
