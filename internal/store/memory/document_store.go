package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ebenwert/ingestd/internal/ingest"
)

// DocumentStore is a mutex-guarded in-memory ingest.DocumentStore.
type DocumentStore struct {
	mu   sync.Mutex
	docs map[string]ingest.Document
	now  func() time.Time
}

// NewDocumentStore returns an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: map[string]ingest.Document{}, now: time.Now}
}

func (s *DocumentStore) CreateDocument(_ context.Context, doc ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	s.docs[doc.ID] = doc
	return nil
}

func (s *DocumentStore) GetDocument(_ context.Context, id string) (ingest.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ingest.Document{}, fmt.Errorf("document %s not found", id)
	}
	return doc, nil
}

func (s *DocumentStore) ListDocuments(_ context.Context, collectionID int64) ([]ingest.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ingest.Document
	for _, doc := range s.docs {
		if doc.CollectionID == collectionID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *DocumentStore) FindByContentHash(_ context.Context, collectionID int64, hash string) (ingest.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.docs {
		if doc.CollectionID == collectionID && doc.ContentHash == hash {
			return doc, true, nil
		}
	}
	return ingest.Document{}, false, nil
}
