// Package memory is an in-memory blob store for tests and local runs.
package memory

import (
	"context"
	"sync"
)

// Store keeps objects in a map keyed by path.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{objects: map[string][]byte{}, types: map[string]string{}}
}

// PutObject stores a copy of data and returns a mem:// URI.
func (s *Store) PutObject(_ context.Context, path, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[path] = buf
	s.types[path] = contentType
	return "mem://" + path, nil
}

// GetObject returns the stored bytes; ok is false when the path is unknown.
func (s *Store) GetObject(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

// Len reports the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
