// Package local stores blobs on the filesystem under a base directory.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes objects below Base, mirroring the object path as directories.
type Store struct {
	base string
}

// New validates the base directory and returns a store.
func New(base string) (*Store, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve blob base: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob base: %w", err)
	}
	return &Store{base: abs}, nil
}

// PutObject writes data to base/path and returns a file:// URI. Paths that
// climb out of the base directory are rejected.
func (s *Store) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	full := filepath.Join(s.base, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	return "file://" + full, nil
}
