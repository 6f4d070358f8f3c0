package blob

import (
	"context"
	"sync"

	"github.com/DDChuru/inspectsync/internal/errors"
)

// MemoryStore is an in-memory blob store for tests, with failure injection.
type MemoryStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	baseURL string

	// failPaths makes uploads of listed paths fail with a transient error.
	failPaths map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:     make(map[string][]byte),
		baseURL:   "https://blobs.test",
		failPaths: make(map[string]bool),
	}
}

// FailPath makes future uploads of path fail until cleared.
func (s *MemoryStore) FailPath(path string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPaths[path] = fail
}

// Upload stores the bytes and returns a stable URL for the path.
func (s *MemoryStore) Upload(ctx context.Context, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPaths[path] {
		return "", errors.New(errors.ErrUploadFailed, "injected upload failure")
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	s.blobs[path] = copied

	return s.baseURL + "/" + path, nil
}

// Has reports whether a blob exists under path.
func (s *MemoryStore) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[path]
	return ok
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
