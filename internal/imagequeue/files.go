package imagequeue

import (
	"os"
	"strings"
	"sync"

	"github.com/DDChuru/inspectsync/internal/errors"
)

// FileSource reads and releases image bytes behind a local URI. The queue
// owns each URI exclusively until its upload succeeds.
type FileSource interface {
	Read(uri string) ([]byte, error)
	Remove(uri string) error
}

// OSFileSource resolves local URIs against the filesystem.
type OSFileSource struct{}

func stripScheme(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func (OSFileSource) Read(uri string) ([]byte, error) {
	data, err := os.ReadFile(stripScheme(uri))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrLocalURIGone, "local image missing", err)
		}
		return nil, errors.Wrap(errors.ErrStorage, "read local image", err)
	}
	return data, nil
}

func (OSFileSource) Remove(uri string) error {
	err := os.Remove(stripScheme(uri))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrStorage, "remove local image", err)
	}
	return nil
}

// MemoryFileSource is an in-memory FileSource for tests.
type MemoryFileSource struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemoryFileSource creates an empty MemoryFileSource.
func NewMemoryFileSource() *MemoryFileSource {
	return &MemoryFileSource{files: make(map[string][]byte)}
}

// Put stores bytes under a URI.
func (s *MemoryFileSource) Put(uri string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[uri] = append([]byte(nil), data...)
}

func (s *MemoryFileSource) Read(uri string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[uri]
	if !ok {
		return nil, errors.New(errors.ErrLocalURIGone, "local image missing")
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryFileSource) Remove(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, uri)
	return nil
}

// Has reports whether a URI still holds bytes.
func (s *MemoryFileSource) Has(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[uri]
	return ok
}
