package remote

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/DDChuru/inspectsync/internal/errors"
)

// MemoryStore implements Store in memory. It honors the full contract —
// merge semantics, batch limits, connection toggling — and adds failure
// injection so retry paths can be exercised deterministically.
type MemoryStore struct {
	mu           sync.RWMutex
	collections  map[string]map[string]Document
	maxBatchSize int
	online       bool

	// failHook, when set, runs before every operation and may return an
	// error to inject.
	failHook func(kind OpKind, collection, id string) error

	// now is swappable in tests.
	now func() time.Time
}

// NewMemoryStore creates an online MemoryStore with the given batch limit.
func NewMemoryStore(maxBatchSize int) *MemoryStore {
	return &MemoryStore{
		collections:  make(map[string]map[string]Document),
		maxBatchSize: maxBatchSize,
		online:       true,
		now:          time.Now,
	}
}

// SetFailHook installs (or clears, when nil) the failure-injection hook.
func (s *MemoryStore) SetFailHook(hook func(kind OpKind, collection, id string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHook = hook
}

// SetNetworkEnabled toggles the connection state. While disabled every
// operation fails with a transient unavailable error.
func (s *MemoryStore) SetNetworkEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = enabled
}

// MaxBatchSize returns the documented maximum batch size.
func (s *MemoryStore) MaxBatchSize() int {
	return s.maxBatchSize
}

func (s *MemoryStore) check(kind OpKind, collection, id string) error {
	if !s.online {
		return errors.New(errors.ErrRemoteUnavailable, "remote store offline")
	}
	if s.failHook != nil {
		return s.failHook(kind, collection, id)
	}
	return nil
}

// Get returns a deep copy of the document.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(OpKind("get"), collection, id); err != nil {
		return nil, err
	}

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	return copyDocument(doc), nil
}

// Query returns deep copies of every document matching the equality filter.
func (s *MemoryStore) Query(ctx context.Context, collection string, filter Document) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(OpKind("query"), collection, ""); err != nil {
		return nil, err
	}

	var results []Document
	for _, doc := range s.collections[collection] {
		if matchesFilter(doc, filter) {
			results = append(results, copyDocument(doc))
		}
	}
	return results, nil
}

// Set upserts the document.
func (s *MemoryStore) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpSet, collection, id); err != nil {
		return err
	}
	s.setLocked(collection, id, doc)
	return nil
}

// Update merges the patch into an existing document.
func (s *MemoryStore) Update(ctx context.Context, collection, id string, patch Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpUpdate, collection, id); err != nil {
		return err
	}
	return s.updateLocked(collection, id, patch)
}

// Delete removes the document.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpDelete, collection, id); err != nil {
		return err
	}
	delete(s.collections[collection], id)
	return nil
}

// BatchCommit applies every operation under one lock acquisition. All
// operations are validated up front so a rejected batch leaves no partial
// state behind.
func (s *MemoryStore) BatchCommit(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(ops) > s.maxBatchSize {
		return errors.New(errors.ErrBatchTooLarge,
			fmt.Sprintf("batch of %d exceeds maximum %d", len(ops), s.maxBatchSize))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		if err := s.check(op.Kind, op.Collection, op.ID); err != nil {
			return err
		}
		if op.Kind == OpUpdate {
			if _, ok := s.collections[op.Collection][op.ID]; !ok {
				return errors.New(errors.ErrNotFound,
					fmt.Sprintf("%s/%s not found", op.Collection, op.ID))
			}
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			s.setLocked(op.Collection, op.ID, op.Doc)
		case OpUpdate:
			s.updateLocked(op.Collection, op.ID, op.Patch)
		case OpDelete:
			delete(s.collections[op.Collection], op.ID)
		}
	}
	return nil
}

// Count returns the number of documents in a collection, for tests.
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *MemoryStore) setLocked(collection, id string, doc Document) {
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]Document)
	}
	s.collections[collection][id] = s.resolveValues(copyDocument(doc))
}

func (s *MemoryStore) updateLocked(collection, id string, patch Document) error {
	existing, ok := s.collections[collection][id]
	if !ok {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	s.collections[collection][id] = s.mergePatch(existing, patch)
	return nil
}

// mergePatch applies field-level last-write-wins for scalars and nested
// maps, append-merge for ArrayUnion values.
func (s *MemoryStore) mergePatch(existing, patch Document) Document {
	merged := copyDocument(existing)
	for field, value := range patch {
		switch v := value.(type) {
		case ArrayUnion:
			merged[field] = unionAppend(merged[field], v)
		case ServerTimestamp:
			merged[field] = s.now().Unix()
		case map[string]interface{}:
			if current, ok := merged[field].(Document); ok {
				merged[field] = s.mergePatch(current, v)
			} else {
				merged[field] = copyValue(v)
			}
		default:
			merged[field] = copyValue(value)
		}
	}
	return merged
}

func (s *MemoryStore) resolveValues(doc Document) Document {
	for field, value := range doc {
		switch v := value.(type) {
		case ServerTimestamp:
			doc[field] = s.now().Unix()
		case ArrayUnion:
			doc[field] = unionAppend(nil, v)
		case map[string]interface{}:
			doc[field] = s.resolveValues(v)
		}
	}
	return doc
}

// unionAppend appends elements of the union not already present.
func unionAppend(current interface{}, union ArrayUnion) []interface{} {
	var list []interface{}
	if existing, ok := current.([]interface{}); ok {
		list = append(list, existing...)
	}
	for _, candidate := range union {
		present := false
		for _, have := range list {
			if reflect.DeepEqual(have, candidate) {
				present = true
				break
			}
		}
		if !present {
			list = append(list, candidate)
		}
	}
	return list
}

func matchesFilter(doc, filter Document) bool {
	for field, want := range filter {
		if !reflect.DeepEqual(doc[field], want) {
			return false
		}
	}
	return true
}

func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return copyDocument(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = copyValue(elem)
		}
		return out
	default:
		return value
	}
}
