// Package remote defines the document-store contract the sync engine
// reconciles against, plus an in-memory implementation used by tests and
// local operation. The store is a black box to the engine: collections of
// JSON-like documents, field-level patches, and bounded batch commits.
package remote

import (
	"context"

	"github.com/DDChuru/inspectsync/internal/errors"
)

// Document is a JSON-like document.
type Document = map[string]interface{}

// ArrayUnion marks a patch value as an append-merge: elements not already
// present in the stored array are appended. List-valued fields merge by
// append instead of last-write-wins, so concurrent appends from two offline
// devices both survive.
type ArrayUnion []interface{}

// ServerTimestamp is a patch-value sentinel replaced by the store with its
// own clock at commit time.
type ServerTimestamp struct{}

// OpKind is a batch operation kind.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one operation inside a batch commit.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Doc        Document // set
	Patch      Document // update
}

// Store is the remote document store contract.
type Store interface {
	// Get returns the document, or an ErrNotFound-coded error.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Query returns every document in the collection whose fields equal the
	// filter's fields. A nil filter returns the whole collection.
	Query(ctx context.Context, collection string, filter Document) ([]Document, error)

	// Set upserts the full document under id. Re-applying the same set is a
	// no-op, which makes creates with pre-assigned local ids idempotent.
	Set(ctx context.Context, collection, id string, doc Document) error

	// Update merges the patch into the existing document field by field.
	// Scalar fields are last-write-wins, ArrayUnion values append-merge, and
	// nested maps merge field-level last-write-wins. Fails with ErrNotFound
	// when the document does not exist.
	Update(ctx context.Context, collection, id string, patch Document) error

	// Delete removes the document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// BatchCommit applies the operations atomically. Batches over
	// MaxBatchSize are rejected with ErrBatchTooLarge.
	BatchCommit(ctx context.Context, ops []Op) error

	// MaxBatchSize is the documented maximum batch size.
	MaxBatchSize() int

	// SetNetworkEnabled toggles the store's connection state.
	SetNetworkEnabled(enabled bool)
}

// CommitChunked commits ops in chunks no larger than the store's maximum
// batch size (and the caller's limit, when smaller). Chunks already
// committed stay committed when a later chunk fails; the count of committed
// operations is returned alongside the error.
func CommitChunked(ctx context.Context, store Store, ops []Op, limit int) (int, error) {
	chunk := store.MaxBatchSize()
	if limit > 0 && limit < chunk {
		chunk = limit
	}
	if chunk < 1 {
		return 0, errors.New(errors.ErrInvalid, "batch chunk size must be positive")
	}

	committed := 0
	for start := 0; start < len(ops); start += chunk {
		end := start + chunk
		if end > len(ops) {
			end = len(ops)
		}
		if err := store.BatchCommit(ctx, ops[start:end]); err != nil {
			return committed, err
		}
		committed += end - start
	}
	return committed, nil
}
