// Package kvstore provides the durable local key/value store the sync
// engine uses to survive process restarts. Values are opaque strings; the
// callers own serialization.
package kvstore

// Store is the durable local store contract.
type Store interface {
	// GetItem returns the value for key. ok is false when the key is absent.
	GetItem(key string) (value string, ok bool, err error)

	// SetItem writes the value for key, replacing any previous value.
	SetItem(key, value string) error

	// RemoveItem deletes the key. Removing an absent key is not an error.
	RemoveItem(key string) error

	// GetAllKeys returns every stored key.
	GetAllKeys() ([]string, error)

	// MultiRemove deletes every listed key.
	MultiRemove(keys []string) error

	// Close releases the store.
	Close() error
}
