// Package blob provides the binary evidence store the image upload queue
// writes to. Uploads are addressed by the caller-supplied path, not by
// content hash.
package blob

import "context"

// Store is the blob store contract.
type Store interface {
	// Upload writes data under path and returns the public URL.
	Upload(ctx context.Context, path string, data []byte) (string, error)
}
