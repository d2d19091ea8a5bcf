package filestore

import (
	"io"
)

// AttachmentStore stores and retrieves attachment blobs by content hash.
type AttachmentStore interface {
	// Save stores the blob under the given hash.
	// It is idempotent: if a blob with the same hash already exists, it
	// returns nil without rewriting it.
	Save(r io.Reader, hash string) error

	// Get retrieves the blob for the given hash.
	Get(hash string) (io.ReadCloser, error)
}
