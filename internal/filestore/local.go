package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalAttachmentStore implements AttachmentStore on the local filesystem,
// sharding blobs by the first two characters of their hash.
type LocalAttachmentStore struct {
	root string
}

func NewLocalAttachmentStore(root string) (*LocalAttachmentStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}
	return &LocalAttachmentStore{root: root}, nil
}

func (s *LocalAttachmentStore) getPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *LocalAttachmentStore) Save(r io.Reader, hash string) error {
	path := s.getPath(hash)

	// Idempotency check
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to a temporary file first, then rename into place so readers
	// never observe a partially written blob.
	tmp, err := os.CreateTemp(dir, "attachment-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

func (s *LocalAttachmentStore) Get(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.getPath(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %s: %w", hash, err)
	}
	return f, nil
}
