// Package attachment implements the binary blob store backing event
// attachments (spec.md §4.5): the dispatcher only ever sees
// {id, fileName, type, size}; C11 is responsible for the bytes themselves.
// Store is a narrow boundary, the same shape as internal/store's
// collaborator interfaces, so a deployment can later swap the filesystem
// implementation for an object-storage backed one without touching the
// dispatcher or HTTP layer.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store persists and serves attachment content, keyed by (userID, id).
type Store interface {
	Put(ctx context.Context, userID, id string, r io.Reader) (size int64, err error)
	Open(ctx context.Context, userID, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, userID, id string) error
}

// FileStore is a Store backed by a local directory, one file per
// (userID, id) pair. Grounded on stdlib os/io only: none of the retrieved
// example repos wire a concrete object-storage SDK this module could
// reuse for a generic blob, so the boundary stays interface-based (as
// internal/store already does) while the default implementation is the
// simplest one that satisfies it — see DESIGN.md.
type FileStore struct {
	root string
}

// NewFileStore builds a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("attachment: create root dir: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) path(userID, id string) string {
	return filepath.Join(s.root, filepath.Base(userID), filepath.Base(id))
}

func (s *FileStore) Put(_ context.Context, userID, id string, r io.Reader) (int64, error) {
	p := s.path(userID, id)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return 0, fmt.Errorf("attachment: create user dir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return 0, fmt.Errorf("attachment: create file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return 0, fmt.Errorf("attachment: write file: %w", err)
	}
	return n, nil
}

func (s *FileStore) Open(_ context.Context, userID, id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(userID, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("attachment: open file: %w", err)
	}
	return f, nil
}

func (s *FileStore) Delete(_ context.Context, userID, id string) error {
	err := os.Remove(s.path(userID, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
