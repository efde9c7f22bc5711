package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/errdefs"
)

// BlobStore keeps file-backed entity fields. Keys are slash separated
// relative paths such as "project-p1/maps/c022.npy".
type BlobStore interface {
	Put(ctx context.Context, key string, content io.Reader, contentType string) error
	// Get returns an errdefs not-found error when the key does not exist
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete ignores missing keys
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// NewBlobStore builds the configured media backend
func NewBlobStore(ctx context.Context, cfg config.MediaConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3BlobStore(ctx, cfg)
	default:
		return NewFileSystemBlobStore(cfg.Root)
	}
}

// FileSystemBlobStore keeps blobs under a media root directory
type FileSystemBlobStore struct {
	rootDir string
}

// NewFileSystemBlobStore creates the media root if needed
func NewFileSystemBlobStore(rootDir string) (*FileSystemBlobStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return &FileSystemBlobStore{rootDir: rootDir}, nil
}

// Root returns the media root directory
func (s *FileSystemBlobStore) Root() string {
	return s.rootDir
}

func (s *FileSystemBlobStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", errdefs.FieldInvalid("key", "invalid blob key %q", key)
	}
	return filepath.Join(s.rootDir, filepath.FromSlash(clean)), nil
}

// Put writes content atomically through a temporary file
func (s *FileSystemBlobStore) Put(ctx context.Context, key string, content io.Reader, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

// Get opens a blob for reading
func (s *FileSystemBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errdefs.NotFound("file %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete removes a blob
func (s *FileSystemBlobStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Exists checks if a blob is present
func (s *FileSystemBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}
