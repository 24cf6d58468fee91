package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openapex/wabridge/pkg/storage/repository"
)

// FileStorage implements the storage.Storage interface using a single file
// holding the credential blob.
type FileStorage struct {
	path  string
	creds repository.CredentialRepository
}

// NewFileStorage creates a new file-based storage instance.
func NewFileStorage(filePath string) (*FileStorage, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path is required for file-based storage")
	}

	return &FileStorage{
		path:  filePath,
		creds: NewCredentialRepository(filePath),
	}, nil
}

// Connect ensures the parent directory exists.
func (fs *FileStorage) Connect(ctx context.Context) error {
	return os.MkdirAll(filepath.Dir(fs.path), 0700)
}

// Close closes the file-based storage (no-op for files).
func (fs *FileStorage) Close() error {
	return nil
}

// Credentials returns the credential repository.
func (fs *FileStorage) Credentials() repository.CredentialRepository {
	return fs.creds
}

// Ping checks that the storage directory is reachable.
func (fs *FileStorage) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(fs.path))
	return err
}
