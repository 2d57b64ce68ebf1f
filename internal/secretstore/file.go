package secretstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps each secret in its own 0600 file under a private
// directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) FileStore {
	return FileStore{dir: dir}
}

// DefaultDir is $JACS_STORAGE_SECRETS_DIR, else ~/.jacs-storage/secrets.
func DefaultDir() string {
	if dir := os.Getenv("JACS_STORAGE_SECRETS_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "jacs-storage-secrets")
	}
	return filepath.Join(home, ".jacs-storage", "secrets")
}

func (f FileStore) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f FileStore) Put(name string, data []byte) error {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	return os.WriteFile(f.path(name), data, 0600)
}

func (f FileStore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f FileStore) Delete(name string) error {
	err := os.Remove(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
