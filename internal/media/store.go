package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Store persists upload bodies under opaque file names.
type Store interface {
	Save(name string, body io.Reader) (int64, error)
	Remove(name string) error
	Path(name string) string
}

// LocalStore keeps uploads in a directory served statically by the API.
type LocalStore struct {
	directory string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(directory string) (*LocalStore, error) {
	if directory == "" {
		return nil, fmt.Errorf("media: directory required")
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("media: create directory: %w", err)
	}
	return &LocalStore{directory: directory}, nil
}

func (s *LocalStore) Save(name string, body io.Reader) (int64, error) {
	file, err := os.OpenFile(s.Path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(file, body)
	closeErr := file.Close()
	if copyErr != nil {
		_ = os.Remove(s.Path(name))
		return 0, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(s.Path(name))
		return 0, closeErr
	}
	return written, nil
}

// Remove deletes the file; a missing file is not an error.
func (s *LocalStore) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalStore) Path(name string) string {
	return filepath.Join(s.directory, filepath.Base(name))
}
