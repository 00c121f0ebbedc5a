// Package storage owns the upload directory: how stored files are named,
// created and removed, and what the directory currently holds.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for names that would escape the upload root.
var ErrInvalidName = errors.New("storage: invalid stored file name")

// Store is the upload root directory.
type Store struct {
	root string
}

// NewStore creates the upload root if needed.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("upload root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving upload root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute upload root.
func (s *Store) Root() string {
	return s.root
}

// Path returns the absolute path of a stored file.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return filepath.Join(s.root, name), nil
}

// Create opens a new file for writing. It fails if the file already exists.
func (s *Store) Create(name string) (*os.File, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

// Remove deletes a stored file. A missing file is not an error.
func (s *Store) Remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
