// Package artifacts persists finished export files to the local filesystem,
// S3 or Google Cloud Storage.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for a missing artifact.
var ErrNotFound = errors.New("artifacts: not found")

// ErrInvalidName is returned for names that would escape the store root.
var ErrInvalidName = errors.New("artifacts: invalid name")

// Ref describes a stored artifact.
type Ref struct {
	Name     string `json:"name"`
	Location string `json:"location"` // file path or object URL
	Digest   string `json:"digest"`   // "sha256:<hex>"
	Size     int    `json:"size"`
}

// Store persists export files under slash separated names such as
// "2024/guru-2024-03.xlsx".
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (Ref, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

// Digest returns the "sha256:<hex>" digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// cleanName validates name and returns its canonical form.
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: export directory is shared with the operator
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(name string) (string, string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

// Put writes data atomically, replacing an existing file of the same name.
func (s *FileStore) Put(_ context.Context, name string, data []byte, _ string) (Ref, error) {
	clean, p, err := s.path(name)
	if err != nil {
		return Ref{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	//nolint:gosec // G301: see NewFileStore
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return Ref{}, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	tmp := p + ".tmp"
	//nolint:gosec // G306: export files are meant to be read by the operator
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Ref{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return Ref{}, fmt.Errorf("failed to commit artifact: %w", err)
	}
	return Ref{Name: clean, Location: p, Digest: Digest(data), Size: len(data)}, nil
}

func (s *FileStore) Get(_ context.Context, name string) ([]byte, error) {
	_, p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(p) //nolint:gosec // name validated by cleanName
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, name string) (bool, error) {
	_, p, err := s.path(name)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact: %w", err)
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	_, p, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
