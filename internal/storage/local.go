package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend stores objects under a directory on the local filesystem.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) (*LocalBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("local archive path is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

// path maps a slash-separated key under root. Keys that would escape root
// are rejected.
func (l *LocalBackend) path(p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid archive key %q", p)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalBackend) Read(path string) (io.ReadCloser, error) {
	full, err := l.path(path)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

func (l *LocalBackend) Write(path string, data []byte) error {
	full, err := l.path(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return err
	}
	// Readers never observe a partially written object.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

func (l *LocalBackend) Has(path string) (bool, error) {
	full, err := l.path(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Delete succeeds when the object is already gone.
func (l *LocalBackend) Delete(path string) error {
	full, err := l.path(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *LocalBackend) List(prefix string) ([]string, error) {
	dir, err := l.path(prefix)
	if err != nil {
		return nil, err
	}
	var paths []string
	err = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return paths, err
}

var _ Backend = (*LocalBackend)(nil)
