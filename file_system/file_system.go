// Package filesystem provides a thread-safe view of a directory tree rooted
// at a fixed path. The cache uses two of these per machine: one for the
// content-addressed store itself and one for scratch files that inbound
// pushes stream into before validation.
package filesystem

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const filePerm = 0755

// FileSystem serializes file operations relative to a root path and refuses
// paths that escape it.
type FileSystem struct {
	mu   sync.Mutex
	root string
}

// NewFileSystem creates a FileSystem rooted at root. The directory itself is
// created lazily via MkDir.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root}
}

// Root returns the base path of this tree.
func (fsys *FileSystem) Root() string {
	return fsys.root
}

func (fsys *FileSystem) restrictToRoot(path string) (string, error) {
	path = filepath.Join(fsys.root, filepath.Clean(path))
	if !strings.HasPrefix(path, fsys.root) {
		return "", fmt.Errorf("path %s escapes filesystem root %s", path, fsys.root)
	}
	return path, nil
}

// MkDir creates a directory (and any missing parents) at the given relative
// path. Creating an existing directory is not an error.
func (fsys *FileSystem) MkDir(path string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	path, err := fsys.restrictToRoot(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(path, filePerm)
}

// GetStat returns file information for the given relative path.
func (fsys *FileSystem) GetStat(path string) (fs.FileInfo, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	path, err := fsys.restrictToRoot(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(path)
}

// GetFile opens the file at the given relative path with the provided flag
// and mode.
func (fsys *FileSystem) GetFile(path string, flag int, mode os.FileMode) (*os.File, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	path, err := fsys.restrictToRoot(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, flag, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	return file, nil
}

// TempFile creates a uniquely named writable file directly under the root,
// used as the disposable receive target for inbound pushes.
func (fsys *FileSystem) TempFile(pattern string) (*os.File, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return os.CreateTemp(fsys.root, pattern)
}

// Rename moves oldPath to newPath, both relative to the root. The target is
// replaced if it exists, which is the behavior content finalization relies
// on: two pushes of the same hash converge on identical bytes.
func (fsys *FileSystem) Rename(oldPath, newPath string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	oldPath, err := fsys.restrictToRoot(oldPath)
	if err != nil {
		return err
	}
	newPath, err = fsys.restrictToRoot(newPath)
	if err != nil {
		return err
	}
	return os.Rename(oldPath, newPath)
}

// RemoveFile removes the regular file at the given relative path.
func (fsys *FileSystem) RemoveFile(path string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	path, err := fsys.restrictToRoot(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("path %s is not a regular file", path)
	}
	return os.Remove(path)
}

// ListFiles returns the names and sizes of regular files directly under the
// root, skipping subdirectories. The local store uses it to rebuild its
// index on startup.
func (fsys *FileSystem) ListFiles() (map[string]int64, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	entries, err := os.ReadDir(fsys.root)
	if err != nil {
		return nil, err
	}
	files := make(map[string]int64, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		files[entry.Name()] = info.Size()
	}
	return files, nil
}
