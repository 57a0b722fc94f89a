package hostfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Local is the filesystem of the machine hostprep runs on.
type Local struct{}

// NewLocal returns the local filesystem.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func (l *Local) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFile writes to a temporary sibling and renames it over name, so readers
// never observe a partially written file. An existing file keeps its owner
// and group.
func (l *Local) WriteFile(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)
	prev, err := os.Stat(name)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if prev != nil {
		if err := copyOwner(tmpName, prev); err != nil {
			cleanup()
			return fmt.Errorf("preserve owner of %s: %w", name, err)
		}
	}
	if err := os.Rename(tmpName, name); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (l *Local) MkdirAll(dir string, perm fs.FileMode) error {
	return os.MkdirAll(dir, perm)
}

func (l *Local) ReadDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (l *Local) Remove(name string) error {
	return os.Remove(name)
}

func (l *Local) RemoveAll(name string) error {
	return os.RemoveAll(name)
}
