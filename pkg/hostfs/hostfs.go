// Package hostfs abstracts the handful of filesystem operations provisioning
// needs, so the same components can act on the local host or over SFTP.
package hostfs

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

// FS is the filesystem of the host being provisioned.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	// WriteFile replaces name with data and sets perm, creating it if needed.
	WriteFile(name string, data []byte, perm fs.FileMode) error
	MkdirAll(dir string, perm fs.FileMode) error
	// ReadDirNames lists the entry names of dir, sorted.
	ReadDirNames(dir string) ([]string, error)
	Remove(name string) error
	RemoveAll(name string) error
}

// Exists reports whether name exists. Errors other than not-exist are returned.
func Exists(fsys FS, name string) (bool, error) {
	_, err := fsys.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// IsDir reports whether name exists and is a directory.
func IsDir(fsys FS, name string) bool {
	info, err := fsys.Stat(name)
	return err == nil && info.IsDir()
}

// CheckWritable checks dir by creating and removing a small file.
func CheckWritable(fsys FS, dir string) error {
	marker := path.Join(dir, ".hostprep-write-check")
	if err := fsys.WriteFile(marker, nil, 0o600); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	if err := fsys.Remove(marker); err != nil {
		return fmt.Errorf("failed to remove write check file in %s: %w", dir, err)
	}
	return nil
}

// Glob returns entries of dir whose name matches pattern (path.Match syntax).
// A missing dir yields no matches.
func Glob(fsys FS, dir, pattern string) ([]string, error) {
	names, err := fsys.ReadDirNames(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var matches []string
	for _, name := range names {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if ok {
			matches = append(matches, path.Join(dir, name))
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// ClearDir removes every entry of dir but keeps dir itself.
// It returns the number of entries removed.
func ClearDir(fsys FS, dir string) (int, error) {
	names, err := fsys.ReadDirNames(dir)
	if err != nil {
		return 0, err
	}
	for i, name := range names {
		if err := fsys.RemoveAll(path.Join(dir, name)); err != nil {
			return i, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return len(names), nil
}
