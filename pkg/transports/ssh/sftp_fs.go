package ssh

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/sftp"
)

// Stat returns file info for name on the remote host.
func (c *Client) Stat(name string) (fs.FileInfo, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	return client.Stat(name)
}

// ReadFile reads the whole remote file.
func (c *Client) ReadFile(name string) ([]byte, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

// WriteFile uploads data to a temporary sibling and renames it over name.
func (c *Client) WriteFile(name string, data []byte, perm fs.FileMode) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	tmpName := path.Join(path.Dir(name), "."+path.Base(name)+".tmp-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	cleanup := func() { _ = client.Remove(tmpName) }

	f, err := client.Create(tmpName)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := client.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := rename(client, tmpName, name); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// rename replaces newname, using the posix-rename extension when the server
// has it. Plain SFTP rename fails if the target exists.
func rename(client *sftp.Client, oldname, newname string) error {
	if err := client.PosixRename(oldname, newname); err == nil {
		return nil
	}
	if err := client.Remove(newname); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return client.Rename(oldname, newname)
}

// MkdirAll creates dir and any missing parents, then applies perm to dir.
func (c *Client) MkdirAll(dir string, perm fs.FileMode) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(dir); err != nil {
		return err
	}
	return client.Chmod(dir, perm)
}

// ReadDirNames lists the entry names of dir, sorted.
func (c *Client) ReadDirNames(dir string) ([]string, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	infos, err := client.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes a file or empty directory.
func (c *Client) Remove(name string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	return client.Remove(name)
}

// RemoveAll deletes name and everything below it. A missing name is not an error.
func (c *Client) RemoveAll(name string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	return removeAll(client, name)
}

func removeAll(client *sftp.Client, name string) error {
	info, err := client.Lstat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if !info.IsDir() {
		return client.Remove(name)
	}

	entries, err := client.ReadDir(name)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := removeAll(client, path.Join(name, entry.Name())); err != nil {
			return err
		}
	}
	return client.RemoveDirectory(name)
}
