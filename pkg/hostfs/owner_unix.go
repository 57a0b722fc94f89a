//go:build unix

package hostfs

import (
	"io/fs"
	"os"
	"syscall"
)

// copyOwner gives name the uid and gid of prev when they differ.
func copyOwner(name string, prev fs.FileInfo) error {
	want, ok := prev.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	cur, err := os.Stat(name)
	if err != nil {
		return err
	}
	if got, ok := cur.Sys().(*syscall.Stat_t); ok && got.Uid == want.Uid && got.Gid == want.Gid {
		return nil
	}
	return os.Chown(name, int(want.Uid), int(want.Gid))
}
