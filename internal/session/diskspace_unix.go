//go:build unix

package session

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CheckDiskSpace verifies dir has room for need bytes plus slack for
// filesystem overhead.
func CheckDiskSpace(dir string, need int64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}
	avail := int64(st.Bavail) * int64(st.Bsize)
	if avail < need+need/20 {
		return fmt.Errorf("insufficient disk space: need %d bytes, %d available", need, avail)
	}
	return nil
}
