//go:build !unix

package session

// CheckDiskSpace is a no-op where statfs is unavailable; the write path
// surfaces storage faults soon enough.
func CheckDiskSpace(dir string, need int64) error {
	return nil
}
