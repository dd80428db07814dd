//go:build !linux

package storage

import "os"

// fdatasync falls back to a full sync on platforms without a
// fdatasync(2) equivalent wired.
func fdatasync(f *os.File) error {
	return f.Sync()
}
