//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes file data (and only the metadata needed to read it
// back) without the full metadata sync os.File.Sync performs, grounded
// on a mmap-backed storage engine in the example corpus that reaches
// for the same syscall on its durability path rather than the broader
// fsync.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
