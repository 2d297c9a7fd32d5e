//go:build !windows

package linker

import "os"

// replaceFile moves src over dst. Rename within one directory is atomic
// on POSIX filesystems.
func replaceFile(src, dst string) error {
	return os.Rename(src, dst)
}
