//go:build windows

package linker

import "golang.org/x/sys/windows"

// replaceFile moves src over dst, replacing an existing destination.
// os.Rename fails on Windows when dst exists, so MoveFileEx with
// MOVEFILE_REPLACE_EXISTING is used instead.
func replaceFile(src, dst string) error {
	srcPtr, err := windows.UTF16PtrFromString(src)
	if err != nil {
		return err
	}
	dstPtr, err := windows.UTF16PtrFromString(dst)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(srcPtr, dstPtr, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}
