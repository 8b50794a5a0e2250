//go:build windows

package audit

import (
	"syscall"
)

// hideFile marks path hidden using the Windows FILE_ATTRIBUTE_HIDDEN flag,
// per spec.md §4.1 step 2 ("mark file hidden where supported"). Failures
// are ignored — hiding is best-effort cosmetic protection, not a security
// boundary.
func hideFile(path string) {
	pointer, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return
	}
	attrs, err := syscall.GetFileAttributes(pointer)
	if err != nil {
		return
	}
	_ = syscall.SetFileAttributes(pointer, attrs|syscall.FILE_ATTRIBUTE_HIDDEN)
}
