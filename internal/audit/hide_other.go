//go:build !windows

package audit

// hideFile is a no-op on platforms without a hidden-file attribute; the
// leading-dot convention is left to the caller's chosen filename, matching
// spec.md §4.1's "where supported" qualifier.
func hideFile(path string) {}
