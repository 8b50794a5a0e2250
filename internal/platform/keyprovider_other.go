//go:build !windows

package platform

import (
	"github.com/eliteguard/appmon/internal/domain"
)

// FileScopedKeyProvider is the non-Windows fallback key provider: it
// stores key material as-is, relying on the key file's 0600 permission
// bit (set by the audit package's atomic-write path) for protection. It
// never claims OS-level wrapping on this target. Real per-user wrapping
// on Windows is provided by DPAPIKeyProvider in keyprovider_windows.go.
type FileScopedKeyProvider struct{}

// NewFileScopedKeyProvider returns the production non-Windows key
// provider.
func NewFileScopedKeyProvider() *FileScopedKeyProvider { return &FileScopedKeyProvider{} }

// Protect is the identity transform; permission bits are the protection
// boundary on this platform.
func (FileScopedKeyProvider) Protect(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

// Unprotect is the identity transform's inverse.
func (FileScopedKeyProvider) Unprotect(blob []byte) ([]byte, error) {
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

var _ domain.KeyProvider = FileScopedKeyProvider{}
