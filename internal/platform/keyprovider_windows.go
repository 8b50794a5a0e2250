//go:build windows

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/eliteguard/appmon/internal/domain"
)

// dataBlob mirrors the Win32 CRYPTOAPI_BLOB / DATA_BLOB structure used by
// CryptProtectData/CryptUnprotectData.
type dataBlob struct {
	size uint32
	data *byte
}

func newBlob(b []byte) *dataBlob {
	if len(b) == 0 {
		return &dataBlob{}
	}
	return &dataBlob{size: uint32(len(b)), data: &b[0]}
}

func (b *dataBlob) bytes() []byte {
	if b.data == nil || b.size == 0 {
		return nil
	}
	out := make([]byte, b.size)
	copy(out, unsafe.Slice(b.data, b.size))
	return out
}

var (
	modcrypt32            = windows.NewLazySystemDLL("crypt32.dll")
	procCryptProtectData  = modcrypt32.NewProc("CryptProtectData")
	procCryptUnprotectData = modcrypt32.NewProc("CryptUnprotectData")
	procLocalFree         = windows.NewLazySystemDLL("kernel32.dll").NewProc("LocalFree")
)

// DPAPIKeyProvider implements domain.KeyProvider using the Windows Data
// Protection API, scoped to the current user — the "OS-bound user-scoped
// data-protection primitive" spec.md §1/§6 names. Grounded on
// KanakSasak-procSniper's go.mod (golang.org/x/sys) as the only pack
// member binding raw Windows security syscalls; CryptProtectData/
// CryptUnprotectData are not exposed by x/sys/windows as Go functions, so
// this binds crypt32.dll directly via LazyDLL, the same mechanism
// x/sys/windows itself uses internally for unexported Win32 APIs.
type DPAPIKeyProvider struct{}

// NewDPAPIKeyProvider returns the production Windows key provider.
func NewDPAPIKeyProvider() *DPAPIKeyProvider { return &DPAPIKeyProvider{} }

// Protect wraps plaintext under the current user's DPAPI master key.
func (DPAPIKeyProvider) Protect(plaintext []byte) ([]byte, error) {
	in := newBlob(plaintext)
	var out dataBlob

	ret, _, _ := procCryptProtectData.Call(
		uintptr(unsafe.Pointer(in)),
		0, 0, 0, 0, 0,
		uintptr(unsafe.Pointer(&out)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("platform: CryptProtectData failed")
	}
	defer procLocalFree.Call(uintptr(unsafe.Pointer(out.data)))
	return out.bytes(), nil
}

// Unprotect reverses Protect. A zero return from CryptUnprotectData
// under a different user profile is the OS's own access-denial signal.
func (DPAPIKeyProvider) Unprotect(blob []byte) ([]byte, error) {
	in := newBlob(blob)
	var out dataBlob

	ret, _, _ := procCryptUnprotectData.Call(
		uintptr(unsafe.Pointer(in)),
		0, 0, 0, 0, 0,
		uintptr(unsafe.Pointer(&out)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("platform: CryptUnprotectData failed")
	}
	defer procLocalFree.Call(uintptr(unsafe.Pointer(out.data)))
	return out.bytes(), nil
}

var _ domain.KeyProvider = DPAPIKeyProvider{}
