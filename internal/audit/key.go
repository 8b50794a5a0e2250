package audit

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/eliteguard/appmon/internal/domain"
)

// keyFileName is co-located with the log files, per spec.md §6.
const keyFileName = "log.key"

// ErrMissingKey is returned by the decoder when log.key is absent.
var ErrMissingKey = errors.New("audit: log.key not found")

// ErrUnprotectFailed is returned when the OS refuses to unwrap the key
// file under the current user (spec.md §7).
var ErrUnprotectFailed = errors.New("audit: failed to unprotect key material under current user")

// keyManager owns the on-disk log.key lifecycle described in spec.md
// §4.1: generate-and-persist on first run, unwrap-and-derive on every
// run after, and on unwrap failure a fresh key is generated and
// persisted in its place so the agent keeps running rather than
// refusing to start (SPEC_FULL.md §12). The unreadable log.key is
// renamed aside rather than overwritten or deleted, so a decode attempt
// under the original user profile stays possible.
type keyManager struct {
	dir      string
	provider domain.KeyProvider
	logger   *zap.Logger
}

func newKeyManager(dir string, provider domain.KeyProvider, logger *zap.Logger) *keyManager {
	return &keyManager{dir: dir, provider: provider, logger: logger}
}

func (m *keyManager) path() string {
	return filepath.Join(m.dir, keyFileName)
}

// ensureKey implements spec.md §4.1 steps 1-4: generate-and-persist on
// first run, unwrap-and-derive on subsequent runs, and a best-effort
// regeneration fallback if unwrap fails outright (distinct from an
// unwrap that succeeds but yields the wrong length, which is handled by
// deriveKey).
func (m *keyManager) ensureKey() ([]byte, error) {
	blob, err := os.ReadFile(m.path())
	if os.IsNotExist(err) {
		return m.generateAndPersist()
	}
	if err != nil {
		return nil, fmt.Errorf("audit: reading key file: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(string(blob))
	if err != nil {
		return m.regenerateAfterFailure(fmt.Errorf("audit: key file is not valid base64: %w", err))
	}

	unwrapped, err := m.provider.Unprotect(raw)
	if err != nil {
		return m.regenerateAfterFailure(fmt.Errorf("%w: %v", ErrUnprotectFailed, err))
	}

	return deriveKey(unwrapped), nil
}

func (m *keyManager) generateAndPersist() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: generating key: %w", err)
	}

	wrapped, err := m.provider.Protect(key)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("failed to protect new audit key; continuing with in-memory key", zap.Error(err))
		}
		return key, nil
	}

	if err := m.persistAtomically(wrapped); err != nil {
		if m.logger != nil {
			m.logger.Warn("failed to persist audit key; continuing with in-memory key", zap.Error(err))
		}
	}
	return key, nil
}

// regenerateAfterFailure implements spec.md §4.1 step 4: on unwrap
// failure, generate a fresh key, best-effort persist it, and continue
// with the in-memory key. The unreadable log.key is renamed to
// log.key.unreadable-<unix-nanos> before the new key is written, so it is
// neither deleted nor overwritten and a manual recovery/decode attempt
// with the old user profile remains possible. If that rename fails, the
// new key is not persisted.
func (m *keyManager) regenerateAfterFailure(cause error) ([]byte, error) {
	if m.logger != nil {
		m.logger.Warn("audit key unwrap failed; generating a replacement key", zap.Error(cause))
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: generating replacement key: %w", err)
	}
	wrapped, err := m.provider.Protect(key)
	if err == nil {
		preserved := fmt.Sprintf("%s.unreadable-%d", m.path(), time.Now().UnixNano())
		if err := os.Rename(m.path(), preserved); err == nil {
			_ = m.persistAtomically(wrapped)
		}
	}
	return key, nil
}

func (m *keyManager) persistAtomically(wrapped []byte) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(wrapped)

	tmp, err := os.CreateTemp(m.dir, ".log-key-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, m.path()); err != nil {
		return err
	}
	success = true
	hideFile(m.path())
	return nil
}

// loadKeyForDecode is the decoder's read-only counterpart: it never
// generates a key, and a missing file or unwrap failure is a hard error
// (spec.md §4.2, §7).
func loadKeyForDecode(dir string, provider domain.KeyProvider) ([]byte, error) {
	keyPath := filepath.Join(dir, keyFileName)
	blob, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return nil, ErrMissingKey
	}
	if err != nil {
		return nil, fmt.Errorf("audit: reading key file: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(string(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: key file is not valid base64: %v", ErrFormat, err)
	}

	unwrapped, err := provider.Unprotect(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnprotectFailed, err)
	}
	return deriveKey(unwrapped), nil
}
