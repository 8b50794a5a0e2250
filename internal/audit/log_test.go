package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteguard/appmon/internal/domain"
	"github.com/eliteguard/appmon/internal/platform"
)

func newTestLog(t *testing.T) (*Log, string) {
	dir := t.TempDir()
	l, err := Open(dir, platform.NewFileScopedKeyProvider(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Dispose(context.Background())
	})
	return l, dir
}

func TestLogRoundTrip(t *testing.T) {
	l, dir := newTestLog(t)

	l.Log(domain.AuditEvent{EventType: "test", Fields: map[string]interface{}{"a": float64(1)}})
	l.Log(domain.AuditEvent{EventType: "test", Fields: map[string]interface{}{"b": "x"}})

	require.NoError(t, l.Dispose(context.Background()))

	path, err := LatestLogFile(dir)
	require.NoError(t, err)

	decoder := NewDecoder(platform.NewFileScopedKeyProvider())
	lines, err := decoder.DecodeFile(path)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, float64(1), first["a"])
	assert.Equal(t, "x", second["b"])
}

func TestDecoderMissingKey(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "log-20200101.bin")
	require.NoError(t, os.WriteFile(logPath, []byte("anything\n"), 0o600))

	decoder := NewDecoder(platform.NewFileScopedKeyProvider())
	_, err := decoder.DecodeFile(logPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingKey)
}

type failingProvider struct{}

func (failingProvider) Protect(p []byte) ([]byte, error) { return p, nil }
func (failingProvider) Unprotect(b []byte) ([]byte, error) {
	return nil, errors.New("simulated unwrap failure")
}

func TestKeyUnwrapFailureRegeneratesKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, keyFileName)
	require.NoError(t, os.WriteFile(keyPath, []byte("Y29ycnVwdC1rZXktYmxvYg=="), 0o600))

	l, err := Open(dir, failingProvider{}, nil)
	require.NoError(t, err)
	defer l.Dispose(context.Background())

	assert.Len(t, l.key, keySize)
}

func TestIVUniquenessAcrossLines(t *testing.T) {
	key := make([]byte, keySize)
	seen := make(map[string]bool)
	for i := 0; i < 2000; i++ {
		line, err := encryptLine(key, []byte("payload"))
		require.NoError(t, err)
		iv := line[:24] // base64 prefix covering the 16-byte IV
		assert.False(t, seen[iv], "IV collision detected")
		seen[iv] = true
	}
}
