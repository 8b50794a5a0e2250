package platform

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteguard/appmon/internal/domain"
)

func TestGopsutilEnumeratorFindsSelf(t *testing.T) {
	e := NewGopsutilEnumerator()
	self := domain.PID(os.Getpid())

	pids, err := e.Processes()
	require.NoError(t, err)
	assert.Contains(t, pids, self)

	meta, err := e.Metadata(self)
	require.NoError(t, err)
	assert.Equal(t, self, meta.PID)
}

func TestHasPrefixFold(t *testing.T) {
	assert.True(t, hasPrefixFold("WLAN0", "wlan"))
	assert.True(t, hasPrefixFold("wlp3s0", "wl"))
	assert.False(t, hasPrefixFold("eth0", "wlan"))
	assert.False(t, hasPrefixFold("w", "wlan"))
}
