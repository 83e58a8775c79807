//go:build unix

package timeseries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictionOnReadOnlyFileDiscards(t *testing.T) {
	owner := newStore(t, 4, 2)
	path := withDisk(t, owner)

	s := newStore(t, 4, 2)
	require.NoError(t, s.EnableDiskStore(path))
	defer s.Close()
	require.True(t, s.Disk().ReadOnly())
	s.EnableMemorySaving()

	require.NoError(t, s.StoreAll(ticks(0, 7)...))
	require.NoError(t, s.Commit())

	_, ok := mustAt(t, s, 0)
	assert.False(t, ok, "segment A cannot reach the locked file")

	counters := s.metrics.Snapshot()
	assert.Equal(t, int64(1), counters["discarded"])
	assert.Equal(t, int64(0), counters["evictions"])
	assert.Equal(t, int64(0), counters["flushes"])
}
