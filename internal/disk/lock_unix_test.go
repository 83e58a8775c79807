//go:build unix

package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecondOpenIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.tick")

	owner := openBars(t, path)
	defer owner.Close()
	require.NoError(t, owner.Write(0, barSegment(0, 1)))

	reader := openBars(t, path)
	defer reader.Close()
	require.True(t, reader.ReadOnly())

	// Writes through the read-only handle are dropped.
	seg := barSegment(4, 0)
	require.NoError(t, reader.Write(4, seg))
	assert.False(t, seg.Synced())

	got, err := reader.Read(0, segSize)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())

	require.NoError(t, owner.Close())
	again := openBars(t, path)
	defer again.Close()
	assert.False(t, again.ReadOnly())
}
