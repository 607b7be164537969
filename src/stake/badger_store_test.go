package stake

import (
	"testing"

	"github.com/mosaicnetworks/shardcast/src/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	dir := t.TempDir()

	store, err := LoadOrCreateBadgerStore(dir, common.NewTestEntry(t, common.TestLogLevel))
	require.NoError(t, err)

	_, err = store.Last()
	assert.True(t, common.IsStore(err, common.KeyNotFound), "empty store should report KeyNotFound, got %v", err)

	require.NoError(t, store.Save(uniform(t, 1, 3)))
	require.NoError(t, store.Save(uniform(t, 2, 4)))

	last, err := store.Last()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last.Epoch())
	assert.Equal(t, 4, last.Len())

	first, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Len())

	_, err = store.Get(9)
	assert.True(t, common.IsStore(err, common.KeyNotFound))

	require.NoError(t, store.Close())
}

func TestTrackerBootstrapsFromStore(t *testing.T) {
	dir := t.TempDir()
	logger := common.NewTestEntry(t, common.TestLogLevel)

	store, err := LoadOrCreateBadgerStore(dir, logger)
	require.NoError(t, err)

	tracker, err := NewTracker(uniform(t, 0, 3), store, logger)
	require.NoError(t, err)
	require.NoError(t, tracker.Install(uniform(t, 4, 7)))
	require.NoError(t, store.Close())

	// Reopen: the genesis snapshot is older than the persisted one
	store, err = LoadOrCreateBadgerStore(dir, logger)
	require.NoError(t, err)
	defer store.Close()

	restarted, err := NewTracker(uniform(t, 0, 3), store, logger)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), restarted.Current().Epoch())
	assert.Equal(t, 7, restarted.Current().Len())
}
