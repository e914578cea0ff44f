package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestNewStoreDefaults(t *testing.T) {
	store, err := NewStore(Default())
	require.NoError(t, err)

	snap := store.Load()
	assert.Equal(t, 0.95, snap.AutoMergeThreshold)
	assert.Equal(t, 0.85, snap.HighConfidence)
	assert.Equal(t, 0.5, snap.MinimumMatch)
}

func TestNewStoreRejectsInvalidSnapshot(t *testing.T) {
	snap := Default()
	snap.AutoMergeThreshold = 1.5

	_, err := NewStore(snap)
	assert.Error(t, err)
}

func TestSwapInstallsNewSnapshot(t *testing.T) {
	store, err := NewStore(Default())
	require.NoError(t, err)

	err = store.Swap(func(s Snapshot) Snapshot {
		s.ClusterThreshold = 0.9
		return s
	})
	require.NoError(t, err)

	assert.Equal(t, 0.9, store.Load().ClusterThreshold)
}

func TestSwapRejectsInvalidChangeAndKeepsCurrent(t *testing.T) {
	store, err := NewStore(Default())
	require.NoError(t, err)

	err = store.Swap(func(s Snapshot) Snapshot {
		// High confidence may not exceed the auto-merge threshold.
		s.HighConfidence = 0.99
		return s
	})
	assert.Error(t, err)
	assert.Equal(t, 0.85, store.Load().HighConfidence)
}

func TestSwapRejectsBadWeights(t *testing.T) {
	store, err := NewStore(Default())
	require.NoError(t, err)

	err = store.Swap(func(s Snapshot) Snapshot {
		s.Weights = models.Weights{models.FieldName: -1}
		return s
	})
	assert.Error(t, err)

	err = store.Swap(func(s Snapshot) Snapshot {
		s.Weights = models.Weights{models.FieldName: 0}
		return s
	})
	assert.Error(t, err)
}

func TestLoadedSnapshotSurvivesSwap(t *testing.T) {
	store, err := NewStore(Default())
	require.NoError(t, err)

	before := store.Load()

	err = store.Swap(func(s Snapshot) Snapshot {
		s.ClusterThreshold = 0.7
		return s
	})
	require.NoError(t, err)

	// The previously loaded snapshot is untouched.
	assert.Equal(t, 0.8, before.ClusterThreshold)
	assert.Equal(t, 0.7, store.Load().ClusterThreshold)
}
