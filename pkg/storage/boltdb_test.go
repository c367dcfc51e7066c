package storage

import (
	"testing"
	"time"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestBuildRoundTrip persists and restores a build record
func TestBuildRoundTrip(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	build := &types.Build{
		BuildID:   "b-1",
		Slug:      "my-app",
		Status:    types.BuildStatusQueued,
		UpdatedAt: now,
		Source: types.BuildSource{
			Type: types.SourceTypeGit,
			Git:  &types.GitSource{Provider: "github", RepoSource: "acme/site"},
		},
	}
	require.NoError(t, store.SaveBuild(build))

	got, err := store.GetBuild("b-1")
	require.NoError(t, err)
	assert.Equal(t, build.Slug, got.Slug)
	assert.Equal(t, build.Source.Git.RepoSource, got.Source.Git.RepoSource)

	_, err = store.GetBuild("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	builds, err := store.ListBuilds()
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

// TestDeleteBuildClearsAllKeys removes every per-build record family
func TestDeleteBuildClearsAllKeys(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveBuild(&types.Build{BuildID: "b-1"}))
	require.NoError(t, store.SaveEvents("b-1", []types.Event{{ID: 0}}))
	require.NoError(t, store.SetLastProcessedID("b-1", 0))
	require.NoError(t, store.SaveDeliveryState("b-1", &types.DeliveryState{Attempt: 2}))
	require.NoError(t, store.SaveArchive("b-1", []byte("tgz")))

	require.NoError(t, store.DeleteBuild("b-1"))

	_, err := store.GetBuild("b-1")
	assert.ErrorIs(t, err, ErrNotFound)

	events, err := store.LoadEvents("b-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	id, err := store.GetLastProcessedID("b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), id)

	state, err := store.GetDeliveryState("b-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), state.Attempt)

	_, err = store.GetArchive("b-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestLastProcessedIDDefaults returns −1 before any delivery
func TestLastProcessedIDDefaults(t *testing.T) {
	store := newTestStore(t)

	id, err := store.GetLastProcessedID("b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), id)

	require.NoError(t, store.SetLastProcessedID("b-1", 41))
	id, err = store.GetLastProcessedID("b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
}

// TestAlertConfigRoundTrip persists both config families keyed by
// model
func TestAlertConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveErrorRateConfig(&types.ErrorRateAlertConfig{
		Model: "claude-sonnet", Enabled: true, ErrorRateSLO: 0.999, MinRequestsPerWindow: 10,
	}))
	require.NoError(t, store.SaveTTFBConfig(&types.TTFBAlertConfig{
		Model: "claude-sonnet", Enabled: true, TTFBThresholdMs: 1500, TTFBSLO: 0.95, MinRequestsPerWindow: 10,
	}))

	errCfgs, err := store.ListErrorRateConfigs()
	require.NoError(t, err)
	require.Len(t, errCfgs, 1)
	assert.Equal(t, 0.999, errCfgs[0].ErrorRateSLO)

	ttfbCfgs, err := store.ListTTFBConfigs()
	require.NoError(t, err)
	require.Len(t, ttfbCfgs, 1)
	assert.Equal(t, int64(1500), ttfbCfgs[0].TTFBThresholdMs)

	// Saving the same model overwrites
	require.NoError(t, store.SaveErrorRateConfig(&types.ErrorRateAlertConfig{
		Model: "claude-sonnet", Enabled: false, ErrorRateSLO: 0.99, MinRequestsPerWindow: 5,
	}))
	errCfgs, err = store.ListErrorRateConfigs()
	require.NoError(t, err)
	require.Len(t, errCfgs, 1)
	assert.False(t, errCfgs[0].Enabled)
}

// TestSessionMarkers cover the one-shot emission flag lifecycle
func TestSessionMarkers(t *testing.T) {
	store := newTestStore(t)

	emitted, err := store.SessionEmitted("s-1")
	require.NoError(t, err)
	assert.False(t, emitted)

	require.NoError(t, store.SetSessionEmitted("s-1"))
	emitted, err = store.SessionEmitted("s-1")
	require.NoError(t, err)
	assert.True(t, emitted)

	require.NoError(t, store.ClearSessionEmitted("s-1"))
	emitted, err = store.SessionEmitted("s-1")
	require.NoError(t, err)
	assert.False(t, emitted)
}

// TestAlarmRoundTrip stores absolute deadlines by key
func TestAlarmRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveAlarm("build/b-1", 1234567890))
	require.NoError(t, store.SaveAlarm("session/s-1", 42))

	at, err := store.GetAlarm("build/b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890), at)

	alarms, err := store.ListAlarms()
	require.NoError(t, err)
	assert.Len(t, alarms, 2)

	require.NoError(t, store.DeleteAlarm("build/b-1"))
	at, err = store.GetAlarm("build/b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), at)
}
