package storage

import (
	"errors"

	"github.com/cuemby/foundry/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for durable service state.
// This is implemented by BoltDB-backed storage.
type Store interface {
	// Builds
	SaveBuild(build *types.Build) error
	GetBuild(buildID string) (*types.Build, error)
	ListBuilds() ([]*types.Build, error)
	DeleteBuild(buildID string) error

	// Per-build event buffer
	SaveEvents(buildID string, events []types.Event) error
	LoadEvents(buildID string) ([]types.Event, error)
	GetLastProcessedID(buildID string) (int64, error)
	SetLastProcessedID(buildID string, id int64) error

	// Per-build webhook delivery bookkeeping
	SaveDeliveryState(buildID string, state *types.DeliveryState) error
	GetDeliveryState(buildID string) (*types.DeliveryState, error)

	// Transient archive buffer for archive-sourced builds
	SaveArchive(buildID string, data []byte) error
	GetArchive(buildID string) ([]byte, error)
	DeleteArchive(buildID string) error

	// Alert configuration
	SaveErrorRateConfig(cfg *types.ErrorRateAlertConfig) error
	ListErrorRateConfigs() ([]*types.ErrorRateAlertConfig, error)
	SaveTTFBConfig(cfg *types.TTFBAlertConfig) error
	ListTTFBConfigs() ([]*types.TTFBAlertConfig, error)

	// Session aggregator state and one-shot emission markers
	SaveSessionState(sessionID string, data []byte) error
	GetSessionState(sessionID string) ([]byte, error)
	DeleteSessionState(sessionID string) error
	SetSessionEmitted(sessionID string) error
	SessionEmitted(sessionID string) (bool, error)
	ClearSessionEmitted(sessionID string) error

	// Alarm deadlines, keyed by owner, absolute epoch milliseconds
	SaveAlarm(key string, at int64) error
	GetAlarm(key string) (int64, error)
	DeleteAlarm(key string) error
	ListAlarms() (map[string]int64, error)

	// Utility
	Close() error
}
