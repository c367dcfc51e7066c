package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketBuilds          = []byte("builds")
	bucketEvents          = []byte("events")
	bucketLastProcessed   = []byte("last_processed")
	bucketDelivery        = []byte("delivery_state")
	bucketArchives        = []byte("archives")
	bucketAlertsErrorRate = []byte("alerts_error_rate")
	bucketAlertsTTFB      = []byte("alerts_ttfb")
	bucketSessionState    = []byte("session_state")
	bucketSessionEmitted  = []byte("session_emitted")
	bucketAlarms          = []byte("alarms")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "foundry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketBuilds,
			bucketEvents,
			bucketLastProcessed,
			bucketDelivery,
			bucketArchives,
			bucketAlertsErrorRate,
			bucketAlertsTTFB,
			bucketSessionState,
			bucketSessionEmitted,
			bucketAlarms,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Build operations
func (s *BoltStore) SaveBuild(build *types.Build) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		data, err := json.Marshal(build)
		if err != nil {
			return err
		}
		return b.Put([]byte(build.BuildID), data)
	})
}

func (s *BoltStore) GetBuild(buildID string) (*types.Build, error) {
	var build types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		data := b.Get([]byte(buildID))
		if data == nil {
			return fmt.Errorf("build %s: %w", buildID, ErrNotFound)
		}
		return json.Unmarshal(data, &build)
	})
	if err != nil {
		return nil, err
	}
	return &build, nil
}

func (s *BoltStore) ListBuilds() ([]*types.Build, error) {
	var builds []*types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		return b.ForEach(func(k, v []byte) error {
			var build types.Build
			if err := json.Unmarshal(v, &build); err != nil {
				// Corrupted entries are skipped, never fatal
				log.Logger.Warn().Str("build_id", string(k)).Msg("Skipping corrupted build record")
				return nil
			}
			builds = append(builds, &build)
			return nil
		})
	})
	return builds, err
}

func (s *BoltStore) DeleteBuild(buildID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(buildID)
		if err := tx.Bucket(bucketBuilds).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEvents).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLastProcessed).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDelivery).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketArchives).Delete(key)
	})
}

// Event buffer operations. The full buffer is stored as one JSON value
// per build; the buffer is bounded so values stay small.
func (s *BoltStore) SaveEvents(buildID string, events []types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data, err := json.Marshal(events)
		if err != nil {
			return err
		}
		return b.Put([]byte(buildID), data)
	})
}

func (s *BoltStore) LoadEvents(buildID string) ([]types.Event, error) {
	var events []types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data := b.Get([]byte(buildID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &events); err != nil {
			log.Logger.Warn().Str("build_id", buildID).Err(err).Msg("Skipping corrupted event buffer")
			events = nil
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) GetLastProcessedID(buildID string) (int64, error) {
	id := int64(-1)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLastProcessed)
		data := b.Get([]byte(buildID))
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			log.Logger.Warn().Str("build_id", buildID).Msg("Skipping corrupted last-processed marker")
			return nil
		}
		id = int64(binary.BigEndian.Uint64(data))
		return nil
	})
	return id, err
}

func (s *BoltStore) SetLastProcessedID(buildID string, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLastProcessed)
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, uint64(id))
		return b.Put([]byte(buildID), data)
	})
}

// Delivery state operations
func (s *BoltStore) SaveDeliveryState(buildID string, state *types.DeliveryState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDelivery)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(buildID), data)
	})
}

func (s *BoltStore) GetDeliveryState(buildID string) (*types.DeliveryState, error) {
	state := &types.DeliveryState{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDelivery)
		data := b.Get([]byte(buildID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, state); err != nil {
			log.Logger.Warn().Str("build_id", buildID).Err(err).Msg("Skipping corrupted delivery state")
			*state = types.DeliveryState{}
		}
		return nil
	})
	return state, err
}

// Archive buffer operations
func (s *BoltStore) SaveArchive(buildID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchives).Put([]byte(buildID), data)
	})
}

func (s *BoltStore) GetArchive(buildID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketArchives).Get([]byte(buildID))
		if v == nil {
			return fmt.Errorf("archive for build %s: %w", buildID, ErrNotFound)
		}
		data = append(data, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) DeleteArchive(buildID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchives).Delete([]byte(buildID))
	})
}

// Alert config operations
func (s *BoltStore) SaveErrorRateConfig(cfg *types.ErrorRateAlertConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlertsErrorRate)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Model), data)
	})
}

func (s *BoltStore) ListErrorRateConfigs() ([]*types.ErrorRateAlertConfig, error) {
	var configs []*types.ErrorRateAlertConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlertsErrorRate)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.ErrorRateAlertConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				log.Logger.Warn().Str("model", string(k)).Msg("Skipping corrupted error-rate alert config")
				return nil
			}
			configs = append(configs, &cfg)
			return nil
		})
	})
	return configs, err
}

func (s *BoltStore) SaveTTFBConfig(cfg *types.TTFBAlertConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlertsTTFB)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Model), data)
	})
}

func (s *BoltStore) ListTTFBConfigs() ([]*types.TTFBAlertConfig, error) {
	var configs []*types.TTFBAlertConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlertsTTFB)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.TTFBAlertConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				log.Logger.Warn().Str("model", string(k)).Msg("Skipping corrupted TTFB alert config")
				return nil
			}
			configs = append(configs, &cfg)
			return nil
		})
	})
	return configs, err
}

// Session aggregator state operations
func (s *BoltStore) SaveSessionState(sessionID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessionState).Put([]byte(sessionID), data)
	})
}

func (s *BoltStore) GetSessionState(sessionID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSessionState).Get([]byte(sessionID))
		if v != nil {
			data = append(data, v...)
		}
		return nil
	})
	return data, err
}

func (s *BoltStore) DeleteSessionState(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessionState).Delete([]byte(sessionID))
	})
}

func (s *BoltStore) SetSessionEmitted(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessionEmitted).Put([]byte(sessionID), []byte{1})
	})
}

func (s *BoltStore) SessionEmitted(sessionID string) (bool, error) {
	emitted := false
	err := s.db.View(func(tx *bolt.Tx) error {
		emitted = tx.Bucket(bucketSessionEmitted).Get([]byte(sessionID)) != nil
		return nil
	})
	return emitted, err
}

func (s *BoltStore) ClearSessionEmitted(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessionEmitted).Delete([]byte(sessionID))
	})
}

// Alarm operations
func (s *BoltStore) SaveAlarm(key string, at int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, uint64(at))
		return tx.Bucket(bucketAlarms).Put([]byte(key), data)
	})
}

func (s *BoltStore) GetAlarm(key string) (int64, error) {
	var at int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlarms).Get([]byte(key))
		if data == nil || len(data) != 8 {
			return nil
		}
		at = int64(binary.BigEndian.Uint64(data))
		return nil
	})
	return at, err
}

func (s *BoltStore) DeleteAlarm(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlarms).Delete([]byte(key))
	})
}

func (s *BoltStore) ListAlarms() (map[string]int64, error) {
	alarms := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlarms).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			alarms[string(k)] = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	return alarms, err
}
