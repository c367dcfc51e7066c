package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/foundry/pkg/alarm"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// AlarmNamespace is the alarm key prefix owned by session aggregators
const AlarmNamespace = "session"

// Alarm policy: a closed session drains briefly before emitting; a
// quiet session is considered abandoned after the inactivity timeout
const (
	PostCloseDrain    = 5 * time.Second
	InactivityTimeout = 5 * time.Minute
)

// Emitter receives the finalized record exactly once per session
type Emitter interface {
	IngestSessionMetrics(ctx context.Context, m *types.SessionMetrics) error
}

// Aggregator folds one session's ingest stream into a metrics record
// and emits it once, on explicit close or on inactivity.
//
// Two client dialects exist. v≥1 clients send explicit session_open
// and session_close markers: open arms the inactivity alarm and
// clears a previous emission (a new turn on an already-emitted
// session), close arms the short drain alarm, and ordinary items do
// not touch the alarm. v0 clients have no markers, so every ingest
// pushes the inactivity alarm out. A v1-dialect session_close from a
// client declaring version 0 is still honored as a close: the
// explicit signal wins over the declared version.
type Aggregator struct {
	sessionID string
	store     storage.Store
	alarm     alarm.Alarm
	emitter   Emitter
	logger    zerolog.Logger

	mu sync.Mutex
	st *state
}

// NewAggregator creates the aggregator for one session, restoring any
// persisted snapshot
func NewAggregator(sessionID string, store storage.Store, al alarm.Alarm, emitter Emitter) (*Aggregator, error) {
	a := &Aggregator{
		sessionID: sessionID,
		store:     store,
		alarm:     al,
		emitter:   emitter,
		logger:    log.WithSessionID(sessionID),
	}

	data, err := store.GetSessionState(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	if len(data) > 0 {
		var st state
		if err := json.Unmarshal(data, &st); err != nil {
			// Corrupted snapshots are dropped, never fatal
			a.logger.Warn().Err(err).Msg("Skipping corrupted session snapshot")
		} else {
			a.st = &st
		}
	}
	return a, nil
}

// Ingest folds a batch of stream items into the snapshot and applies
// the alarm policy
func (a *Aggregator) Ingest(batch *types.IngestBatch) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.st == nil {
		a.st = newState(a.sessionID, batch.KiloUserID, batch.IngestVersion)
	}
	if batch.KiloUserID != "" {
		a.st.KiloUserID = batch.KiloUserID
	}
	if batch.IngestVersion > a.st.IngestVersion {
		a.st.IngestVersion = batch.IngestVersion
	}

	// Any new ingest after an emission is a new turn on v≥1: the
	// one-shot marker resets so the next close emits again
	if batch.IngestVersion >= 1 {
		emitted, err := a.store.SessionEmitted(a.sessionID)
		if err != nil {
			return err
		}
		if emitted {
			if err := a.store.ClearSessionEmitted(a.sessionID); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	closed := false
	for i := range batch.Items {
		item := &batch.Items[i]
		metrics.SessionItemsIngestedTotal.WithLabelValues(string(item.Type)).Inc()
		a.st.apply(item)

		switch item.Type {
		case types.ItemTypeSessionOpen:
			if batch.IngestVersion >= 1 {
				if err := a.store.ClearSessionEmitted(a.sessionID); err != nil {
					return err
				}
				if err := a.alarm.Set(now.Add(InactivityTimeout).UnixMilli()); err != nil {
					return err
				}
			}
		case types.ItemTypeSessionClose:
			// Honored for every declared version: the explicit
			// signal wins over the dialect
			closed = true
			if err := a.alarm.Set(now.Add(PostCloseDrain).UnixMilli()); err != nil {
				return err
			}
		}
	}

	// v0 dialect: any activity defers the inactivity emission
	if batch.IngestVersion < 1 && !closed {
		if err := a.alarm.Set(now.Add(InactivityTimeout).UnixMilli()); err != nil {
			return err
		}
	}

	return a.persistLocked()
}

func (a *Aggregator) persistLocked() error {
	data, err := json.Marshal(a.st)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if err := a.store.SaveSessionState(a.sessionID, data); err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	return nil
}

// HandleAlarm emits on inactivity or after the post-close drain
func (a *Aggregator) HandleAlarm() {
	if _, err := a.Emit(context.Background()); err != nil {
		a.logger.Error().Err(err).Msg("Session emission failed")
	}
}

// Emit computes and sends the metrics record exactly once. Re-entry
// with the marker already set is a no-op returning false. The alarm
// is always deleted afterwards.
func (a *Aggregator) Emit(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	emitted, err := a.store.SessionEmitted(a.sessionID)
	if err != nil {
		return false, err
	}
	if emitted || a.st == nil {
		// Mandatory even on the no-op path: a stale alarm must not
		// re-fire forever
		if err := a.alarm.Delete(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to delete session alarm")
		}
		return false, nil
	}

	reason := a.st.CloseReason
	if reason == "" {
		reason = types.CloseReasonAbandoned
	}
	record := a.st.metrics(reason)

	if err := a.emitter.IngestSessionMetrics(ctx, record); err != nil {
		return false, fmt.Errorf("failed to emit session metrics: %w", err)
	}

	if err := a.store.SetSessionEmitted(a.sessionID); err != nil {
		return false, err
	}
	if err := a.store.DeleteSessionState(a.sessionID); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to clear session snapshot after emission")
	}
	a.st = nil

	if err := a.alarm.Delete(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to delete session alarm")
	}

	metrics.SessionsEmittedTotal.WithLabelValues(string(reason)).Inc()
	a.logger.Info().Str("reason", string(reason)).Msg("Session metrics emitted")
	return true, nil
}

// Aggregators is the per-session registry
type Aggregators struct {
	store   storage.Store
	sched   *alarm.Scheduler
	emitter Emitter

	mu          sync.Mutex
	aggregators map[string]*Aggregator
}

// NewAggregators creates the registry
func NewAggregators(store storage.Store, sched *alarm.Scheduler, emitter Emitter) *Aggregators {
	return &Aggregators{
		store:       store,
		sched:       sched,
		emitter:     emitter,
		aggregators: make(map[string]*Aggregator),
	}
}

// GetOrCreate returns the session's aggregator
func (r *Aggregators) GetOrCreate(sessionID string) (*Aggregator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.aggregators[sessionID]; ok {
		return a, nil
	}

	a, err := NewAggregator(sessionID, r.store, r.sched.ForKey(AlarmNamespace+"/"+sessionID), r.emitter)
	if err != nil {
		return nil, err
	}
	r.aggregators[sessionID] = a
	return a, nil
}

// HandleAlarm is the session alarm namespace handler
func (r *Aggregators) HandleAlarm(key string) {
	sessionID := key[len(AlarmNamespace)+1:]
	a, err := r.GetOrCreate(sessionID)
	if err != nil {
		l := log.WithComponent("session")
		l.Error().Err(err).Str("session_id", sessionID).Msg("Failed to resolve aggregator for alarm")
		return
	}
	a.HandleAlarm()
}
