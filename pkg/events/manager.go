package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/foundry/pkg/alarm"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/cuemby/foundry/pkg/webhook"
	"github.com/rs/zerolog"
)

// AlarmNamespace is the alarm key prefix owned by webhook delivery
const AlarmNamespace = "webhook"

// Manager owns one build's event buffer and its webhook deliverer.
// Appends go through the manager so every event schedules a flush.
type Manager struct {
	buildID   string
	store     *EventStore
	deliverer *webhook.Deliverer
	logger    zerolog.Logger
}

// NewManager creates the events manager for one build
func NewManager(st storage.Store, sched *alarm.Scheduler, buildID string, cfg webhook.Config) *Manager {
	logger := log.WithBuildID(buildID)
	eventStore := NewEventStore(st, buildID, logger)
	deliverer := webhook.NewDeliverer(
		buildID,
		eventStore,
		st,
		sched.ForKey(AlarmNamespace+"/"+buildID),
		cfg,
		logger,
	)

	return &Manager{
		buildID:   buildID,
		store:     eventStore,
		deliverer: deliverer,
		logger:    logger,
	}
}

// Initialize loads the buffer and delivery state from storage
func (m *Manager) Initialize() error {
	if err := m.store.Load(); err != nil {
		return err
	}
	return m.deliverer.Initialize()
}

// AppendLog appends a log event and schedules delivery
func (m *Manager) AppendLog(message string) error {
	return m.append(types.EventTypeLog, types.EventPayload{Message: message})
}

// AppendStatusChange appends a status-change event and schedules delivery
func (m *Manager) AppendStatusChange(status types.BuildStatus) error {
	return m.append(types.EventTypeStatusChange, types.EventPayload{Status: status})
}

func (m *Manager) append(evType types.EventType, payload types.EventPayload) error {
	if _, err := m.store.Append(evType, payload); err != nil {
		return fmt.Errorf("failed to append %s event: %w", evType, err)
	}
	metrics.EventsAppendedTotal.WithLabelValues(string(evType)).Inc()

	if err := m.deliverer.ScheduleFlush(); err != nil {
		// Delivery scheduling must not fail the append; the next
		// append or flush cycle reschedules
		m.logger.Error().Err(err).Msg("Failed to schedule webhook flush")
	}
	return nil
}

// Events returns the full current buffer
func (m *Manager) Events() []types.Event {
	return m.store.Events()
}

// Flush runs one delivery attempt cycle (the alarm handler)
func (m *Manager) Flush(ctx context.Context) error {
	return m.deliverer.Flush(ctx)
}

// DeliveryState returns the deliverer's bookkeeping snapshot
func (m *Manager) DeliveryState() types.DeliveryState {
	return m.deliverer.State()
}

// Managers is the per-build registry of events managers. Alarm
// callbacks and ingress both resolve managers through it so each build
// has exactly one buffer and one deliverer in the process.
type Managers struct {
	store storage.Store
	sched *alarm.Scheduler
	cfg   webhook.Config

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewManagers creates the registry
func NewManagers(store storage.Store, sched *alarm.Scheduler, cfg webhook.Config) *Managers {
	return &Managers{
		store:    store,
		sched:    sched,
		cfg:      cfg,
		managers: make(map[string]*Manager),
	}
}

// GetOrCreate returns the build's manager, loading persisted state on
// first use in this process
func (r *Managers) GetOrCreate(buildID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[buildID]; ok {
		return m, nil
	}

	m := NewManager(r.store, r.sched, buildID, r.cfg)
	if err := m.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize events manager: %w", err)
	}
	r.managers[buildID] = m
	return m, nil
}

// Remove drops the build's manager from the registry
func (r *Managers) Remove(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, buildID)
}

// HandleAlarm is the webhook alarm namespace handler: it resolves the
// build from the key and runs one flush cycle
func (r *Managers) HandleAlarm(key string) {
	buildID := key[len(AlarmNamespace)+1:]
	m, err := r.GetOrCreate(buildID)
	if err != nil {
		l := log.WithComponent("events")
		l.Error().Err(err).Str("build_id", buildID).Msg("Failed to resolve events manager for alarm")
		return
	}
	if err := m.Flush(context.Background()); err != nil {
		m.logger.Error().Err(err).Msg("Webhook flush cycle failed")
	}
}
