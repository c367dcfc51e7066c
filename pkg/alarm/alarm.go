package alarm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/rs/zerolog"
)

// Alarm is the scheduling capability handed to a single owner: one
// pending deadline in absolute epoch milliseconds. Set replaces any
// earlier deadline; Get returns 0 when none is pending.
type Alarm interface {
	Get() (int64, error)
	Set(at int64) error
	Delete() error
}

// Handler fires when an owner's deadline is reached. The key is the
// full alarm key including its namespace.
type Handler func(key string)

// Scheduler multiplexes persisted absolute-deadline alarms onto
// process timers. Keys are "<namespace>/<id>"; each namespace registers
// one handler. Deadlines survive restarts: Rehydrate re-arms every
// persisted alarm, firing overdue ones immediately.
type Scheduler struct {
	store  storage.Store
	logger zerolog.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	handlers map[string]Handler
	stopped  bool
}

// NewScheduler creates an alarm scheduler backed by the given store
func NewScheduler(store storage.Store) *Scheduler {
	return &Scheduler{
		store:    store,
		logger:   log.WithComponent("alarm"),
		timers:   make(map[string]*time.Timer),
		handlers: make(map[string]Handler),
	}
}

// RegisterNamespace installs the handler for every key under the given
// namespace. Must be called before Rehydrate.
func (s *Scheduler) RegisterNamespace(namespace string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[namespace] = h
}

// Rehydrate re-arms all persisted alarms. Overdue deadlines fire
// immediately (wall-clock drift during downtime is tolerated because
// deadlines are absolute).
func (s *Scheduler) Rehydrate() error {
	alarms, err := s.store.ListAlarms()
	if err != nil {
		return fmt.Errorf("failed to list alarms: %w", err)
	}

	for key, at := range alarms {
		s.arm(key, at)
	}

	s.logger.Info().Int("alarms", len(alarms)).Msg("Alarms rehydrated")
	return nil
}

// Stop cancels all pending timers. Persisted deadlines are untouched
// and will re-arm on the next Rehydrate.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// ForKey returns the Alarm handle bound to one key
func (s *Scheduler) ForKey(key string) Alarm {
	return &handle{scheduler: s, key: key}
}

// Set persists the deadline and (re)arms the timer for the key
func (s *Scheduler) Set(key string, at int64) error {
	if err := s.store.SaveAlarm(key, at); err != nil {
		return fmt.Errorf("failed to persist alarm %s: %w", key, err)
	}
	s.arm(key, at)
	return nil
}

// Get returns the pending deadline for the key, 0 if none
func (s *Scheduler) Get(key string) (int64, error) {
	return s.store.GetAlarm(key)
}

// Delete clears the deadline and cancels the timer for the key
func (s *Scheduler) Delete(key string) error {
	s.mu.Lock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	return s.store.DeleteAlarm(key)
}

func (s *Scheduler) arm(key string, at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	delay := time.Until(time.UnixMilli(at))
	if delay < 0 {
		delay = 0
	}

	s.timers[key] = time.AfterFunc(delay, func() { s.fire(key) })
}

func (s *Scheduler) fire(key string) {
	s.mu.Lock()
	delete(s.timers, key)
	handler := s.handlers[namespaceOf(key)]
	s.mu.Unlock()

	// The deadline is consumed on firing; handlers re-Set to reschedule
	if err := s.store.DeleteAlarm(key); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to clear fired alarm")
	}

	if handler == nil {
		s.logger.Warn().Str("key", key).Msg("Alarm fired with no registered handler")
		return
	}

	handler(key)
}

func namespaceOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

// handle binds the Alarm capability to one key
type handle struct {
	scheduler *Scheduler
	key       string
}

func (h *handle) Get() (int64, error) { return h.scheduler.Get(h.key) }
func (h *handle) Set(at int64) error  { return h.scheduler.Set(h.key, at) }
func (h *handle) Delete() error       { return h.scheduler.Delete(h.key) }
