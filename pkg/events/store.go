package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// MaxEvents is the soft cap on the per-build buffer. The buffer may
// exceed it while every entry is still awaiting webhook delivery.
const MaxEvents = 5000

// EventStore is the bounded per-build ring buffer of events plus the
// delivery cursor. The buffer always holds a contiguous id suffix; the
// oldest kept event may have id > 0 after trimming.
type EventStore struct {
	buildID string
	store   storage.Store
	logger  zerolog.Logger

	mu              sync.Mutex
	events          []types.Event
	lastProcessedID int64
	maxEvents       int
}

// NewEventStore creates the buffer for one build. Call Load before use.
func NewEventStore(store storage.Store, buildID string, logger zerolog.Logger) *EventStore {
	return &EventStore{
		buildID:         buildID,
		store:           store,
		logger:          logger,
		lastProcessedID: -1,
		maxEvents:       MaxEvents,
	}
}

// Load restores the buffer and delivery cursor from durable storage
func (s *EventStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.store.LoadEvents(s.buildID)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	lastProcessed, err := s.store.GetLastProcessedID(s.buildID)
	if err != nil {
		return fmt.Errorf("failed to load delivery cursor: %w", err)
	}

	s.events = events
	s.lastProcessedID = lastProcessed
	return nil
}

// Append assigns the next id, stamps the event, trims delivered
// history past the cap, and persists the buffer. A storage failure
// rolls the in-memory append back and is surfaced to the caller.
func (s *EventStore) Append(evType types.EventType, payload types.EventPayload) (*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nextID uint64
	if n := len(s.events); n > 0 {
		nextID = s.events[n-1].ID + 1
	}

	event := types.Event{
		ID:      nextID,
		TS:      time.Now().UTC(),
		Type:    evType,
		Payload: payload,
	}

	prev := s.events
	s.events = append(s.events, event)
	s.trimLocked()

	if err := s.store.SaveEvents(s.buildID, s.events); err != nil {
		s.events = prev
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	return &event, nil
}

// trimLocked drops delivered head entries while over the cap. It never
// crosses the delivery cursor: an undelivered event is never removed.
func (s *EventStore) trimLocked() {
	for len(s.events) > s.maxEvents && int64(s.events[0].ID) <= s.lastProcessedID {
		s.events = s.events[1:]
	}
	if len(s.events) > s.maxEvents {
		s.logger.Warn().
			Int("buffered", len(s.events)).
			Int64("last_processed_id", s.lastProcessedID).
			Msg("Event buffer over cap with undelivered events, keeping all")
	}
}

// Events returns a copy of the full current buffer
func (s *EventStore) Events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Unprocessed returns the contiguous prefix of events past the
// delivery cursor, capped to limit when limit > 0. The start is found
// by id arithmetic, not a scan.
func (s *EventStore) Unprocessed(limit int) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 {
		return nil
	}

	firstID := int64(s.events[0].ID)
	start := s.lastProcessedID + 1 - firstID
	if start < 0 {
		start = 0
	}
	if start >= int64(len(s.events)) {
		return nil
	}

	pending := s.events[start:]
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]types.Event, len(pending))
	copy(out, pending)
	return out
}

// FirstUnprocessed returns the head of the unprocessed prefix, nil if
// everything is delivered
func (s *EventStore) FirstUnprocessed() *types.Event {
	pending := s.Unprocessed(1)
	if len(pending) == 0 {
		return nil
	}
	return &pending[0]
}

// LastProcessedID returns the delivery cursor (−1 before any delivery)
func (s *EventStore) LastProcessedID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessedID
}

// SetLastProcessedID advances the delivery cursor and persists it
func (s *EventStore) SetLastProcessedID(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetLastProcessedID(s.buildID, id); err != nil {
		return fmt.Errorf("failed to persist delivery cursor: %w", err)
	}
	s.lastProcessedID = id
	return nil
}
