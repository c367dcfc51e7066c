package events

import (
	"sync"
	"time"

	"github.com/cuemby/foundry/pkg/types"
)

// StreamEvent is one structured telemetry record forwarded to the
// stream alongside the analytics write
type StreamEvent struct {
	Kind      string
	Timestamp time.Time
	Metric    *types.APIMetric
	Session   *types.SessionMetrics
}

// Subscriber is a channel that receives stream events
type Subscriber chan *StreamEvent

// Stream fans ingested telemetry out to in-process subscribers. It is
// the integration point for downstream consumers of the raw feed; slow
// subscribers are skipped, never blocked on.
type Stream struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *StreamEvent
	stopCh      chan struct{}
}

// NewStream creates a new telemetry stream
func NewStream() *Stream {
	return &Stream{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *StreamEvent, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the stream's distribution loop
func (s *Stream) Start() {
	go s.run()
}

// Stop stops the stream
func (s *Stream) Stop() {
	close(s.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (s *Stream) Subscribe() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	s.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (s *Stream) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (s *Stream) Publish(event *StreamEvent) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case s.eventCh <- event:
	case <-s.stopCh:
	}
}

func (s *Stream) run() {
	for {
		select {
		case event := <-s.eventCh:
			s.broadcast(event)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Stream) broadcast(event *StreamEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for sub := range s.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
