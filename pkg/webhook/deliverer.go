package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/foundry/pkg/alarm"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// EventSource is the slice of the event buffer the deliverer consumes:
// the undelivered prefix plus the cursor it advances on success.
type EventSource interface {
	Unprocessed(limit int) []types.Event
	SetLastProcessedID(id int64) error
}

// Config holds delivery tuning, loaded from the environment
type Config struct {
	BackendURL        string
	BackendToken      string
	BatchMaxEvents    int
	BatchMaxDelay     time.Duration
	BackoffBase       time.Duration
	StopAfterAttempts uint32
}

// WithDefaults fills unset fields with the standard tuning
func (c Config) WithDefaults() Config {
	if c.BatchMaxEvents <= 0 {
		c.BatchMaxEvents = 100
	}
	if c.BatchMaxDelay <= 0 {
		c.BatchMaxDelay = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.StopAfterAttempts == 0 {
		c.StopAfterAttempts = 10
	}
	return c
}

// overflowDelay is how soon a full batch is flushed after append
const overflowDelay = 50 * time.Millisecond

// batchPayload is the wire format posted to the backend
type batchPayload struct {
	BuildID string        `json:"buildId"`
	Events  []types.Event `json:"events"`
}

// Deliverer drains one build's event buffer to the backend URL in
// batches with at-least-once semantics. Retries are spread across
// alarm wakeups using absolute deadlines; once the consecutive-failure
// count exceeds StopAfterAttempts delivery stops permanently for the
// build.
type Deliverer struct {
	buildID string
	source  EventSource
	store   storage.Store
	alarm   alarm.Alarm
	client  *http.Client
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	state    types.DeliveryState
	flushing bool
	now      func() time.Time
}

// NewDeliverer creates the delivery engine for one build
func NewDeliverer(buildID string, source EventSource, store storage.Store, al alarm.Alarm, cfg Config, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		buildID: buildID,
		source:  source,
		store:   store,
		alarm:   al,
		client:  &http.Client{Timeout: 30 * time.Second},
		cfg:     cfg.WithDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// Initialize loads persisted delivery state, defaulting to a clean
// zero state for new builds
func (d *Deliverer) Initialize() error {
	state, err := d.store.GetDeliveryState(d.buildID)
	if err != nil {
		return fmt.Errorf("failed to load delivery state: %w", err)
	}

	d.mu.Lock()
	d.state = *state
	d.mu.Unlock()
	return nil
}

// State returns a read-only snapshot of the delivery bookkeeping
func (d *Deliverer) State() types.DeliveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ScheduleFlush decides when the next Flush should run. Called after
// every append and at the end of every flush cycle.
func (d *Deliverer) ScheduleFlush() error {
	pending := len(d.source.Unprocessed(d.cfg.BatchMaxEvents))
	if pending == 0 {
		return nil
	}

	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	// Retry phase: the backoff deadline owns the schedule
	if state.Attempt > 0 {
		if state.Attempt > d.cfg.StopAfterAttempts {
			return nil
		}
		return d.alarm.Set(state.NextAttemptAt)
	}

	now := d.now()

	// Overflow phase: a full batch flushes almost immediately
	if pending >= d.cfg.BatchMaxEvents {
		return d.alarm.Set(now.Add(overflowDelay).UnixMilli())
	}

	// Batch-timing phase: coalesce appends, keeping any earlier alarm
	target := now.Add(d.cfg.BatchMaxDelay).UnixMilli()
	current, err := d.alarm.Get()
	if err != nil {
		return fmt.Errorf("failed to read alarm: %w", err)
	}
	if current != 0 && current <= target {
		return nil
	}
	return d.alarm.Set(target)
}

// Flush performs one delivery attempt cycle
func (d *Deliverer) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.flushing {
		d.mu.Unlock()
		return nil
	}
	d.flushing = true
	state := d.state
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.flushing = false
		d.mu.Unlock()
	}()

	if state.Attempt > d.cfg.StopAfterAttempts {
		return nil
	}

	events := d.source.Unprocessed(d.cfg.BatchMaxEvents)
	if len(events) == 0 {
		return nil
	}

	err := d.post(ctx, events)
	if err == nil {
		if err := d.source.SetLastProcessedID(int64(events[len(events)-1].ID)); err != nil {
			return err
		}
		state = types.DeliveryState{}
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		state.Attempt++
		state.NextAttemptAt = d.now().Add(backoffDelay(d.cfg.BackoffBase, state.Attempt)).UnixMilli()
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.logger.Warn().
			Err(err).
			Uint32("attempt", state.Attempt).
			Int64("next_attempt_at", state.NextAttemptAt).
			Int("events", len(events)).
			Msg("Webhook delivery failed")
		if state.Attempt > d.cfg.StopAfterAttempts {
			d.logger.Error().
				Uint32("attempts", state.Attempt-1).
				Msg("Webhook delivery stopped permanently for build")
		}
	}

	if err := d.persistState(state); err != nil {
		return err
	}

	return d.ScheduleFlush()
}

// post sends one batch. An empty backend URL means delivery is
// disabled and every batch counts as delivered.
func (d *Deliverer) post(ctx context.Context, events []types.Event) error {
	if d.cfg.BackendURL == "" {
		return nil
	}

	body, err := json.Marshal(batchPayload{BuildID: d.buildID, Events: events})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BackendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.BackendToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.BackendToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Deliverer) persistState(state types.DeliveryState) error {
	if err := d.store.SaveDeliveryState(d.buildID, &state); err != nil {
		return fmt.Errorf("failed to persist delivery state: %w", err)
	}
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
	return nil
}

// backoffDelay is base * 2^(attempt-1) with no cap; the stop-after
// limit bounds the schedule instead
func backoffDelay(base time.Duration, attempt uint32) time.Duration {
	delay := base
	for i := uint32(1); i < attempt; i++ {
		delay *= 2
	}
	return delay
}
