package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cuemby/foundry/pkg/log"
)

// Config controls the backoff schedule for one call site
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay added as random jitter, 0 disables
}

// DefaultProviderConfig is the schedule used for provider API calls:
// 1s base doubling, capped at 30s, three attempts
var DefaultProviderConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
}

// Do runs op under the configured backoff schedule. retryable decides
// per error whether another attempt is worth making; a nil retryable
// retries everything. The delay before attempt n is
// BaseDelay * 2^(n-1), capped at MaxDelay, plus jitter.
func Do(ctx context.Context, name string, cfg Config, retryable func(error) bool, op func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg.BaseDelay, cfg.MaxDelay, attempt)
		if cfg.Jitter > 0 {
			delay += time.Duration(rand.Float64() * cfg.Jitter * float64(delay))
		}

		log.Logger.Warn().
			Str("operation", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(lastErr).
			Msg("Operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s aborted: %w", name, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
}

// Backoff returns the exponential delay before the attempt following
// attempt n (1-based): base * 2^(n-1), capped at max. A max of zero
// or less leaves the delay uncapped.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
