package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/foundry/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Cooldown TTLs per severity
const (
	PageCooldown   = 15 * time.Minute
	TicketCooldown = 4 * time.Hour
)

// CooldownStore suppresses re-firing of equivalent alerts. Keys are
// short-lived markers; presence means the alert already fired within
// its cooldown.
type CooldownStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, ttl time.Duration) error
}

// CooldownKey addresses one fired alert:
// severity × alert type × dimension
func CooldownKey(severity types.Severity, alertType types.AlertType, dim types.Dimension) string {
	return fmt.Sprintf("alert:cooldown:%s:%s:%s:%s:%s", severity, alertType, dim.Provider, dim.Model, dim.Client)
}

// RedisCooldowns stores markers in redis with native TTL expiry
type RedisCooldowns struct {
	client *redis.Client
}

// NewRedisCooldowns creates the redis-backed cooldown store
func NewRedisCooldowns(client *redis.Client) *RedisCooldowns {
	return &RedisCooldowns{client: client}
}

func (r *RedisCooldowns) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cooldown %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisCooldowns) Set(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cooldown %s: %w", key, err)
	}
	return nil
}
