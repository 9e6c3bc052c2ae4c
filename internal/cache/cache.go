package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"modelsentry/internal/config"
	"modelsentry/types"
)

// Cache wraps Redis behind the handful of operations the services use:
// JSON value caching, per-user offline notification backlogs, and the
// crash-safe mirror of pending threat alerts.
type Cache struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(cfg config.RedisConfig) (*Cache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "modelsentry"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Cache{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (c *Cache) Close() error { return c.client.Close() }

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

func (c *Cache) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// ============================================================================
// JSON VALUE CACHE
// ============================================================================

// Set stores a JSON-encoded value with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Get loads a JSON-encoded value into dest. The second return is false on a
// cache miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal cache value: %w", err)
	}
	return true, nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

// ============================================================================
// OFFLINE NOTIFICATIONS
// ============================================================================

// PushNotification parks a notification for an offline user. The backlog is
// capped and expires so abandoned accounts do not accumulate state.
func (c *Cache) PushNotification(ctx context.Context, userID string, n *types.Notification, backlogCap int, ttl time.Duration) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	key := c.key("notify", "backlog", userID)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	if backlogCap > 0 {
		pipe.LTrim(ctx, key, 0, int64(backlogCap-1))
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// DrainNotifications removes and returns a user's parked notifications,
// oldest first.
func (c *Cache) DrainNotifications(ctx context.Context, userID string) ([]*types.Notification, error) {
	key := c.key("notify", "backlog", userID)

	pipe := c.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	raw := rangeCmd.Val()
	notifications := make([]*types.Notification, 0, len(raw))
	// LPUSH stores newest first; deliver oldest first.
	for i := len(raw) - 1; i >= 0; i-- {
		var n types.Notification
		if err := json.Unmarshal([]byte(raw[i]), &n); err != nil {
			continue
		}
		notifications = append(notifications, &n)
	}
	return notifications, nil
}

// ============================================================================
// PENDING ALERT MIRROR
// ============================================================================

const pendingAlertsKey = "alerts:pending"

// MirrorAlert persists a batched alert so a crash between enqueue and flush
// does not lose it.
func (c *Cache) MirrorAlert(ctx context.Context, alert *types.ThreatAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return c.client.HSet(ctx, c.key(pendingAlertsKey), alert.Key, data).Err()
}

// UnmirrorAlerts removes flushed alerts from the mirror.
func (c *Cache) UnmirrorAlerts(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.HDel(ctx, c.key(pendingAlertsKey), keys...).Err()
}

// PendingAlerts returns all mirrored alerts. Called on startup to recover a
// batch interrupted by a crash.
func (c *Cache) PendingAlerts(ctx context.Context) ([]*types.ThreatAlert, error) {
	raw, err := c.client.HGetAll(ctx, c.key(pendingAlertsKey)).Result()
	if err != nil {
		return nil, err
	}

	alerts := make([]*types.ThreatAlert, 0, len(raw))
	for _, v := range raw {
		var a types.ThreatAlert
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		alerts = append(alerts, &a)
	}
	return alerts, nil
}
