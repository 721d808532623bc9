package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"matchgate/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "matchgate:usage:"

// Redis is a usage ledger kept in Redis sorted sets, one per client, scored
// by event time. Keys carry a TTL slightly past the retention window so the
// store prunes itself even without the sweep.
type Redis struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg config.RedisConfig, retention time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, retention: retention}, nil
}

func usageKey(clientID string) string {
	return redisKeyPrefix + clientID
}

func (l *Redis) Count(ctx context.Context, clientID string, since time.Time) (int64, error) {
	count, err := l.client.ZCount(ctx, usageKey(clientID),
		strconv.FormatInt(since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count usage events for client %s: %w", clientID, err)
	}
	return count, nil
}

func (l *Redis) Append(ctx context.Context, clientID, endpoint string, at time.Time) error {
	key := usageKey(clientID)
	member := fmt.Sprintf("%d|%s|%s", at.UnixNano(), uuid.NewString(), endpoint)

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	// Refresh the TTL past the retention window so the whole set disappears
	// once the client goes quiet.
	pipe.Expire(ctx, key, l.retention+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append usage event for client %s: %w", clientID, err)
	}
	return nil
}

// Prune trims members that have aged out of every set. Redis expiry already
// handles idle clients; this keeps busy clients' sets bounded.
func (l *Redis) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	cutoff := strconv.FormatInt(before.UnixNano(), 10)

	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan usage keys: %w", err)
		}
		for _, key := range keys {
			n, err := l.client.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to prune usage events for %s: %w", key, err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Close releases the underlying connection pool.
func (l *Redis) Close() error {
	return l.client.Close()
}
