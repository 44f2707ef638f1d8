package dedup

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
	"go.uber.org/zap"
)

const redisKeyPrefix = "stage_dedup:"

// recordScript counts the delivery and arms the window expiry in one atomic
// step. Re-arming whenever the key has no TTL repairs counters that lost
// their expiry (a crash between a plain INCR and EXPIRE would otherwise
// suppress the lead forever).
var recordScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisTracker backs the dedup window with a shared Redis counter so multiple
// service instances see each other's deliveries. This is the deployment shape
// required once the service scales horizontally; the in-memory tracker only
// protects a single process.
type RedisTracker struct {
	rdb       *goredis.Client
	window    time.Duration
	threshold int
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(addr, password string, db int, window time.Duration, threshold int) (*RedisTracker, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required for the redis dedup backend")
	}
	if threshold < 1 {
		threshold = 1
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisTracker{
		rdb:       rdb,
		window:    window,
		threshold: threshold,
	}, nil
}

// Record implements RecentDeliveryTracker. The counter key expires with the
// window, so Redis does the pruning on its own.
func (t *RedisTracker) Record(ctx context.Context, leadID string, _ time.Time) (bool, error) {
	key := redisKeyPrefix + leadID

	count, err := recordScript.Run(ctx, t.rdb, []string{key}, t.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis dedup record for %s: %w", key, err)
	}

	return count > int64(t.threshold), nil
}

// Stop closes the Redis connection.
func (t *RedisTracker) Stop() {
	if err := t.rdb.Close(); err != nil && logger.Log != nil {
		logger.Log.Warn("Failed to close redis dedup tracker", zap.Error(err))
	}
}
