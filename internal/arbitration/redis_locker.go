package arbitration

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker extends the maintenance single-flight guarantee across worker
// processes using SET NX with a TTL. The TTL bounds how long a crashed
// worker can block the sweep.
type RedisLocker struct {
	Client *redis.Client
	TTL    time.Duration
	Logger *log.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{Client: client, TTL: ttl, Logger: log.New(log.Writer(), "[RedisLock] ", log.LstdFlags)}
}

func (l *RedisLocker) TryLock(key string) (func(), bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	redisKey := "substrate:lock:" + key
	ok, err := l.Client.SetNX(ctx, redisKey, "1", l.TTL).Result()
	if err != nil {
		l.Logger.Printf("acquire %s failed: %v", key, err)
		return func() {}, false
	}
	if !ok {
		return func() {}, false
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Client.Del(ctx, redisKey).Err(); err != nil {
			l.Logger.Printf("release %s failed: %v", key, err)
		}
	}, true
}
