package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was taken by another replica is left alone.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const (
	defaultLockPrefix    = "remitledger:lock:"
	defaultRetryInterval = 50 * time.Millisecond
)

// RedisOptions configures the client returned by ConnectRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// ConnectRedis builds a client and checks it with PING.
func ConnectRedis(ctx context.Context, opts RedisOptions, log logrus.FieldLogger) (*redis.Client, error) {
	log.WithFields(logrus.Fields{"addr": opts.Addr, "db": opts.DB}).Info("Connecting to Redis")

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info("Successfully connected to Redis")
	return client, nil
}

// RedisLocker is a Locker backed by SET NX with a TTL. The TTL bounds how long
// a crashed holder can block an organization.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	retry  time.Duration
	prefix string
	token  func() string
	log    logrus.FieldLogger
}

func NewRedisLocker(client redis.Cmdable, ttl time.Duration, log logrus.FieldLogger) *RedisLocker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		retry:  defaultRetryInterval,
		prefix: defaultLockPrefix,
		token:  uuid.NewString,
		log:    log,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.prefix + key
	token := l.token()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w %q: %v", ErrLockTimeout, key, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock %q: %w", key, err)
		}
		if ok {
			return l.unlockFunc(redisKey, token), nil
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w %q: %v", ErrLockTimeout, key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) unlockFunc(redisKey, token string) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
				l.log.WithError(err).WithField("key", redisKey).Warn("failed to release redis lock")
			}
		})
	}
}
