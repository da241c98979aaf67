package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX, for deployments running
// several purge processes against one database.
type RedisLocker struct {
	client         *redis.Client
	logger         *slog.Logger
	prefix         string
	token          string
	AttemptTimeout time.Duration
	MaxRetries     int
	TTL            time.Duration
}

// RedisOptions configures NewRedisLocker.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	MaxRetries int
}

// NewRedisLocker connects a redis client and returns a locker using it.
func NewRedisLocker(opts RedisOptions, logger *slog.Logger) *RedisLocker {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "tracklog"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultLockMaxRetries
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &RedisLocker{
		client:         client,
		logger:         logger,
		prefix:         prefix,
		token:          uuid.NewString(),
		AttemptTimeout: DefaultLockAttemptTimeout,
		MaxRetries:     maxRetries,
		TTL:            DefaultLockTTL,
	}
}

func (l *RedisLocker) key(name string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, name)
}

// Ping checks connectivity; used at startup to fail fast on a bad address.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) error {
	for attempt := 1; attempt <= l.MaxRetries; attempt++ {
		ok, err := l.client.SetNX(ctx, l.key(name), l.token, l.TTL).Result()
		if err != nil {
			return fmt.Errorf("redis lock %s: %w", name, err)
		}
		if ok {
			return nil
		}

		l.logger.Debug("Named lock busy", slog.String("lock", name), slog.Int("attempt", attempt))
		if attempt == l.MaxRetries {
			break
		}
		select {
		case <-time.After(l.AttemptTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s", ErrLockNotAcquired, name)
}

func (l *RedisLocker) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis unlock %s: %w", name, err)
	}
	return nil
}

// Close releases the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
