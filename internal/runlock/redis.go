package runlock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultRedisKey = "attachsync:run"
	DefaultRedisTTL = 10 * time.Minute
)

// RedisLocker holds a lease in Redis and refreshes it at half the TTL until
// released. A crashed run stops refreshing and the lease expires.
type RedisLocker struct {
	client *redis.Client
	locker *redislock.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultRedisKey
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLocker{client: client, locker: redislock.New(client), key: key, ttl: ttl, logger: zerolog.Nop()}
}

// NewRedisLockerFromURL reads key and ttl from the query string and passes
// the rest to redis.ParseURL.
func NewRedisLockerFromURL(u *url.URL) (*RedisLocker, error) {
	if u == nil {
		return nil, ErrInvalidInput
	}
	clean := *u
	query := clean.Query()
	key := query.Get("key")
	ttl := DefaultRedisTTL
	if raw := strings.TrimSpace(query.Get("ttl")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%w: invalid lock ttl %q", ErrInvalidInput, raw)
		}
		ttl = parsed
	}
	query.Del("key")
	query.Del("ttl")
	clean.RawQuery = query.Encode()

	opts, err := redis.ParseURL(clean.String())
	if err != nil {
		return nil, err
	}
	return NewRedisLocker(redis.NewClient(opts), key, ttl), nil
}

func (l *RedisLocker) Key() string {
	return l.key
}

func (l *RedisLocker) TTL() time.Duration {
	return l.ttl
}

// SetLogger sets where lease refresh failures are reported.
func (l *RedisLocker) SetLogger(logger zerolog.Logger) {
	l.logger = logger
}

func (l *RedisLocker) Acquire(ctx context.Context) (Release, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: redis key %s", ErrLocked, l.key)
	}
	if err != nil {
		return nil, err
	}
	return holdLease(lock, l.key, l.ttl, l.logger), nil
}

// lease is the part of *redislock.Lock used while a run holds the lock.
type lease interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

// holdLease refreshes the lease every ttl/2 until released. A refresh that
// finds the key gone marks the lease lost; transient errors are retried on
// the next tick. Release reports a lost lease as ErrLockLost.
func holdLease(lock lease, key string, ttl time.Duration, logger zerolog.Logger) Release {
	refreshCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	var lost error
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				err := lock.Refresh(refreshCtx, ttl, nil)
				if err == nil || refreshCtx.Err() != nil {
					continue
				}
				if errors.Is(err, redislock.ErrNotObtained) {
					logger.Error().Err(err).Str("key", key).Msg("run lock lost")
					lost = err
					return
				}
				logger.Warn().Err(err).Str("key", key).Msg("run lock refresh failed")
			}
		}
	}()

	var once sync.Once
	var result error
	return func() error {
		once.Do(func() {
			stop()
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := lock.Release(releaseCtx)
			switch {
			case lost != nil:
				result = fmt.Errorf("%w: redis key %s: %v", ErrLockLost, key, lost)
			case errors.Is(err, redislock.ErrLockNotHeld):
				result = fmt.Errorf("%w: redis key %s expired before release", ErrLockLost, key)
			default:
				result = err
			}
		})
		return result
	}
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
