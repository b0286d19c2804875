// Package lock serializes gap fills per series. LocalLocker covers a single
// process; RedisLocker extends the guarantee to every replica sharing a
// Redis instance.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
)

const (
	defaultTTL           = 2 * time.Minute
	defaultRetryInterval = 100 * time.Millisecond
	defaultKeyPrefix     = "ohlcv:lock:"
	releaseTimeout       = 5 * time.Second
)

// Locker acquires an exclusive lock on key. The returned unlock func is safe
// to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// New builds the Locker selected by cfg. A nil Locker is returned for type
// "none" or "". The close func releases any client the locker owns.
func New(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (Locker, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Type {
	case "", "none":
		return nil, noop, nil
	case "local":
		return NewLocalLocker(), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		locker := NewRedisLocker(client, RedisOptions{
			KeyPrefix:     cfg.KeyPrefix,
			TTL:           config.Duration(cfg.TTL, defaultTTL),
			RetryInterval: config.Duration(cfg.RetryInterval, defaultRetryInterval),
			Logger:        logger,
		})
		return locker, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown lock type %q", cfg.Type)
	}
}

// LocalLocker is an in-process Locker with one mutex per key. Entries are
// reference counted and dropped once nobody holds or waits on them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

// Lock implements Locker. It gives up with ctx.Err() when ctx ends first.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// held reports how many keys have holders or waiters.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// releaseScript deletes the key only while it still carries our token, so an
// expired lock re-acquired by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a RedisLocker.
type RedisOptions struct {
	KeyPrefix     string
	TTL           time.Duration
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// RedisLocker implements Locker with SET NX PX. Waiters poll every
// RetryInterval. The TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client        redis.UniversalClient
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewRedisLocker wraps client.
func NewRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisLocker{
		client:        client,
		prefix:        opts.KeyPrefix,
		ttl:           opts.TTL,
		retryInterval: opts.RetryInterval,
		logger:        opts.Logger,
	}
}

// Lock implements Locker.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", redisKey, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(redisKey, token) })
	}, nil
}

func (r *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn("failed to release lock", "key", key, "error", err)
		return
	}
	if deleted == 0 {
		r.logger.Warn("lock expired before release", "key", key, "ttl", r.ttl)
	}
}

// HealthCheck pings the Redis server.
func (r *RedisLocker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
