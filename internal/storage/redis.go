package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/ali-master/shield/internal/logging"
	"github.com/ali-master/shield/internal/shielderrors"
)

// incrExpireScript atomically increments a counter and applies the window
// expiry only when the key is created. Callers racing on a fresh window all
// observe the same deadline.
var incrExpireScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// decrScript lowers a counter without creating missing keys and without
// going below zero.
var decrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local v = redis.call('DECR', KEYS[1])
if v < 0 then
    redis.call('SET', KEYS[1], '0', 'KEEPTTL')
    return 0
end
return v
`)

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addrs        []string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisStore is a Store backed by Redis. Every call runs behind a circuit
// breaker so a dead backend fails fast with a storage error instead of
// stalling admission decisions on connect timeouts.
type RedisStore struct {
	client redis.UniversalClient
	guard  *gobreaker.CircuitBreaker[any]
}

// NewRedis creates a Redis store. The connection is established lazily;
// use Ping to probe it at startup.
func NewRedis(cfg RedisConfig) *RedisStore {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	return &RedisStore{client: client, guard: newRedisGuard()}
}

// NewRedisWithClient wraps an existing client, mainly for tests and for
// sharing one connection pool with the cluster bus.
func NewRedisWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, guard: newRedisGuard()}
}

func newRedisGuard() *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "redis-store",
		MaxRequests: 3,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a backend failure
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("redis store guard state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Ping probes the backend.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do(func() error {
		return s.client.Ping(ctx).Err()
	})
}

// do runs fn behind the guard and folds failures into the storage error
// taxonomy.
func (s *RedisStore) do(fn func() error) error {
	_, err := s.guard.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return shielderrors.Wrap(err, shielderrors.CodeStorage, "redis backend unavailable")
	}
	return shielderrors.Wrap(err, shielderrors.CodeStorage, "redis operation failed")
}

func (s *RedisStore) Get(ctx context.Context, key string) (val string, found bool, err error) {
	err = s.do(func() error {
		v, gerr := s.client.Get(ctx, key).Result()
		if gerr == redis.Nil {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.do(func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.do(func() error {
		return s.client.Del(ctx, key).Err()
	})
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (n int64, err error) {
	err = s.do(func() error {
		v, serr := incrExpireScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
		if serr != nil {
			return serr
		}
		n = v
		return nil
	})
	return n, err
}

func (s *RedisStore) Decrement(ctx context.Context, key string) (n int64, err error) {
	err = s.do(func() error {
		v, serr := decrScript.Run(ctx, s.client, []string{key}).Int64()
		if serr != nil {
			return serr
		}
		n = v
		return nil
	})
	return n, err
}

func (s *RedisStore) Exists(ctx context.Context, key string) (found bool, err error) {
	err = s.do(func() error {
		v, eerr := s.client.Exists(ctx, key).Result()
		if eerr != nil {
			return eerr
		}
		found = v > 0
		return nil
	})
	return found, err
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.do(func() error {
		return s.client.PExpire(ctx, key, ttl).Err()
	})
}

func (s *RedisStore) TTL(ctx context.Context, key string) (d time.Duration, found bool, err error) {
	err = s.do(func() error {
		v, terr := s.client.PTTL(ctx, key).Result()
		if terr != nil {
			return terr
		}
		switch v {
		case -2: // key does not exist
			d, found = 0, false
		case -1: // no expiry
			d, found = 0, true
		default:
			d, found = v, true
		}
		return nil
	})
	return d, found, err
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) (out map[string]string, err error) {
	err = s.do(func() error {
		vals, merr := s.client.MGet(ctx, keys...).Result()
		if merr != nil {
			return merr
		}
		out = make(map[string]string, len(keys))
		for i, v := range vals {
			if sv, ok := v.(string); ok {
				out[keys[i]] = sv
			}
		}
		return nil
	})
	return out, err
}

func (s *RedisStore) MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	return s.do(func() error {
		pipe := s.client.Pipeline()
		for k, v := range pairs {
			pipe.Set(ctx, k, v, ttl)
		}
		_, perr := pipe.Exec(ctx)
		return perr
	})
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, limit int) (keys []string, err error) {
	err = s.do(func() error {
		var cursor uint64
		for {
			batch, next, serr := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if serr != nil {
				return serr
			}
			keys = append(keys, batch...)
			if limit > 0 && len(keys) >= limit {
				keys = keys[:limit]
				return nil
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return keys, err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ Store      = (*RedisStore)(nil)
	_ BatchStore = (*RedisStore)(nil)
	_ ScanStore  = (*RedisStore)(nil)
)
