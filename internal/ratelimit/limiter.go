// Package ratelimit implements the fixed-window rate limiter and the
// short-window throttle, both backed by the storage contract.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/keygen"
	"github.com/ali-master/shield/internal/protection"
	"github.com/ali-master/shield/internal/storage"
)

// Decision is the outcome of one consumption attempt. Rejections are
// values, not errors; only storage failures surface as errors.
type Decision struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Key        string
	Blocked    bool // an active block marker, not just an exhausted window
}

// Limiter is a fixed-window counter keyed by fingerprint and window bucket.
type Limiter struct {
	cfg   config.RateLimitConfig
	store storage.Store
	keys  *keygen.Builder

	// Caches the ignore-list verdict per user agent so the substring scan
	// runs once per agent, not once per request.
	ignoreCache *expirable.LRU[string, bool]

	totalAllowed atomic.Int64
	totalDenied  atomic.Int64
	totalIgnored atomic.Int64
	totalBlocked atomic.Int64
}

// New creates a Limiter. keys may be nil, in which case the configured
// key strategy is used.
func New(cfg config.RateLimitConfig, store storage.Store, keys *keygen.Builder) *Limiter {
	if cfg.Points <= 0 {
		cfg.Points = 100
	}
	if cfg.Duration <= 0 {
		cfg.Duration = time.Minute
	}
	if keys == nil {
		keys = keygen.New("rl", cfg.KeyStrategy)
	}
	l := &Limiter{
		cfg:   cfg,
		store: store,
		keys:  keys,
	}
	if len(cfg.IgnoreUserAgents) > 0 {
		l.ignoreCache = expirable.NewLRU[string, bool](1024, nil, 10*time.Minute)
	}
	return l
}

// Consume spends one point for pctx. The ignore list is checked before any
// storage access. Concurrent consumers on the same key are counted exactly
// thanks to the store's atomic increment-with-expiry.
func (l *Limiter) Consume(ctx context.Context, pctx *protection.Context) (Decision, error) {
	if l.ignored(pctx.UserAgent) {
		l.totalIgnored.Add(1)
		return Decision{Allowed: true, Remaining: int64(l.cfg.Points)}, nil
	}

	key := l.keys.Key(pctx)
	now := time.Now()

	if l.cfg.BlockDuration > 0 {
		ttl, found, err := l.store.TTL(ctx, key+":block")
		if err != nil {
			return Decision{}, err
		}
		if found {
			if ttl <= 0 {
				ttl = l.cfg.BlockDuration
			}
			l.totalBlocked.Add(1)
			return Decision{
				Remaining:  0,
				ResetAt:    now.Add(ttl),
				RetryAfter: ttl,
				Key:        key,
				Blocked:    true,
			}, nil
		}
	}

	durMs := l.cfg.Duration.Milliseconds()
	bucket := now.UnixMilli() / durMs
	wkey := key + ":" + strconv.FormatInt(bucket, 10)
	resetAt := time.UnixMilli((bucket + 1) * durMs)

	n, err := l.store.Increment(ctx, wkey, l.cfg.Duration)
	if err != nil {
		return Decision{}, err
	}

	if n > int64(l.cfg.Points) {
		l.totalDenied.Add(1)
		retryAfter := time.Until(resetAt)
		if l.cfg.BlockDuration > 0 {
			if err := l.store.Set(ctx, key+":block", "1", l.cfg.BlockDuration); err != nil {
				return Decision{}, err
			}
			retryAfter = l.cfg.BlockDuration
			resetAt = now.Add(l.cfg.BlockDuration)
		}
		return Decision{
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
			Key:        wkey,
		}, nil
	}

	l.totalAllowed.Add(1)
	return Decision{
		Allowed:   true,
		Remaining: int64(l.cfg.Points) - n,
		ResetAt:   resetAt,
		Key:       wkey,
	}, nil
}

// ShouldRefund reports whether the policy's skip flags exclude this outcome
// from counting against the budget.
func (l *Limiter) ShouldRefund(out protection.Outcome) bool {
	if l.cfg.SkipSuccessful && out.Success {
		return true
	}
	if l.cfg.SkipFailed && !out.Success {
		return true
	}
	return false
}

// Refund returns one previously consumed point on the decision's window
// key. A refund after the window rolled over is a no-op.
func (l *Limiter) Refund(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := l.store.Decrement(ctx, key)
	return err
}

// Inspect reads the current counters for a set of window keys, batching
// when the store supports it.
func (l *Limiter) Inspect(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if bs, ok := l.store.(storage.BatchStore); ok {
		vals, err := bs.MGet(ctx, keys...)
		if err != nil {
			return nil, err
		}
		for k, v := range vals {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				out[k] = n
			}
		}
		return out, nil
	}
	for _, k := range keys {
		v, found, err := l.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out, nil
}

func (l *Limiter) ignored(userAgent string) bool {
	if l.ignoreCache == nil || userAgent == "" {
		return false
	}
	if v, ok := l.ignoreCache.Get(userAgent); ok {
		return v
	}
	ignored := false
	for _, pattern := range l.cfg.IgnoreUserAgents {
		if strings.Contains(userAgent, pattern) {
			ignored = true
			break
		}
	}
	l.ignoreCache.Add(userAgent, ignored)
	return ignored
}

// Snapshot returns a point-in-time metrics snapshot.
func (l *Limiter) Snapshot() Snapshot {
	return Snapshot{
		TotalAllowed: l.totalAllowed.Load(),
		TotalDenied:  l.totalDenied.Load(),
		TotalIgnored: l.totalIgnored.Load(),
		TotalBlocked: l.totalBlocked.Load(),
	}
}

// Snapshot is a point-in-time view of limiter activity.
type Snapshot struct {
	TotalAllowed int64 `json:"total_allowed"`
	TotalDenied  int64 `json:"total_denied"`
	TotalIgnored int64 `json:"total_ignored"`
	TotalBlocked int64 `json:"total_blocked"`
}
