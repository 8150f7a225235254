package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/keygen"
	"github.com/ali-master/shield/internal/protection"
	"github.com/ali-master/shield/internal/storage"
)

// Throttler denies bursts inside a short window. Unlike the limiter there
// is no block escalation: the window resets and traffic flows again. With
// pacing enabled it switches from hard windows to token-bucket smoothing.
type Throttler struct {
	cfg   config.ThrottleConfig
	store storage.Store
	keys  *keygen.Builder

	// Pacing mode state: one token bucket per key, pruned when idle.
	pacers  map[string]*rate.Limiter
	pacerMu sync.Mutex
	prate   rate.Limit
	pburst  int
	stop    chan struct{}
	once    sync.Once

	totalAllowed atomic.Int64
	totalDenied  atomic.Int64
}

// NewThrottler creates a Throttler. keys may be nil to use the configured
// strategy.
func NewThrottler(cfg config.ThrottleConfig, store storage.Store, keys *keygen.Builder) *Throttler {
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if keys == nil {
		keys = keygen.New("throttle", cfg.KeyStrategy)
	}
	t := &Throttler{
		cfg:   cfg,
		store: store,
		keys:  keys,
		stop:  make(chan struct{}),
	}
	if cfg.Pacing {
		t.pacers = make(map[string]*rate.Limiter)
		t.prate = rate.Limit(float64(cfg.Limit) / cfg.TTL.Seconds())
		t.pburst = cfg.Limit
		go t.cleanupLoop()
	}
	return t
}

// Allow checks whether pctx may proceed inside the current window.
func (t *Throttler) Allow(ctx context.Context, pctx *protection.Context) (Decision, error) {
	key := t.keys.Key(pctx)

	if t.cfg.Pacing {
		return t.allowPaced(key), nil
	}

	now := time.Now()
	ttlMs := t.cfg.TTL.Milliseconds()
	bucket := now.UnixMilli() / ttlMs
	wkey := key + ":" + strconv.FormatInt(bucket, 10)
	resetAt := time.UnixMilli((bucket + 1) * ttlMs)

	n, err := t.store.Increment(ctx, wkey, t.cfg.TTL)
	if err != nil {
		return Decision{}, err
	}
	if n > int64(t.cfg.Limit) {
		t.totalDenied.Add(1)
		return Decision{
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: time.Until(resetAt),
			Key:        wkey,
		}, nil
	}

	t.totalAllowed.Add(1)
	return Decision{
		Allowed:   true,
		Remaining: int64(t.cfg.Limit) - n,
		ResetAt:   resetAt,
		Key:       wkey,
	}, nil
}

func (t *Throttler) allowPaced(key string) Decision {
	lim := t.getPacer(key)
	if lim.Allow() {
		t.totalAllowed.Add(1)
		return Decision{
			Allowed:   true,
			Remaining: int64(lim.Tokens()),
			Key:       key,
		}
	}
	t.totalDenied.Add(1)
	// Next token lands one fill interval from now
	retry := time.Duration(float64(time.Second) / float64(t.prate))
	return Decision{
		Remaining:  0,
		ResetAt:    time.Now().Add(retry),
		RetryAfter: retry,
		Key:        key,
	}
}

func (t *Throttler) getPacer(key string) *rate.Limiter {
	t.pacerMu.Lock()
	defer t.pacerMu.Unlock()
	lim, ok := t.pacers[key]
	if !ok {
		lim = rate.NewLimiter(t.prate, t.pburst)
		t.pacers[key] = lim
	}
	return lim
}

func (t *Throttler) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.pacerMu.Lock()
			// Remove buckets that refilled completely (idle keys)
			for key, lim := range t.pacers {
				if lim.Tokens() >= float64(t.pburst) {
					delete(t.pacers, key)
				}
			}
			t.pacerMu.Unlock()
		case <-t.stop:
			return
		}
	}
}

// Close stops the pacer cleanup loop.
func (t *Throttler) Close() {
	t.once.Do(func() { close(t.stop) })
}

// Snapshot returns a point-in-time metrics snapshot.
func (t *Throttler) Snapshot() Snapshot {
	return Snapshot{
		TotalAllowed: t.totalAllowed.Load(),
		TotalDenied:  t.totalDenied.Load(),
	}
}
