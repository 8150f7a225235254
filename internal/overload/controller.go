// Package overload implements the concurrency gate: a threshold of
// in-flight requests, a bounded wait queue with configurable promotion
// strategies, and an adaptive threshold driven by a health score.
package overload

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/shielderrors"
)

const (
	defaultMaxConcurrent = 100
	defaultMaxQueueSize  = 1000
	defaultQueueTimeout  = 5 * time.Second
	defaultAdjustment    = 10 * time.Second

	// healthyScore is the health level above which the threshold grows
	// additively; below it the threshold shrinks multiplicatively.
	healthyScore = 0.75
)

// HealthFunc reports system health in [0,1]; higher is healthier.
type HealthFunc func() float64

// Hooks carries the optional callbacks wired at construction time.
type Hooks struct {
	// Health drives the adaptive threshold recalculation.
	Health HealthFunc
	// CustomShed is the promotion picker used by the "custom" strategy.
	CustomShed PickFunc
}

// Controller is the global admission gate.
type Controller struct {
	cfg   config.OverloadConfig
	pick  PickFunc
	hooks Hooks

	mu      sync.Mutex
	current int64
	queue   waitQueue
	seq     uint64

	threshold  atomic.Int64
	lastHealth atomic.Uint64 // Float64bits

	totalAdmitted atomic.Int64
	totalQueued   atomic.Int64
	totalRejected atomic.Int64
	totalTimeouts atomic.Int64

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a controller. The adaptive adjustment loop starts only
// when cfg.Adaptive.Enabled and a health hook are both present.
func New(cfg config.OverloadConfig, hooks Hooks) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = defaultQueueTimeout
	}
	if cfg.Adaptive.Enabled {
		if cfg.Adaptive.MinThreshold <= 0 {
			cfg.Adaptive.MinThreshold = 1
		}
		if cfg.Adaptive.MaxThreshold <= 0 {
			cfg.Adaptive.MaxThreshold = cfg.MaxConcurrent
		}
		if cfg.Adaptive.AdjustmentInterval <= 0 {
			cfg.Adaptive.AdjustmentInterval = defaultAdjustment
		}
	}

	c := &Controller{
		cfg:    cfg,
		pick:   pickerFor(cfg.ShedStrategy, hooks.CustomShed),
		hooks:  hooks,
		closed: make(chan struct{}),
	}
	c.threshold.Store(c.initialThreshold())

	if cfg.Adaptive.Enabled && hooks.Health != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.loopDone = make(chan struct{})
		go c.adjustLoop(ctx)
	}
	return c
}

func (c *Controller) initialThreshold() int64 {
	t := int64(c.cfg.MaxConcurrent)
	if !c.cfg.Adaptive.Enabled {
		return t
	}
	if min := int64(c.cfg.Adaptive.MinThreshold); t < min {
		t = min
	}
	if max := int64(c.cfg.Adaptive.MaxThreshold); t > max {
		t = max
	}
	return t
}

// Acquire admits the caller, queues it when the gate is saturated, or
// rejects it outright when the queue is full. A non-nil ticket must be
// returned with Release.
func (c *Controller) Acquire(ctx context.Context, priority int) (*Ticket, error) {
	now := time.Now()

	c.mu.Lock()
	if c.current < c.threshold.Load() {
		c.current++
		c.seq++
		t := newTicket(priority, c.seq, now)
		t.c = c
		c.mu.Unlock()
		c.totalAdmitted.Add(1)
		return t, nil
	}
	if c.queue.len() >= c.cfg.MaxQueueSize {
		c.mu.Unlock()
		c.totalRejected.Add(1)
		return nil, shielderrors.ErrOverloadRejected.WithDetails("queue full")
	}
	c.seq++
	t := newTicket(priority, c.seq, now)
	t.c = c
	c.queue.push(t)
	c.mu.Unlock()
	c.totalQueued.Add(1)

	timer := time.NewTimer(c.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case <-t.admit:
		c.totalAdmitted.Add(1)
		return t, nil
	case <-timer.C:
		if c.takeBack(t) {
			c.totalTimeouts.Add(1)
			c.totalRejected.Add(1)
			return nil, shielderrors.ErrOverloadRejected.
				WithDetails("queue timeout").WithKey(t.ID)
		}
		// Promoted in the same instant the timer fired; the slot is ours.
		c.totalAdmitted.Add(1)
		return t, nil
	case <-ctx.Done():
		if c.takeBack(t) {
			c.totalRejected.Add(1)
			return nil, ctx.Err()
		}
		c.Release(t)
		return nil, ctx.Err()
	case <-c.closed:
		if c.takeBack(t) {
			c.totalRejected.Add(1)
			return nil, shielderrors.ErrOverloadRejected.WithDetails("controller closed")
		}
		c.Release(t)
		return nil, shielderrors.ErrOverloadRejected.WithDetails("controller closed")
	}
}

// takeBack removes t from the wait queue if it is still queued. A false
// return means t was already promoted and holds a slot.
func (c *Controller) takeBack(t *Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.index >= 0 {
		c.queue.removeAt(t.index)
		return true
	}
	return false
}

// Release returns t's slot. When waiters are queued the slot is handed
// directly to the one chosen by the shed strategy, so the in-flight
// count never dips below the threshold under load. Safe to call more
// than once.
func (c *Controller) Release(t *Ticket) {
	if t == nil || t.c != c {
		return
	}
	t.release.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.queue.len() > 0 {
			next := c.queue.take(c.pick)
			close(next.admit)
			return
		}
		c.current--
	})
}

// adjust recalculates the adaptive threshold from the health score:
// additive increase while healthy, multiplicative decrease in proportion
// to how far below healthy the score sits, clamped to the configured
// bounds.
func (c *Controller) adjust() {
	score := c.hooks.Health()
	if math.IsNaN(score) {
		return
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	c.lastHealth.Store(math.Float64bits(score))

	limit := c.threshold.Load()
	if score >= healthyScore {
		limit++
	} else {
		limit = int64(math.Floor(float64(limit) * score / healthyScore))
	}
	if min := int64(c.cfg.Adaptive.MinThreshold); limit < min {
		limit = min
	}
	if max := int64(c.cfg.Adaptive.MaxThreshold); limit > max {
		limit = max
	}
	c.threshold.Store(limit)
}

func (c *Controller) adjustLoop(ctx context.Context) {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.cfg.Adaptive.AdjustmentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.adjust()
		}
	}
}

// Threshold returns the current admission threshold.
func (c *Controller) Threshold() int64 {
	return c.threshold.Load()
}

// AdoptThreshold replaces the adaptive threshold with one computed
// elsewhere, clamped to this controller's own bounds. The health score
// travels with it so status reporting stays truthful on instances that
// did not compute the adjustment. Ignored when the threshold is static.
func (c *Controller) AdoptThreshold(limit int64, health float64) {
	if !c.cfg.Adaptive.Enabled {
		return
	}
	if min := int64(c.cfg.Adaptive.MinThreshold); limit < min {
		limit = min
	}
	if max := int64(c.cfg.Adaptive.MaxThreshold); limit > max {
		limit = max
	}
	c.threshold.Store(limit)
	if !math.IsNaN(health) && health >= 0 && health <= 1 {
		c.lastHealth.Store(math.Float64bits(health))
	}
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	CurrentRequests int64   `json:"current_requests"`
	QueueDepth      int     `json:"queue_depth"`
	Threshold       int64   `json:"threshold"`
	MinThreshold    int     `json:"min_threshold,omitempty"`
	MaxThreshold    int     `json:"max_threshold,omitempty"`
	LastHealthScore float64 `json:"last_health_score"`
	ShedStrategy    string  `json:"shed_strategy"`
	TotalAdmitted   int64   `json:"total_admitted"`
	TotalQueued     int64   `json:"total_queued"`
	TotalRejected   int64   `json:"total_rejected"`
	TotalTimeouts   int64   `json:"total_timeouts"`
}

// Status reports the controller state.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	current := c.current
	depth := c.queue.len()
	c.mu.Unlock()

	strategy := c.cfg.ShedStrategy
	if strategy == "" {
		strategy = "fifo"
	}
	return Snapshot{
		CurrentRequests: current,
		QueueDepth:      depth,
		Threshold:       c.threshold.Load(),
		MinThreshold:    c.cfg.Adaptive.MinThreshold,
		MaxThreshold:    c.cfg.Adaptive.MaxThreshold,
		LastHealthScore: math.Float64frombits(c.lastHealth.Load()),
		ShedStrategy:    strategy,
		TotalAdmitted:   c.totalAdmitted.Load(),
		TotalQueued:     c.totalQueued.Load(),
		TotalRejected:   c.totalRejected.Load(),
		TotalTimeouts:   c.totalTimeouts.Load(),
	}
}

// Close stops the adjustment loop and wakes every queued waiter with a
// rejection.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.loopDone
		}
		close(c.closed)
	})
}
