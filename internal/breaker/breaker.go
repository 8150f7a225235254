// Package breaker implements a rolling-window circuit breaker. A breaker
// trips open once the observed call volume and failure percentage both
// cross their thresholds, fails fast while open, and probes the resource
// with a limited trial volume after a reset timeout.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/logging"
	"github.com/ali-master/shield/internal/shielderrors"
)

// State is the lifecycle state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Operation is the protected call. It must honor ctx cancellation to be
// abandoned on timeout.
type Operation func(ctx context.Context) (any, error)

// Fallback produces a degraded result when the breaker rejects a call.
type Fallback func(ctx context.Context, cause error) (any, error)

// Hooks carries the optional callbacks wired at construction time.
type Hooks struct {
	// Fallback is invoked instead of returning a circuit-open error.
	Fallback Fallback
	// HealthCheck force-opens the breaker when it reports false,
	// independent of the rolling statistics.
	HealthCheck func() bool
}

// Breaker guards a single named resource.
type Breaker struct {
	name  string
	cfg   config.CircuitBreakerConfig
	hooks Hooks

	mu       sync.Mutex
	state    State
	window   *rollingWindow
	openedAt time.Time
	// trialBudget is the number of probe calls admitted per half-open
	// episode; trialStarted counts admissions in the current episode.
	trialBudget  int64
	trialStarted int64

	totalFires         atomic.Int64
	totalSuccesses     atomic.Int64
	totalFailures      atomic.Int64
	totalTimeouts      atomic.Int64
	totalShortCircuits atomic.Int64
	totalFallbacks     atomic.Int64

	now func() time.Time
}

// New creates a breaker for the named resource. Zero config fields fall
// back to working defaults.
func New(name string, cfg config.CircuitBreakerConfig, hooks Hooks) *Breaker {
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10 * time.Second
	}
	if cfg.NumBuckets <= 0 {
		cfg.NumBuckets = 10
	}
	if cfg.ErrorThresholdPercentage <= 0 {
		cfg.ErrorThresholdPercentage = 50
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 20
	}
	if cfg.WarmUpCallVolume <= 0 {
		cfg.WarmUpCallVolume = 1
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		hooks: hooks,
		now:   time.Now,
	}
	b.window = newRollingWindow(cfg.WindowSize, cfg.NumBuckets, b.now())
	if !cfg.Enabled {
		b.state = StateDisabled
	}
	return b
}

// Execute runs op under the breaker. Rejected calls return the fallback
// result when one is configured, otherwise a circuit-open error.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	if err := b.allow(); err != nil {
		b.totalShortCircuits.Add(1)
		if b.hooks.Fallback != nil {
			b.totalFallbacks.Add(1)
			return b.hooks.Fallback(ctx, err)
		}
		return nil, err
	}
	start := b.now()
	result, err, timedOut := b.run(ctx, op)
	b.record(err == nil, timedOut, b.now().Sub(start))
	return result, err
}

// run invokes op, enforcing the configured per-call timeout. The op
// goroutine is abandoned once the deadline fires; the buffered channel
// lets it finish and exit on its own.
func (b *Breaker) run(ctx context.Context, op Operation) (any, error, bool) {
	if b.cfg.Timeout <= 0 {
		result, err := op(ctx)
		return result, err, false
	}
	tctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(tctx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		timedOut := errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil
		return out.result, out.err, timedOut
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err(), false
		}
		return nil, shielderrors.Wrap(tctx.Err(), shielderrors.CodeTimeout,
			"operation timed out").WithKey(b.name), true
	}
}

// allow reports whether a call may proceed, advancing the open to
// half-open transition when the reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateDisabled {
		return nil
	}
	if b.hooks.HealthCheck != nil && !b.hooks.HealthCheck() {
		if b.state != StateOpen {
			b.transition(StateOpen)
		}
		return b.rejection()
	}
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.trialStarted++
			return nil
		}
		return b.rejection()
	case StateHalfOpen:
		if b.trialStarted < b.trialBudget {
			b.trialStarted++
			return nil
		}
		return b.rejection()
	default:
		return nil
	}
}

func (b *Breaker) rejection() error {
	retry := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
	if retry < 0 {
		retry = 0
	}
	return shielderrors.ErrCircuitOpen.WithKey(b.name).WithRetryAfter(retry)
}

// record folds one completed call into the window and evaluates the
// state machine.
func (b *Breaker) record(success, timedOut bool, latency time.Duration) {
	b.totalFires.Add(1)
	switch {
	case success:
		b.totalSuccesses.Add(1)
	case timedOut:
		b.totalTimeouts.Add(1)
	default:
		b.totalFailures.Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bk := b.window.current(now)
	bk.fires++
	bk.latencyNs += int64(latency)
	switch {
	case success:
		bk.successes++
	case timedOut:
		bk.timeouts++
	default:
		bk.failures++
	}

	switch b.state {
	case StateClosed:
		t := b.window.totals(now)
		if t.fires >= int64(b.cfg.VolumeThreshold) && t.failurePct() >= float64(b.cfg.ErrorThresholdPercentage) {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if success {
			b.transition(StateClosed)
		} else {
			b.transition(StateOpen)
		}
	}
}

// transition moves the state machine; callers hold b.mu.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	switch next {
	case StateOpen:
		b.openedAt = b.now()
	case StateHalfOpen:
		b.trialStarted = 0
		b.trialBudget = 1
		if b.cfg.AllowWarmUp {
			b.trialBudget = int64(b.cfg.WarmUpCallVolume)
		}
	case StateClosed:
		b.window.reset(b.now())
	}
	if prev != next {
		logging.Info("circuit breaker state change",
			zap.String("breaker", b.name),
			zap.String("from", prev.String()),
			zap.String("to", next.String()))
	}
}

// State returns the current state without mutating counters.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Disable suspends evaluation; every call passes through unguarded.
func (b *Breaker) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateDisabled)
}

// Enable resumes evaluation from a clean closed state.
func (b *Breaker) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name              string  `json:"name"`
	State             string  `json:"state"`
	Fires             int64   `json:"fires"`
	Successes         int64   `json:"successes"`
	Failures          int64   `json:"failures"`
	Timeouts          int64   `json:"timeouts"`
	FailurePercentage float64 `json:"failure_percentage"`
	MeanLatencyMs     float64 `json:"mean_latency_ms"`
	TotalFires        int64   `json:"total_fires"`
	TotalSuccesses    int64   `json:"total_successes"`
	TotalFailures     int64   `json:"total_failures"`
	TotalTimeouts     int64   `json:"total_timeouts"`
	ShortCircuits     int64   `json:"short_circuits"`
	Fallbacks         int64   `json:"fallbacks"`
}

// Snapshot reports the rolling-window statistics plus lifetime totals.
// Reading does not change any counter.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	t := b.window.totals(b.now())
	state := b.state
	b.mu.Unlock()

	return Snapshot{
		Name:              b.name,
		State:             state.String(),
		Fires:             t.fires,
		Successes:         t.successes,
		Failures:          t.failures + t.timeouts,
		Timeouts:          t.timeouts,
		FailurePercentage: t.failurePct(),
		MeanLatencyMs:     t.meanLatencyMs(),
		TotalFires:        b.totalFires.Load(),
		TotalSuccesses:    b.totalSuccesses.Load(),
		TotalFailures:     b.totalFailures.Load() + b.totalTimeouts.Load(),
		TotalTimeouts:     b.totalTimeouts.Load(),
		ShortCircuits:     b.totalShortCircuits.Load(),
		Fallbacks:         b.totalFallbacks.Load(),
	}
}
