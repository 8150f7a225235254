// Package guard chains the protections into one admission pipeline:
// rate limiter, throttle, circuit breaker, overload control. The first
// rejection wins and carries full retry metadata.
package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ali-master/shield/internal/breaker"
	"github.com/ali-master/shield/internal/metrics"
	"github.com/ali-master/shield/internal/overload"
	"github.com/ali-master/shield/internal/policy"
	"github.com/ali-master/shield/internal/protection"
	"github.com/ali-master/shield/internal/ratelimit"
	"github.com/ali-master/shield/internal/shielderrors"
	"github.com/ali-master/shield/internal/storage"
)

// Verdict is the outcome of one admission check. A rejected verdict
// carries the taxonomy error with retry metadata; the caller still
// hands the verdict to Finish so held slots are returned and the
// outcome is recorded.
type Verdict struct {
	Allowed   bool
	Policy    string
	RateLimit ratelimit.Decision
	Rejection *shielderrors.Error

	limiter *ratelimit.Limiter
	brk     *breaker.Breaker
	grant   *overload.Grant
	start   time.Time
}

// Guard resolves the policy for each request and runs it through the
// protection chain. Limiters and throttlers are built lazily per policy
// and share one store.
type Guard struct {
	policies  *policy.Registry
	breakers  *breaker.Registry
	admission *overload.Manager
	pipeline  *metrics.Pipeline
	store     storage.Store

	mu         sync.Mutex
	limiters   map[string]*ratelimit.Limiter
	throttlers map[string]*ratelimit.Throttler

	totalChecked      atomic.Int64
	totalAllowed      atomic.Int64
	rejectedRateLimit atomic.Int64
	rejectedThrottle  atomic.Int64
	rejectedBreaker   atomic.Int64
	rejectedOverload  atomic.Int64
}

// New creates a Guard. admission and pipeline may be nil when the
// corresponding protection is disabled.
func New(policies *policy.Registry, breakers *breaker.Registry, admission *overload.Manager, pipeline *metrics.Pipeline, store storage.Store) *Guard {
	return &Guard{
		policies:   policies,
		breakers:   breakers,
		admission:  admission,
		pipeline:   pipeline,
		store:      store,
		limiters:   make(map[string]*ratelimit.Limiter),
		throttlers: make(map[string]*ratelimit.Throttler),
	}
}

func (g *Guard) limiterFor(pol *policy.Policy) *ratelimit.Limiter {
	if !pol.RateLimit.Enabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[pol.Name]; ok {
		return l
	}
	l := ratelimit.New(pol.RateLimit, g.store, nil)
	g.limiters[pol.Name] = l
	return l
}

func (g *Guard) throttlerFor(pol *policy.Policy) *ratelimit.Throttler {
	if !pol.Throttle.Enabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.throttlers[pol.Name]; ok {
		return t
	}
	t := ratelimit.NewThrottler(pol.Throttle, g.store, nil)
	g.throttlers[pol.Name] = t
	return t
}

func (g *Guard) breakerFor(pol *policy.Policy) *breaker.Breaker {
	if g.breakers == nil || !pol.CircuitBreaker.Enabled {
		return nil
	}
	if b, ok := g.breakers.Lookup(pol.Name); ok {
		return b
	}
	return g.breakers.Create(pol.Name, pol.CircuitBreaker, breaker.Hooks{})
}

// Check runs pctx through the chain without executing anything. Errors
// are infrastructure failures only; protection rejections come back as
// a non-allowed Verdict.
func (g *Guard) Check(ctx context.Context, pctx *protection.Context) (*Verdict, error) {
	g.totalChecked.Add(1)
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = time.Now()
	}
	pol := g.policies.Resolve(pctx.Path, pctx.Method)
	v := &Verdict{Policy: pol.Name, start: pctx.Timestamp}

	if lim := g.limiterFor(pol); lim != nil {
		d, err := lim.Consume(ctx, pctx)
		if err != nil {
			return nil, err
		}
		v.limiter = lim
		v.RateLimit = d
		if !d.Allowed {
			g.rejectedRateLimit.Add(1)
			rej := shielderrors.ErrRateLimitExceeded.WithKey(d.Key).WithRetryAfter(d.RetryAfter)
			if d.Blocked {
				rej = rej.WithDetails("key is blocked")
			}
			return g.reject(v, rej), nil
		}
	}

	if thr := g.throttlerFor(pol); thr != nil {
		d, err := thr.Allow(ctx, pctx)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			g.rejectedThrottle.Add(1)
			return g.reject(v, shielderrors.ErrThrottleExceeded.WithKey(d.Key).WithRetryAfter(d.RetryAfter)), nil
		}
	}

	if brk := g.breakerFor(pol); brk != nil {
		v.brk = brk
		if brk.State() == breaker.StateOpen {
			g.rejectedBreaker.Add(1)
			return g.reject(v, shielderrors.ErrCircuitOpen.WithKey(pol.Name)), nil
		}
	}

	if g.admission != nil {
		level := pctx.Level
		if level == "" {
			level = pol.PriorityLevel
		}
		grant, err := g.admission.Acquire(ctx, level)
		if err != nil {
			if se, ok := shielderrors.AsError(err); ok {
				g.rejectedOverload.Add(1)
				return g.reject(v, se), nil
			}
			return nil, err
		}
		v.grant = grant
	}

	v.Allowed = true
	g.totalAllowed.Add(1)
	return v, nil
}

func (g *Guard) reject(v *Verdict, rej *shielderrors.Error) *Verdict {
	v.Rejection = rej
	if g.pipeline != nil {
		g.pipeline.Count("shield_rejections", map[string]string{
			"policy": v.Policy,
			"reason": string(rej.Code),
		}, 1)
	}
	return v
}

// Finish releases the verdict's held slot and records the outcome:
// latency and result counters into the pipeline, plus a rate-limit
// refund when the policy's skip flags exclude this outcome.
func (g *Guard) Finish(ctx context.Context, v *Verdict, out protection.Outcome) {
	if v == nil {
		return
	}
	v.grant.Release()
	v.grant = nil

	if v.Allowed && v.limiter != nil && v.limiter.ShouldRefund(out) {
		if err := v.limiter.Refund(ctx, v.RateLimit.Key); err != nil && g.pipeline != nil {
			g.pipeline.Count("shield_refund_errors", map[string]string{"policy": v.Policy}, 1)
		}
	}

	if g.pipeline == nil {
		return
	}
	labels := map[string]string{"policy": v.Policy, "outcome": outcomeLabel(v, out)}
	g.pipeline.Count("shield_requests", labels, 1)
	d := out.Duration
	if d <= 0 {
		d = time.Since(v.start)
	}
	g.pipeline.Timing("shield_latency_ms", map[string]string{"policy": v.Policy}, d)
}

func outcomeLabel(v *Verdict, out protection.Outcome) string {
	switch {
	case !v.Allowed:
		return "rejected"
	case out.Success:
		return "success"
	default:
		return "failure"
	}
}

// Do admits pctx, runs op under the policy's breaker, and records the
// outcome. A breaker short-circuit still goes through Execute so a
// configured fallback can answer. Other rejections return the taxonomy
// error directly.
func (g *Guard) Do(ctx context.Context, pctx *protection.Context, op breaker.Operation) (any, error) {
	v, err := g.Check(ctx, pctx)
	if err != nil {
		return nil, err
	}

	if !v.Allowed {
		if errors.Is(v.Rejection, shielderrors.ErrCircuitOpen) && v.brk != nil {
			result, err := v.brk.Execute(ctx, op)
			g.Finish(ctx, v, protection.Outcome{Success: err == nil, Err: err})
			return result, err
		}
		g.Finish(ctx, v, protection.Outcome{Success: false, Err: v.Rejection})
		return nil, v.Rejection
	}

	start := time.Now()
	var result any
	if v.brk != nil {
		result, err = v.brk.Execute(ctx, op)
	} else {
		result, err = op(ctx)
	}
	out := protection.Outcome{
		Success:  err == nil,
		Err:      err,
		Duration: time.Since(start),
	}
	g.Finish(ctx, v, out)
	return result, err
}

// Invalidate drops the per-policy limiter and throttler caches so the
// next request builds them from the current policy table. Called after
// a policy swap.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	old := g.throttlers
	g.limiters = make(map[string]*ratelimit.Limiter)
	g.throttlers = make(map[string]*ratelimit.Throttler)
	g.mu.Unlock()

	for _, t := range old {
		t.Close()
	}
}

// Snapshot is a point-in-time view of the guard counters.
type Snapshot struct {
	TotalChecked      int64 `json:"total_checked"`
	TotalAllowed      int64 `json:"total_allowed"`
	RejectedRateLimit int64 `json:"rejected_rate_limit"`
	RejectedThrottle  int64 `json:"rejected_throttle"`
	RejectedBreaker   int64 `json:"rejected_breaker"`
	RejectedOverload  int64 `json:"rejected_overload"`
}

// Stats reports the admission counters.
func (g *Guard) Stats() Snapshot {
	return Snapshot{
		TotalChecked:      g.totalChecked.Load(),
		TotalAllowed:      g.totalAllowed.Load(),
		RejectedRateLimit: g.rejectedRateLimit.Load(),
		RejectedThrottle:  g.rejectedThrottle.Load(),
		RejectedBreaker:   g.rejectedBreaker.Load(),
		RejectedOverload:  g.rejectedOverload.Load(),
	}
}

// Close releases the cached throttlers. Registries, the admission
// manager, and the pipeline are owned by the caller.
func (g *Guard) Close() {
	g.mu.Lock()
	old := g.throttlers
	g.throttlers = make(map[string]*ratelimit.Throttler)
	g.mu.Unlock()

	for _, t := range old {
		t.Close()
	}
}
