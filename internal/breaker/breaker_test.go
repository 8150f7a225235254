package breaker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/shielderrors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:                  true,
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          20,
		ResetTimeout:             30 * time.Second,
		WindowSize:               10 * time.Second,
		NumBuckets:               10,
	}
}

func exec(b *Breaker, fail bool) error {
	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return "ok", nil
	})
	return err
}

func TestBreakerOpensOnVolumeAndErrorRate(t *testing.T) {
	b := New("backend", testConfig(), Hooks{})

	// 19 calls at 100% failure: volume threshold not met, stays closed.
	for i := 0; i < 19; i++ {
		exec(b, true)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state below volume threshold = %s, want closed", got)
	}

	b2 := New("backend2", testConfig(), Hooks{})
	for i := 0; i < 10; i++ {
		exec(b2, false)
	}
	for i := 0; i < 9; i++ {
		exec(b2, true)
	}
	// 19 fires, 9 failures: under both thresholds.
	if got := b2.State(); got != StateClosed {
		t.Fatalf("state at 19 fires = %s, want closed", got)
	}
	// 20th call brings volume to 20 and failures to 10 (50%).
	exec(b2, true)
	if got := b2.State(); got != StateOpen {
		t.Fatalf("state at volume 20, 50%% failures = %s, want open", got)
	}
}

func TestBreakerOpenShortCircuits(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeThreshold = 1
	cfg.ErrorThresholdPercentage = 1
	b := New("backend", cfg, Hooks{})

	exec(b, true)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after trip = %s, want open", got)
	}

	invoked := false
	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	if !errors.Is(err, shielderrors.ErrCircuitOpen) {
		t.Fatalf("error = %v, want circuit open", err)
	}
	if invoked {
		t.Fatal("operation ran while breaker was open")
	}

	var se *shielderrors.Error
	if !errors.As(err, &se) {
		t.Fatal("rejection is not a shield error")
	}
	if se.RetryAfter <= 0 {
		t.Errorf("retry-after hint = %v, want positive", se.RetryAfter)
	}
	if got := b.Snapshot().ShortCircuits; got != 1 {
		t.Errorf("short circuits = %d, want 1", got)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeThreshold = 1
	cfg.ErrorThresholdPercentage = 1
	clk := newFakeClock()
	b := New("backend", cfg, Hooks{})
	b.now = clk.Now

	exec(b, true)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after trip = %s, want open", got)
	}

	clk.Advance(cfg.ResetTimeout)
	if err := b.allow(); err != nil {
		t.Fatalf("first probe after reset timeout rejected: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after probe admission = %s, want half_open", got)
	}
	// Warm-up disabled: exactly one probe in flight.
	if err := b.allow(); err == nil {
		t.Fatal("second probe admitted without warm-up")
	}

	b.record(true, false, time.Millisecond)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after probe success = %s, want closed", got)
	}
	if got := b.Snapshot().Fires; got != 0 {
		t.Errorf("window fires after close = %d, want 0 (reset)", got)
	}
}

func TestBreakerWarmUpVolume(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeThreshold = 1
	cfg.ErrorThresholdPercentage = 1
	cfg.AllowWarmUp = true
	cfg.WarmUpCallVolume = 3
	clk := newFakeClock()
	b := New("backend", cfg, Hooks{})
	b.now = clk.Now

	exec(b, true)
	clk.Advance(cfg.ResetTimeout)

	for i := 0; i < 3; i++ {
		if err := b.allow(); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
	}
	if err := b.allow(); err == nil {
		t.Fatal("probe beyond warm-up volume admitted")
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeThreshold = 1
	cfg.ErrorThresholdPercentage = 1
	clk := newFakeClock()
	b := New("backend", cfg, Hooks{})
	b.now = clk.Now

	exec(b, true)
	clk.Advance(cfg.ResetTimeout)
	if err := b.allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.record(false, false, time.Millisecond)

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after probe failure = %s, want open", got)
	}
	// Timeout restarts from the failed probe; the next call is rejected.
	if err := b.allow(); err == nil {
		t.Fatal("call admitted right after reopen")
	}
	clk.Advance(cfg.ResetTimeout)
	if err := b.allow(); err != nil {
		t.Fatalf("probe after second reset timeout rejected: %v", err)
	}
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	b := New("backend", cfg, Hooks{})

	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	snap := b.Snapshot()
	if snap.Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", snap.Timeouts)
	}
	if snap.Failures != 1 {
		t.Errorf("failures = %d, want 1 (timeout counts as failure)", snap.Failures)
	}
}

func TestBreakerCallerCancelIsNotTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = time.Second
	b := New("backend", cfg, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got := b.Snapshot().Timeouts; got != 0 {
		t.Errorf("timeouts = %d, want 0", got)
	}
}

func TestBreakerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	cfg.VolumeThreshold = 1
	cfg.ErrorThresholdPercentage = 1
	b := New("backend", cfg, Hooks{})

	for i := 0; i < 50; i++ {
		exec(b, true)
	}
	if got := b.State(); got != StateDisabled {
		t.Fatalf("state = %s, want disabled", got)
	}
	if err := exec(b, false); err != nil {
		t.Fatalf("disabled breaker rejected a call: %v", err)
	}

	b.Enable()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after enable = %s, want closed", got)
	}
}

func TestBreakerHealthCheckForcesOpen(t *testing.T) {
	var mu sync.Mutex
	healthy := false
	clk := newFakeClock()
	b := New("backend", testConfig(), Hooks{
		HealthCheck: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		},
	})
	b.now = clk.Now

	if err := exec(b, false); !errors.Is(err, shielderrors.ErrCircuitOpen) {
		t.Fatalf("error = %v, want circuit open while unhealthy", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	mu.Lock()
	healthy = true
	mu.Unlock()
	clk.Advance(31 * time.Second)
	if err := exec(b, false); err != nil {
		t.Fatalf("probe after recovery rejected: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after recovered probe = %s, want closed", got)
	}
}

func TestBreakerFallback(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeThreshold = 1
	cfg.ErrorThresholdPercentage = 1
	b := New("backend", cfg, Hooks{
		Fallback: func(ctx context.Context, cause error) (any, error) {
			if !errors.Is(cause, shielderrors.ErrCircuitOpen) {
				t.Errorf("fallback cause = %v, want circuit open", cause)
			}
			return "degraded", nil
		},
	})

	exec(b, true)
	result, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "live", nil
	})
	if err != nil {
		t.Fatalf("fallback path returned error: %v", err)
	}
	if result != "degraded" {
		t.Fatalf("result = %v, want degraded", result)
	}
	if got := b.Snapshot().Fallbacks; got != 1 {
		t.Errorf("fallbacks = %d, want 1", got)
	}
}

func TestBreakerSnapshotIdempotent(t *testing.T) {
	b := New("backend", testConfig(), Hooks{})
	for i := 0; i < 7; i++ {
		exec(b, i%2 == 0)
	}

	first := b.Snapshot()
	second := b.Snapshot()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("consecutive snapshots differ:\n%+v\n%+v", first, second)
	}
	if first.Fires != 7 {
		t.Errorf("fires = %d, want 7", first.Fires)
	}
}

func TestWindowRotationExpiresOldBuckets(t *testing.T) {
	now := time.Now()
	w := newRollingWindow(time.Second, 10, now)

	b := w.current(now)
	b.fires = 5
	b.failures = 5

	if got := w.totals(now.Add(500 * time.Millisecond)).fires; got != 5 {
		t.Fatalf("fires inside window = %d, want 5", got)
	}
	if got := w.totals(now.Add(2 * time.Second)).fires; got != 0 {
		t.Fatalf("fires past window = %d, want 0", got)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(testConfig(), Hooks{})

	a := reg.Get("a")
	if again := reg.Get("a"); again != a {
		t.Fatal("Get created a second breaker for the same name")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("Lookup invented a breaker")
	}
	if got := reg.State("missing"); got != StateClosed {
		t.Fatalf("state of unknown breaker = %s, want closed", got)
	}

	cfg := testConfig()
	cfg.VolumeThreshold = 1
	cfg.ErrorThresholdPercentage = 1
	reg.Create("b", cfg, Hooks{})
	exec(reg.Get("b"), true)
	if got := reg.State("b"); got != StateOpen {
		t.Fatalf("state of b = %s, want open", got)
	}

	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d entries, want 2", len(snaps))
	}
	if _, ok := reg.Stats("b"); !ok {
		t.Fatal("stats for existing breaker missing")
	}

	reg.Remove("b")
	if _, ok := reg.Lookup("b"); ok {
		t.Fatal("breaker survived Remove")
	}
	reg.Close()
	if _, ok := reg.Lookup("a"); ok {
		t.Fatal("breaker survived Close")
	}
}
