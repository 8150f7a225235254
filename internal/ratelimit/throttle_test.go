package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/protection"
)

func TestThrottlerWindowAndReset(t *testing.T) {
	cfg := config.ThrottleConfig{Enabled: true, Limit: 2, TTL: 300 * time.Millisecond, KeyStrategy: "ip"}
	th := NewThrottler(cfg, testStore(t), nil)
	defer th.Close()

	ctx := context.Background()
	pctx := &protection.Context{IP: "10.2.2.2"}

	alignWindow(cfg.TTL)
	for i := 0; i < 2; i++ {
		d, err := th.Allow(ctx, pctx)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("Allow %d denied inside the window limit", i)
		}
	}

	d, err := th.Allow(ctx, pctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("3rd request in window should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > cfg.TTL {
		t.Errorf("RetryAfter = %v, want within the window", d.RetryAfter)
	}

	// No block escalation: the next window admits again.
	time.Sleep(d.RetryAfter + 10*time.Millisecond)
	d, err = th.Allow(ctx, pctx)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("request after window rollover denied")
	}

	snap := th.Snapshot()
	if snap.TotalAllowed != 3 || snap.TotalDenied != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestThrottlerKeysIsolate(t *testing.T) {
	cfg := config.ThrottleConfig{Enabled: true, Limit: 1, TTL: time.Minute, KeyStrategy: "ip"}
	th := NewThrottler(cfg, testStore(t), nil)
	defer th.Close()

	ctx := context.Background()
	if d, err := th.Allow(ctx, &protection.Context{IP: "10.3.0.1"}); err != nil || !d.Allowed {
		t.Fatalf("first client: d=%+v err=%v", d, err)
	}
	if d, err := th.Allow(ctx, &protection.Context{IP: "10.3.0.1"}); err != nil || d.Allowed {
		t.Fatalf("first client second call: d=%+v err=%v", d, err)
	}
	if d, err := th.Allow(ctx, &protection.Context{IP: "10.3.0.2"}); err != nil || !d.Allowed {
		t.Fatalf("second client: d=%+v err=%v", d, err)
	}
}

func TestThrottlerPacingSmoothsBursts(t *testing.T) {
	cfg := config.ThrottleConfig{
		Enabled:     true,
		Limit:       5,
		TTL:         time.Second,
		KeyStrategy: "ip",
		Pacing:      true,
	}
	th := NewThrottler(cfg, testStore(t), nil)
	defer th.Close()

	ctx := context.Background()
	pctx := &protection.Context{IP: "10.4.4.4"}

	// The full burst is admitted, then the bucket is dry.
	for i := 0; i < 5; i++ {
		d, err := th.Allow(ctx, pctx)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("burst request %d denied", i)
		}
	}
	d, err := th.Allow(ctx, pctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("exhausted bucket admitted a request")
	}
	if d.RetryAfter <= 0 {
		t.Fatal("paced denial carries no retry hint")
	}

	// One fill interval later a single token is back.
	time.Sleep(d.RetryAfter + 20*time.Millisecond)
	d, err = th.Allow(ctx, pctx)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("refilled token not granted")
	}
}

func TestThrottlerDefaults(t *testing.T) {
	th := NewThrottler(config.ThrottleConfig{Enabled: true}, testStore(t), nil)
	defer th.Close()

	d, err := th.Allow(context.Background(), &protection.Context{IP: "10.5.5.5"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("default limits denied the first request")
	}
	if d.Remaining != 19 {
		t.Errorf("Remaining = %d, want 19 under the default limit", d.Remaining)
	}
}
