package overload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/shielderrors"
)

func waitDepth(t *testing.T, c *Controller, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().QueueDepth >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (at %d)", depth, c.Status().QueueDepth)
}

func TestControllerAdmitsUnderThreshold(t *testing.T) {
	c := New(config.OverloadConfig{MaxConcurrent: 2}, Hooks{})
	defer c.Close()

	a, err := c.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	b, err := c.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	st := c.Status()
	if st.CurrentRequests != 2 {
		t.Errorf("current = %d, want 2", st.CurrentRequests)
	}
	if st.TotalAdmitted != 2 {
		t.Errorf("admitted = %d, want 2", st.TotalAdmitted)
	}

	c.Release(a)
	c.Release(b)
	if got := c.Status().CurrentRequests; got != 0 {
		t.Errorf("current after release = %d, want 0", got)
	}
}

func TestControllerQueueFullRejectsAndReleasePromotes(t *testing.T) {
	c := New(config.OverloadConfig{
		MaxConcurrent: 2,
		MaxQueueSize:  1,
		QueueTimeout:  2 * time.Second,
	}, Hooks{})
	defer c.Close()

	a, _ := c.Acquire(context.Background(), 0)
	c.Acquire(context.Background(), 0)

	type result struct {
		ticket *Ticket
		err    error
	}
	third := make(chan result, 1)
	go func() {
		tk, err := c.Acquire(context.Background(), 0)
		third <- result{tk, err}
	}()
	waitDepth(t, c, 1)

	// Queue is full: the 4th caller is rejected immediately.
	_, err := c.Acquire(context.Background(), 0)
	if !errors.Is(err, shielderrors.ErrOverloadRejected) {
		t.Fatalf("fourth acquire error = %v, want overload rejection", err)
	}
	var se *shielderrors.Error
	if errors.As(err, &se) && se.Details != "queue full" {
		t.Errorf("details = %q, want queue full", se.Details)
	}

	// Releasing a holder promotes the queued caller.
	c.Release(a)
	select {
	case r := <-third:
		if r.err != nil {
			t.Fatalf("queued acquire after release: %v", r.err)
		}
		c.Release(r.ticket)
	case <-time.After(time.Second):
		t.Fatal("queued caller was not promoted")
	}
}

func TestControllerQueueTimeout(t *testing.T) {
	c := New(config.OverloadConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  4,
		QueueTimeout:  50 * time.Millisecond,
	}, Hooks{})
	defer c.Close()

	holder, _ := c.Acquire(context.Background(), 0)
	defer c.Release(holder)

	start := time.Now()
	_, err := c.Acquire(context.Background(), 0)
	if !errors.Is(err, shielderrors.ErrOverloadRejected) {
		t.Fatalf("error = %v, want overload rejection", err)
	}
	var se *shielderrors.Error
	if errors.As(err, &se) && se.Details != "queue timeout" {
		t.Errorf("details = %q, want queue timeout", se.Details)
	}
	if waited := time.Since(start); waited < 40*time.Millisecond {
		t.Errorf("returned after %v, want ~50ms wait", waited)
	}

	st := c.Status()
	if st.TotalTimeouts != 1 {
		t.Errorf("timeouts = %d, want 1", st.TotalTimeouts)
	}
	if st.QueueDepth != 0 {
		t.Errorf("queue depth after timeout = %d, want 0", st.QueueDepth)
	}
}

func TestControllerCancelWhileQueued(t *testing.T) {
	c := New(config.OverloadConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  4,
		QueueTimeout:  2 * time.Second,
	}, Hooks{})
	defer c.Close()

	holder, _ := c.Acquire(context.Background(), 0)
	defer c.Release(holder)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, 0)
		errc <- err
	}()
	waitDepth(t, c, 1)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
	if got := c.Status().QueueDepth; got != 0 {
		t.Errorf("queue depth after cancel = %d, want 0", got)
	}
}

func TestControllerCloseWakesWaiters(t *testing.T) {
	c := New(config.OverloadConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  4,
		QueueTimeout:  2 * time.Second,
	}, Hooks{})

	c.Acquire(context.Background(), 0)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), 0)
		errc <- err
	}()
	waitDepth(t, c, 1)
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, shielderrors.ErrOverloadRejected) {
			t.Fatalf("error = %v, want overload rejection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

func TestControllerReleaseIdempotent(t *testing.T) {
	c := New(config.OverloadConfig{MaxConcurrent: 2}, Hooks{})
	defer c.Close()

	tk, _ := c.Acquire(context.Background(), 0)
	c.Release(tk)
	c.Release(tk)
	if got := c.Status().CurrentRequests; got != 0 {
		t.Errorf("current after double release = %d, want 0", got)
	}
}

func TestControllerPromotionOrder(t *testing.T) {
	type admitted struct {
		arrival int
		ticket  *Ticket
	}
	cases := []struct {
		strategy   string
		custom     PickFunc
		priorities []int
		want       []int // arrival indices in promotion order
	}{
		{strategy: "fifo", priorities: []int{0, 0, 0}, want: []int{0, 1, 2}},
		{strategy: "lifo", priorities: []int{0, 0, 0}, want: []int{2, 1, 0}},
		{strategy: "priority", priorities: []int{1, 3, 2}, want: []int{1, 2, 0}},
		{strategy: "priority", priorities: []int{2, 2, 2}, want: []int{0, 1, 2}}, // ties by arrival
		{strategy: "custom", custom: func(q []*Ticket) int { return len(q) / 2 },
			priorities: []int{0, 1, 2}, want: []int{1, 2, 0}},
	}

	for _, tc := range cases {
		t.Run(tc.strategy, func(t *testing.T) {
			c := New(config.OverloadConfig{
				MaxConcurrent: 1,
				MaxQueueSize:  8,
				QueueTimeout:  5 * time.Second,
				ShedStrategy:  tc.strategy,
			}, Hooks{CustomShed: tc.custom})
			defer c.Close()

			holder, _ := c.Acquire(context.Background(), 0)

			got := make(chan admitted, len(tc.priorities))
			for i, pr := range tc.priorities {
				i, pr := i, pr
				go func() {
					tk, err := c.Acquire(context.Background(), pr)
					if err != nil {
						t.Errorf("waiter %d: %v", i, err)
						return
					}
					got <- admitted{arrival: i, ticket: tk}
				}()
				waitDepth(t, c, i+1)
			}

			c.Release(holder)
			for step, want := range tc.want {
				select {
				case a := <-got:
					if a.arrival != want {
						t.Fatalf("promotion %d = arrival %d, want %d", step, a.arrival, want)
					}
					c.Release(a.ticket)
				case <-time.After(time.Second):
					t.Fatalf("promotion %d never happened", step)
				}
			}
		})
	}
}

func TestControllerRandomPromotesEveryone(t *testing.T) {
	c := New(config.OverloadConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  8,
		QueueTimeout:  5 * time.Second,
		ShedStrategy:  "random",
	}, Hooks{})
	defer c.Close()

	holder, _ := c.Acquire(context.Background(), 0)
	got := make(chan *Ticket, 3)
	for i := 0; i < 3; i++ {
		go func() {
			tk, err := c.Acquire(context.Background(), 0)
			if err == nil {
				got <- tk
			}
		}()
		waitDepth(t, c, i+1)
	}

	c.Release(holder)
	for i := 0; i < 3; i++ {
		select {
		case tk := <-got:
			c.Release(tk)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never admitted", i)
		}
	}
}

func TestControllerAdaptiveThreshold(t *testing.T) {
	score := 1.0
	c := New(config.OverloadConfig{
		MaxConcurrent: 8,
		Adaptive: config.AdaptiveConfig{
			Enabled:            true,
			MinThreshold:       2,
			MaxThreshold:       10,
			AdjustmentInterval: time.Hour, // test drives adjust directly
		},
	}, Hooks{Health: func() float64 { return score }})
	defer c.Close()

	if got := c.Threshold(); got != 8 {
		t.Fatalf("initial threshold = %d, want 8", got)
	}

	c.adjust() // healthy: additive increase
	c.adjust()
	if got := c.Threshold(); got != 10 {
		t.Fatalf("threshold after growth = %d, want 10", got)
	}
	c.adjust() // clamped at max
	if got := c.Threshold(); got != 10 {
		t.Fatalf("threshold at max = %d, want 10", got)
	}

	score = 0.375 // multiplicative decrease: 10 * .375/.75 = 5
	c.adjust()
	if got := c.Threshold(); got != 5 {
		t.Fatalf("threshold after decrease = %d, want 5", got)
	}

	score = 0
	c.adjust()
	if got := c.Threshold(); got != 2 {
		t.Fatalf("threshold at floor = %d, want 2 (clamped)", got)
	}

	if got := c.Status().LastHealthScore; got != 0 {
		t.Errorf("last health score = %v, want 0", got)
	}
}

func TestManagerLevelsAreIsolated(t *testing.T) {
	m := NewManager(config.PriorityConfig{
		Enabled:      true,
		DefaultLevel: "low",
		Levels: []config.PriorityLevelConfig{
			{Name: "high", Priority: 10, MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 50 * time.Millisecond},
			{Name: "low", Priority: 1, MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 50 * time.Millisecond},
		},
	}, nil)
	defer m.Close()

	// Saturate low: one holding, one queued, the next rejected.
	lowHold, err := m.Acquire(context.Background(), "low")
	if err != nil {
		t.Fatalf("low acquire: %v", err)
	}
	go m.Acquire(context.Background(), "low")
	lc, _ := m.Level("low")
	waitDepth(t, lc, 1)

	// High is untouched by the low-level flood.
	highHold, err := m.Acquire(context.Background(), "high")
	if err != nil {
		t.Fatalf("high acquire during low flood: %v", err)
	}
	highHold.Release()
	lowHold.Release()
}

func TestManagerGlobalGate(t *testing.T) {
	global := New(config.OverloadConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  2,
		QueueTimeout:  2 * time.Second,
	}, Hooks{})
	defer global.Close()

	m := NewManager(config.PriorityConfig{
		Enabled:      true,
		DefaultLevel: "a",
		Levels: []config.PriorityLevelConfig{
			{Name: "a", Priority: 2, MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: time.Second},
			{Name: "b", Priority: 1, MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: time.Second},
		},
	}, global)
	defer m.Close()

	ga, err := m.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}

	type result struct {
		g   *Grant
		err error
	}
	bres := make(chan result, 1)
	go func() {
		g, err := m.Acquire(context.Background(), "b")
		bres <- result{g, err}
	}()
	waitDepth(t, global, 1) // b holds its level slot, waits on the global gate

	ga.Release()
	select {
	case r := <-bres:
		if r.err != nil {
			t.Fatalf("acquire b after release: %v", r.err)
		}
		r.g.Release()
	case <-time.After(time.Second):
		t.Fatal("b never cleared the global gate")
	}
	if got := global.Status().CurrentRequests; got != 0 {
		t.Errorf("global current = %d, want 0", got)
	}
}

func TestManagerUnknownLevelUsesDefault(t *testing.T) {
	m := NewManager(config.PriorityConfig{
		Enabled:      true,
		DefaultLevel: "normal",
		Levels: []config.PriorityLevelConfig{
			{Name: "normal", Priority: 5, MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 50 * time.Millisecond},
		},
	}, nil)
	defer m.Close()

	g, err := m.Acquire(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if g.LevelName != "normal" {
		t.Errorf("level = %q, want normal", g.LevelName)
	}
	g.Release()
}

func TestQueueRemoveAtReindexes(t *testing.T) {
	var q waitQueue
	now := time.Now()
	for i := 0; i < 4; i++ {
		q.push(newTicket(0, uint64(i), now))
	}
	q.removeAt(1)
	for i, tk := range q.entries {
		if tk.index != i {
			t.Fatalf("entry %d has index %d", i, tk.index)
		}
	}
	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}
}

func TestPickerFallbacks(t *testing.T) {
	if pickerFor("custom", nil) == nil {
		t.Fatal("custom without function returned nil picker")
	}
	var q waitQueue
	now := time.Now()
	for i := 0; i < 3; i++ {
		q.push(newTicket(0, uint64(i), now))
	}
	// Out-of-range custom picks fall back to the head.
	tk := q.take(func(q []*Ticket) int { return 99 })
	if tk.seq != 0 {
		t.Fatalf("fallback promoted seq %d, want 0", tk.seq)
	}
}
