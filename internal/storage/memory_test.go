package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryIncrementCreatesWithTTL(t *testing.T) {
	s := NewMemory(time.Minute)
	defer s.Close()
	ctx := context.Background()

	n, err := s.Increment(ctx, "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if n != 1 {
		t.Errorf("first increment = %d, want 1", n)
	}
	n, _ = s.Increment(ctx, "k", 50*time.Millisecond)
	if n != 2 {
		t.Errorf("second increment = %d, want 2", n)
	}

	d, found, err := s.TTL(ctx, "k")
	if err != nil || !found {
		t.Fatalf("TTL: d=%v found=%v err=%v", d, found, err)
	}
	if d <= 0 || d > 50*time.Millisecond {
		t.Errorf("TTL = %v, want in (0, 50ms]", d)
	}

	time.Sleep(60 * time.Millisecond)
	n, _ = s.Increment(ctx, "k", 50*time.Millisecond)
	if n != 1 {
		t.Errorf("increment after expiry = %d, want 1 (fresh window)", n)
	}
}

func TestMemoryIncrementConcurrent(t *testing.T) {
	s := NewMemory(time.Minute)
	defer s.Close()
	ctx := context.Background()

	const goroutines = 16
	const each = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				if _, err := s.Increment(ctx, "counter", time.Minute); err != nil {
					t.Errorf("Increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	v, ok, err := s.Get(ctx, "counter")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if v != "1600" {
		t.Errorf("counter = %s, want 1600", v)
	}
}

func TestMemoryDecrementClampsAtZero(t *testing.T) {
	s := NewMemory(time.Minute)
	defer s.Close()
	ctx := context.Background()

	// Missing key is not created
	n, err := s.Decrement(ctx, "gone")
	if err != nil || n != 0 {
		t.Errorf("Decrement missing = %d, %v; want 0, nil", n, err)
	}
	if ok, _ := s.Exists(ctx, "gone"); ok {
		t.Error("Decrement created a missing key")
	}

	s.Increment(ctx, "k", time.Minute)
	n, _ = s.Decrement(ctx, "k")
	if n != 0 {
		t.Errorf("Decrement = %d, want 0", n)
	}
	n, _ = s.Decrement(ctx, "k")
	if n != 0 {
		t.Errorf("Decrement below zero = %d, want 0", n)
	}
}

func TestMemoryGetSetExpiry(t *testing.T) {
	s := NewMemory(time.Minute)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "a", "hello", 40*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, _ := s.Get(ctx, "a")
	if !ok || v != "hello" {
		t.Errorf("Get = %q, %v; want hello, true", v, ok)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Error("Get returned an expired entry")
	}
	if _, found, _ := s.TTL(ctx, "a"); found {
		t.Error("TTL found an expired entry")
	}
}

func TestMemoryExpireAndPersistentTTL(t *testing.T) {
	s := NewMemory(time.Minute)
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "a", "v", 0)
	d, found, _ := s.TTL(ctx, "a")
	if !found || d != 0 {
		t.Errorf("TTL without expiry = %v, %v; want 0, true", d, found)
	}

	if err := s.Expire(ctx, "a", 30*time.Millisecond); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _ := s.Exists(ctx, "a"); ok {
		t.Error("entry survived Expire deadline")
	}
}

func TestMemoryBatchAndScan(t *testing.T) {
	s := NewMemory(time.Minute)
	defer s.Close()
	ctx := context.Background()

	pairs := map[string]string{
		"shield:rl:a": "1",
		"shield:rl:b": "2",
		"shield:cb:c": "3",
	}
	if err := s.MSet(ctx, pairs, time.Minute); err != nil {
		t.Fatalf("MSet: %v", err)
	}

	got, err := s.MGet(ctx, "shield:rl:a", "shield:rl:b", "shield:missing")
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != 2 || got["shield:rl:a"] != "1" || got["shield:rl:b"] != "2" {
		t.Errorf("MGet = %v", got)
	}

	keys, err := s.Scan(ctx, "shield:rl:*", 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Scan matched %d keys, want 2: %v", len(keys), keys)
	}

	keys, _ = s.Scan(ctx, "shield:*", 1)
	if len(keys) != 1 {
		t.Errorf("Scan with limit returned %d keys, want 1", len(keys))
	}
}
