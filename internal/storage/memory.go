package storage

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// entry is a single stored value. Counters live in n; plain values in val.
type entry struct {
	val string
	n   int64
	num bool
	exp int64 // unixnano, 0 = no expiry
}

func (e *entry) expired(now int64) bool {
	return e.exp > 0 && now >= e.exp
}

// MemoryStore is a process-local Store backed by a sharded map. Expired
// entries are dropped lazily on access and swept by a janitor loop.
type MemoryStore struct {
	data     *shardedMap
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewMemory creates a memory store. sweepInterval <= 0 selects the default.
func NewMemory(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	s := &MemoryStore{
		data:     newShardedMap(),
		interval: sweepInterval,
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now().UnixNano()
			s.data.deleteFunc(func(_ string, e *entry) bool {
				return e.expired(now)
			})
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	sh := s.data.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.items[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(time.Now().UnixNano()) {
		delete(sh.items, key)
		return "", false, nil
	}
	if e.num {
		return strconv.FormatInt(e.n, 10), true, nil
	}
	return e.val, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	sh := s.data.getShard(key)
	sh.mu.Lock()
	sh.items[key] = &entry{val: value, exp: exp}
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.data.getShard(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
	return nil
}

// Increment atomically bumps the counter at key, creating it with ttl when
// absent or expired. The expiry is applied only on creation so every hit in
// a window shares the window's deadline.
func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()
	sh := s.data.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.items[key]
	if !ok || e.expired(now.UnixNano()) {
		var exp int64
		if ttl > 0 {
			exp = now.Add(ttl).UnixNano()
		}
		sh.items[key] = &entry{n: 1, num: true, exp: exp}
		return 1, nil
	}
	if !e.num {
		n, err := strconv.ParseInt(e.val, 10, 64)
		if err != nil {
			return 0, errNotCounter(key)
		}
		e.n, e.num, e.val = n, true, ""
	}
	e.n++
	return e.n, nil
}

// Decrement lowers the counter, clamping at zero. Missing keys are not
// created: a refund after the window rolled over has nothing to return to.
func (s *MemoryStore) Decrement(_ context.Context, key string) (int64, error) {
	sh := s.data.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.items[key]
	if !ok || e.expired(time.Now().UnixNano()) {
		return 0, nil
	}
	if !e.num {
		n, err := strconv.ParseInt(e.val, 10, 64)
		if err != nil {
			return 0, errNotCounter(key)
		}
		e.n, e.num, e.val = n, true, ""
	}
	if e.n > 0 {
		e.n--
	}
	return e.n, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	sh := s.data.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.items[key]
	if !ok {
		return false, nil
	}
	if e.expired(time.Now().UnixNano()) {
		delete(sh.items, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	sh := s.data.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.items[key]
	if !ok || e.expired(time.Now().UnixNano()) {
		return nil
	}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl).UnixNano()
	} else {
		e.exp = 0
	}
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	now := time.Now().UnixNano()
	sh := s.data.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.items[key]
	if !ok || e.expired(now) {
		return 0, false, nil
	}
	if e.exp == 0 {
		return 0, true, nil
	}
	return time.Duration(e.exp - now), true, nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	for k, v := range pairs {
		if err := s.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, pattern string, limit int) ([]string, error) {
	now := time.Now().UnixNano()
	var keys []string
	s.data.rangeFunc(func(k string, e *entry) bool {
		if e.expired(now) {
			return true
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
			if limit > 0 && len(keys) >= limit {
				return false
			}
		}
		return true
	})
	return keys, nil
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ BatchStore = (*MemoryStore)(nil)
	_ ScanStore  = (*MemoryStore)(nil)
)
