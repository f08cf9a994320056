package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"attendance-service/internal/client"
)

// memStore is an in-memory Store. TTLs are recorded, not enforced.
type memStore struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
	err  error
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", client.ErrKeyNotFound, key)
	}
	return v, nil
}

func (m *memStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fmt.Sprint(value)
	m.ttl[key] = expiration
	return m.err
}

func (m *memStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return m.err
}

func (m *memStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	m.ttl[key] = expiration
	return true, nil
}

func (m *memStore) IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	fmt.Sscan(m.data[key], &n)
	n++
	m.data[key] = fmt.Sprint(n)
	m.ttl[key] = expiration
	return n, nil
}

func (m *memStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.data[keys[0]] != fmt.Sprint(args[0]) {
		return int64(0), nil
	}
	switch script {
	case renewScript:
		m.ttl[keys[0]] = time.Duration(args[1].(int64)) * time.Millisecond
	case releaseScript:
		delete(m.data, keys[0])
	}
	return int64(1), nil
}

var ctx = context.Background()

func TestKeyLeaseLifecycle(t *testing.T) {
	store := newMemStore()
	lease := NewKeyLease(store)

	ok, err := lease.Acquire(ctx, "CSE:5:A:CS501:2026-03-02", "sess-1", 90*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	ok, _ = lease.Acquire(ctx, "CSE:5:A:CS501:2026-03-02", "sess-2", 90*time.Second)
	if ok {
		t.Fatal("second replica acquired a held key")
	}

	if err := lease.Renew(ctx, "CSE:5:A:CS501:2026-03-02", "sess-1", 2*time.Minute); err != nil {
		t.Fatalf("Renew by holder: %v", err)
	}
	if got := store.ttl[activeKeyPrefix+"CSE:5:A:CS501:2026-03-02"]; got != 2*time.Minute {
		t.Errorf("ttl after renew = %v", got)
	}
	if err := lease.Renew(ctx, "CSE:5:A:CS501:2026-03-02", "sess-2", time.Minute); err == nil {
		t.Error("Renew by non-holder succeeded")
	}

	// A stale release from another session must not drop the lease.
	if err := lease.Release(ctx, "CSE:5:A:CS501:2026-03-02", "sess-2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := lease.Acquire(ctx, "CSE:5:A:CS501:2026-03-02", "sess-3", time.Minute); ok {
		t.Fatal("lease dropped by non-holder release")
	}

	if err := lease.Release(ctx, "CSE:5:A:CS501:2026-03-02", "sess-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := lease.Acquire(ctx, "CSE:5:A:CS501:2026-03-02", "sess-3", time.Minute); !ok {
		t.Error("key not free after holder released")
	}
}

func TestRateLimitCache(t *testing.T) {
	store := newMemStore()
	limiter := NewRateLimitCache(store, 3, time.Minute)

	for i := 1; i <= 3; i++ {
		ok, err := limiter.Allow(ctx, "sess", "s1")
		if err != nil || !ok {
			t.Fatalf("attempt %d = %v, %v", i, ok, err)
		}
	}
	if ok, _ := limiter.Allow(ctx, "sess", "s1"); ok {
		t.Error("fourth attempt allowed")
	}
	if ok, _ := limiter.Allow(ctx, "sess", "s2"); !ok {
		t.Error("other student throttled")
	}

	disabled := NewRateLimitCache(store, 0, time.Minute)
	for i := 0; i < 10; i++ {
		if ok, _ := disabled.Allow(ctx, "sess", "s1"); !ok {
			t.Fatal("disabled limiter rejected")
		}
	}
}

func TestRosterCacheRoundTrip(t *testing.T) {
	store := newMemStore()
	cache := NewRosterCache(store, 5*time.Minute)

	if _, hit, err := cache.GetCount(ctx, "CSE", 5, "A"); hit || err != nil {
		t.Fatalf("cold cache = hit %v, err %v", hit, err)
	}
	if err := cache.SetCount(ctx, "CSE", 5, "A", 62); err != nil {
		t.Fatalf("SetCount: %v", err)
	}
	n, hit, err := cache.GetCount(ctx, "CSE", 5, "A")
	if err != nil || !hit || n != 62 {
		t.Errorf("GetCount = %d, %v, %v", n, hit, err)
	}

	if err := cache.SetMember(ctx, "CSE", 5, "A", "s9", false); err != nil {
		t.Fatalf("SetMember: %v", err)
	}
	member, hit, _ := cache.GetMember(ctx, "CSE", 5, "A", "s9")
	if !hit || member {
		t.Errorf("negative membership = %v, hit %v", member, hit)
	}

	if err := cache.Invalidate(ctx, "CSE", 5, "A"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, hit, _ := cache.GetCount(ctx, "CSE", 5, "A"); hit {
		t.Error("count still cached after Invalidate")
	}
}
