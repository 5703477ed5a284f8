package enrich

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testResolver builds a cached Resolver with an injected lookup function and
// clock, in the style of the limiter tests.
func testResolver(size int, ttl time.Duration, lookup func(ctx context.Context, addr string) ([]string, error)) *Resolver {
	return &Resolver{
		lookupAddr: lookup,
		timeout:    time.Second,
		log:        zerolog.Nop(),
		entries:    make(map[string]*cacheEntry, size),
		capacity:   size,
		ttl:        ttl,
		nowFn:      time.Now,
	}
}

func TestLookup_CacheHit(t *testing.T) {
	var calls int32
	r := testResolver(4, time.Hour, func(ctx context.Context, addr string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"host.example."}, nil
	})

	for i := 0; i < 3; i++ {
		res := r.Lookup(context.Background(), "203.0.113.5")
		if res.Status != StatusOK || res.Hostname != "host.example" {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 external resolution, got %d", n)
	}
}

func TestLookup_TTLBoundary(t *testing.T) {
	var calls int32
	r := testResolver(4, 100*time.Second, func(ctx context.Context, addr string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"host.example."}, nil
	})
	base := time.Now()
	r.nowFn = func() time.Time { return base }

	r.Lookup(context.Background(), "203.0.113.5")

	// Inside the TTL: served from cache.
	r.nowFn = func() time.Time { return base.Add(99 * time.Second) }
	r.Lookup(context.Background(), "203.0.113.5")
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("lookup at ttl-1 must be cached, got %d calls", n)
	}

	// Past the TTL: entry is logically absent, fresh lookup replaces it.
	r.nowFn = func() time.Time { return base.Add(101 * time.Second) }
	r.Lookup(context.Background(), "203.0.113.5")
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("lookup at ttl+1 must refresh, got %d calls", n)
	}

	// The refresh reset the insertion timestamp.
	r.nowFn = func() time.Time { return base.Add(150 * time.Second) }
	r.Lookup(context.Background(), "203.0.113.5")
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("refreshed entry must be cached again, got %d calls", n)
	}
}

func TestLookup_NegativeCaching(t *testing.T) {
	var calls int32
	r := testResolver(4, time.Hour, func(ctx context.Context, addr string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &net.DNSError{Err: "no such host", IsNotFound: true}
	})

	for i := 0; i < 3; i++ {
		res := r.Lookup(context.Background(), "203.0.113.9")
		if res.Status != StatusNotFound || res.Hostname != "" {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("failed lookup must be cached, got %d calls", n)
	}
}

func TestLookup_Coalescing(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	r := testResolver(16, time.Hour, func(ctx context.Context, addr string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []string{"host.example."}, nil
	})

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Lookup(context.Background(), "203.0.113.5")
		}(i)
	}
	// Let every goroutine reach the in-flight lookup before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("%d concurrent lookups must coalesce into 1 resolution, got %d", n, got)
	}
	for i, res := range results {
		if res.Hostname != "host.example" {
			t.Errorf("result %d: %+v", i, res)
		}
	}
}

func TestLookup_LRUEviction(t *testing.T) {
	r := testResolver(2, time.Hour, func(ctx context.Context, addr string) ([]string, error) {
		return []string{addr + ".example."}, nil
	})
	base := time.Now()
	now := base
	r.nowFn = func() time.Time { return now }

	r.Lookup(context.Background(), "10.0.0.1")
	now = base.Add(time.Second)
	r.Lookup(context.Background(), "10.0.0.2")

	// Touch .1 so .2 becomes least recently used.
	now = base.Add(2 * time.Second)
	r.Lookup(context.Background(), "10.0.0.1")

	now = base.Add(3 * time.Second)
	r.Lookup(context.Background(), "10.0.0.3")

	if r.cacheLen() != 2 {
		t.Fatalf("cache must stay at capacity, got %d", r.cacheLen())
	}
	r.mu.Lock()
	_, has1 := r.entries["10.0.0.1"]
	_, has2 := r.entries["10.0.0.2"]
	_, has3 := r.entries["10.0.0.3"]
	r.mu.Unlock()
	if !has1 || has2 || !has3 {
		t.Errorf("expected .2 evicted: has1=%v has2=%v has3=%v", has1, has2, has3)
	}
}

func TestLookup_DisabledCache(t *testing.T) {
	var calls int32
	r := NewResolver(ResolverOptions{CacheEnabled: false, Timeout: time.Second}, zerolog.Nop())
	r.lookupAddr = func(ctx context.Context, addr string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"direct.example."}, nil
	}

	r.Lookup(context.Background(), "203.0.113.5")
	r.Lookup(context.Background(), "203.0.113.5")
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("disabled cache must resolve every lookup, got %d calls", n)
	}
}

func TestNewResolver_ZeroSizeDefaultsCapacity(t *testing.T) {
	r := NewResolver(ResolverOptions{CacheEnabled: true, Timeout: time.Second}, zerolog.Nop())
	r.lookupAddr = func(ctx context.Context, addr string) ([]string, error) {
		return []string{addr + ".example."}, nil
	}
	if r.capacity <= 0 {
		t.Fatalf("capacity = %d, must be positive when the cache is enabled", r.capacity)
	}
	// Inserting must terminate and cache the entry.
	r.Lookup(context.Background(), "203.0.113.5")
	if r.cacheLen() != 1 {
		t.Errorf("cacheLen = %d, want 1", r.cacheLen())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Status
	}{
		{&net.DNSError{IsTimeout: true}, StatusTimeout},
		{&net.DNSError{IsNotFound: true}, StatusNotFound},
		{&net.DNSError{IsTemporary: true}, StatusTemporary},
		{&net.DNSError{Err: "server misbehaving"}, StatusFailure},
		{context.DeadlineExceeded, StatusTimeout},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestLookup_TimeoutOutcome(t *testing.T) {
	r := NewResolver(ResolverOptions{CacheEnabled: false, Timeout: 10 * time.Millisecond}, zerolog.Nop())
	r.lookupAddr = func(ctx context.Context, addr string) ([]string, error) {
		<-ctx.Done()
		return nil, &net.DNSError{Err: "i/o timeout", IsTimeout: true}
	}
	res := r.Lookup(context.Background(), "203.0.113.5")
	if res.Status != StatusTimeout {
		t.Errorf("expected timeout status, got %+v", res)
	}
}
