package enrich

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Status is the closed set of reverse-DNS lookup outcomes. It is written
// verbatim to the sink, so values are part of the persisted schema.
type Status string

const (
	StatusOK        Status = "ok"
	StatusNotFound  Status = "not_found"
	StatusFailure   Status = "resolver_failure"
	StatusTimeout   Status = "timeout"
	StatusTemporary Status = "temporary_failure"
)

// Result is a lookup outcome. Hostname is empty unless Status is StatusOK.
type Result struct {
	Hostname string
	Status   Status
}

type cacheEntry struct {
	res        Result
	insertedAt time.Time
	lastUsed   time.Time
}

// Resolver performs reverse-DNS (PTR) lookups with an optional bounded,
// time-expiring cache. Failed lookups are cached too: a resolver that keeps
// failing for an address is not retried within the TTL.
type Resolver struct {
	lookupAddr func(ctx context.Context, addr string) ([]string, error)
	timeout    time.Duration
	log        zerolog.Logger

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]*cacheEntry // nil when the cache is disabled
	capacity int
	ttl      time.Duration
	nowFn    func() time.Time
}

// ResolverOptions configure a Resolver.
type ResolverOptions struct {
	// CacheEnabled switches between cached and direct lookups. Direct mode
	// is a supported configuration, not a degradation.
	CacheEnabled bool
	CacheSize    int
	CacheTTL     time.Duration
	// Timeout bounds each external resolution; expiry is recorded as
	// StatusTimeout rather than stalling the pipeline.
	Timeout time.Duration
	// LookupAddr overrides the system resolver when non-nil.
	LookupAddr func(ctx context.Context, addr string) ([]string, error)
}

// NewResolver builds a Resolver using the system resolver.
func NewResolver(opts ResolverOptions, log zerolog.Logger) *Resolver {
	r := &Resolver{
		lookupAddr: (&net.Resolver{}).LookupAddr,
		timeout:    opts.Timeout,
		log:        log,
		capacity:   opts.CacheSize,
		ttl:        opts.CacheTTL,
		nowFn:      time.Now,
	}
	if opts.LookupAddr != nil {
		r.lookupAddr = opts.LookupAddr
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if opts.CacheEnabled {
		if r.capacity <= 0 {
			r.capacity = 128
		}
		r.entries = make(map[string]*cacheEntry, r.capacity)
	}
	return r
}

// Lookup resolves ip to a hostname, serving from the cache when possible.
// Concurrent lookups for the same uncached address share one resolution.
func (r *Resolver) Lookup(ctx context.Context, ip string) Result {
	if r.entries == nil {
		return r.resolve(ctx, ip)
	}

	now := r.nowFn()
	r.mu.Lock()
	if e, ok := r.entries[ip]; ok && now.Sub(e.insertedAt) <= r.ttl {
		e.lastUsed = now
		res := e.res
		r.mu.Unlock()
		return res
	}
	r.mu.Unlock()

	v, _, _ := r.group.Do(ip, func() (interface{}, error) {
		res := r.resolve(ctx, ip)
		r.store(ip, res)
		return res, nil
	})
	return v.(Result)
}

// store inserts res under ip, evicting the least-recently-used entry when at
// capacity. Expired entries are pruned first so they never count against it.
func (r *Resolver) store(ip string, res Result) {
	now := r.nowFn()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[ip]; !ok && len(r.entries) >= r.capacity {
		for key, e := range r.entries {
			if now.Sub(e.insertedAt) > r.ttl {
				delete(r.entries, key)
			}
		}
		for len(r.entries) >= r.capacity {
			oldestKey := ""
			var oldest time.Time
			for key, e := range r.entries {
				if oldestKey == "" || e.lastUsed.Before(oldest) {
					oldestKey = key
					oldest = e.lastUsed
				}
			}
			delete(r.entries, oldestKey)
		}
	}
	r.entries[ip] = &cacheEntry{res: res, insertedAt: now, lastUsed: now}
}

func (r *Resolver) resolve(ctx context.Context, ip string) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	names, err := r.lookupAddr(ctx, ip)
	if err != nil {
		status := classify(err)
		r.log.Debug().Str("ip", ip).Str("status", string(status)).Msg("reverse lookup failed")
		return Result{Status: status}
	}
	if len(names) == 0 {
		return Result{Status: StatusNotFound}
	}
	return Result{
		Hostname: strings.TrimSuffix(names[0], "."),
		Status:   StatusOK,
	}
}

func classify(err error) Status {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsTimeout:
			return StatusTimeout
		case dnsErr.IsNotFound:
			return StatusNotFound
		case dnsErr.IsTemporary:
			return StatusTemporary
		default:
			return StatusFailure
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	return StatusFailure
}

// cacheLen reports the current number of cached entries, for tests.
func (r *Resolver) cacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
