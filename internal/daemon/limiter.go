package daemon

import (
	"net"
	"sync"
	"time"
)

const (
	defaultHostRateLimit = 50
	defaultRateWindow    = time.Second
)

// rateLimiter counts events per key in fixed windows.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*rateBucket
}

type rateBucket struct {
	count int
	reset time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*rateBucket),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if r == nil || key == "" || r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	b, ok := r.buckets[key]
	if !ok || now.After(b.reset) {
		r.buckets[key] = &rateBucket{count: 1, reset: now.Add(r.window)}
		r.sweepLocked(now)
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

// sweepLocked drops expired buckets once the table grows past a few hundred
// hosts.
func (r *rateLimiter) sweepLocked(now time.Time) {
	if len(r.buckets) < 256 {
		return
	}
	for k, b := range r.buckets {
		if now.After(b.reset) {
			delete(r.buckets, k)
		}
	}
}

func hostForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
