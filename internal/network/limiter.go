package network

import "sync"

// capCounter caps concurrent holders per key. A non-positive max disables it.
type capCounter struct {
	mu  sync.Mutex
	max int
	n   map[string]int
}

func newCapCounter(max int) *capCounter {
	return &capCounter{max: max, n: make(map[string]int)}
}

func (c *capCounter) acquire(key string) bool {
	if c.max <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n[key] >= c.max {
		return false
	}
	c.n[key]++
	return true
}

func (c *capCounter) release(key string) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n[key] <= 1 {
		delete(c.n, key)
		return
	}
	c.n[key]--
}

func (c *capCounter) holders(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[key]
}

// ipLimiter bounds connections and in-flight streams per remote host, so one
// neighbor cannot starve the listener.
type ipLimiter struct {
	conns   *capCounter
	streams *capCounter
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		conns:   newCapCounter(maxConns),
		streams: newCapCounter(maxStreams),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool   { return l.conns.acquire(ip) }
func (l *ipLimiter) releaseConn(ip string)        { l.conns.release(ip) }
func (l *ipLimiter) acquireStream(ip string) bool { return l.streams.acquire(ip) }
func (l *ipLimiter) releaseStream(ip string)      { l.streams.release(ip) }
