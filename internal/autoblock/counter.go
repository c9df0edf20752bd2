package autoblock

import (
	"net/netip"
	"sync"
	"time"
)

// Counter counts hits per address inside a sliding window.
// Counter 在滑动窗口内按地址计数。
type Counter struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[netip.Addr][]time.Time
}

func NewCounter(window time.Duration) *Counter {
	return &Counter{window: window, hits: make(map[netip.Addr][]time.Time)}
}

// Add records a hit at now and returns the hits still inside the window.
func (c *Counter) Add(ip netip.Addr, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := append(prune(c.hits[ip], now.Add(-c.window)), now)
	c.hits[ip] = ts
	return len(ts)
}

// Reset forgets ip.
func (c *Counter) Reset(ip netip.Addr) {
	c.mu.Lock()
	delete(c.hits, ip)
	c.mu.Unlock()
}

// Cleanup drops addresses without hits in the window.
func (c *Counter) Cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.window)
	for ip, ts := range c.hits {
		if ts = prune(ts, cutoff); len(ts) == 0 {
			delete(c.hits, ip)
		} else {
			c.hits[ip] = ts
		}
	}
}

// Len returns the number of tracked addresses.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hits)
}

// prune keeps the timestamps after cutoff. ts is ordered.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
