// ABOUTME: TTL cache of recently relayed chat message IDs.
// ABOUTME: Keeps the relay forwarding each transport message at most once across reconnects.

package dedupe

import (
	"sync"
	"time"
)

// sweepInterval is how often expired entries are removed in the background.
const sweepInterval = time.Minute

// entry pairs a seen key with when it was marked.
type entry struct {
	key  string
	seen time.Time
}

// Cache remembers message keys for a bounded window. Chat transports
// redeliver recent history after a reconnect, so the relay checks every
// inbound message ID here before forwarding to the CRM.
type Cache struct {
	mu      sync.Mutex
	index   map[string]time.Time
	fifo    []entry // insertion order, oldest first
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache that forgets keys after ttl and never holds more than
// maxSize entries. A background goroutine sweeps expired keys until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		index:   make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// CheckAndMark reports whether key was already seen within the TTL, marking
// it as seen if not. The check and mark are one critical section, so two
// concurrent deliveries of the same message cannot both pass.
func (c *Cache) CheckAndMark(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.index[key]; ok && now.Sub(seen) < c.ttl {
		return true
	}

	if len(c.index) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.index[key] = now
	c.fifo = append(c.fifo, entry{key: key, seen: now})
	return false
}

// evictOldestLocked drops FIFO entries until one still present in the index
// is removed. Stale FIFO entries (re-marked keys) are skipped.
func (c *Cache) evictOldestLocked() {
	for len(c.fifo) > 0 {
		oldest := c.fifo[0]
		c.fifo = c.fifo[1:]
		if seen, ok := c.index[oldest.key]; ok && seen.Equal(oldest.seen) {
			delete(c.index, oldest.key)
			return
		}
	}
}

// sweepLoop periodically removes expired entries.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes every expired entry and compacts the FIFO.
func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, seen := range c.index {
		if now.Sub(seen) >= c.ttl {
			delete(c.index, key)
		}
	}

	kept := c.fifo[:0]
	for _, e := range c.fifo {
		if seen, ok := c.index[e.key]; ok && seen.Equal(e.seen) {
			kept = append(kept, e)
		}
	}
	c.fifo = kept
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
