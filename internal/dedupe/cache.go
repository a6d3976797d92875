// ABOUTME: TTL cache for deduplicating platform messages from chat frontends.
// ABOUTME: Telegram redelivers updates and Matrix replays sync batches; seen IDs are dropped.

package dedupe

import (
	"sync"
	"time"
)

// sweepInterval is how often expired entries are removed in the background.
const sweepInterval = time.Minute

// Cache tracks recently seen platform message keys so frontends can ignore
// redelivered updates. Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	done   chan struct{}
	closed bool
}

// New creates a cache whose entries expire after ttl. A background goroutine
// sweeps expired entries; call Close to stop it.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		done: make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark atomically reports whether key was already seen within the
// TTL, marking it as seen if not. A true result means duplicate: skip the
// message.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && time.Since(at) < c.ttl {
		return true
	}
	c.seen[key] = time.Now()
	return false
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			for key, at := range c.seen {
				if time.Since(at) >= c.ttl {
					delete(c.seen, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}
