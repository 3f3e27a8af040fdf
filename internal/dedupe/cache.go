// ABOUTME: Thread-safe TTL cache for suppressing retried agent messages.
// ABOUTME: Keys are (agent, client message id) so ids only need to be unique per agent.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds the cache when New is given a non-positive size.
const DefaultMaxSize = 10000

// Key identifies one client-supplied message id from one agent.
type Key struct {
	AgentID   string
	MessageID string
}

// cacheEntry stores the claim time and list element for a cached key.
type cacheEntry struct {
	claimedAt time.Time
	element   *list.Element
}

// Cache remembers recently claimed keys for a fixed TTL, evicting the oldest
// claim once maxSize is reached. A doubly-linked list keeps claim order so
// eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[Key]*cacheEntry
	order   *list.List // keys in claim order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine sweeps expired entries every ttl/2 (at least once a second)
// until Close is called.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[Key]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Seen reports whether key was claimed within the TTL.
func (c *Cache) Seen(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.live(entry)
}

// Claim atomically checks and records key. It returns true when key was
// already claimed within the TTL (a duplicate); otherwise it records the
// claim and returns false.
func (c *Cache) Claim(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		if c.live(entry) {
			return true
		}
		c.removeLocked(key, entry)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.seen[key] = &cacheEntry{
		claimedAt: c.now(),
		element:   c.order.PushBack(key),
	}
	return false
}

// Release drops a claim so the same id can be retried, e.g. after the
// delivery it guarded failed.
func (c *Cache) Release(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.removeLocked(key, entry)
	}
}

// Len returns the number of tracked keys, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) live(entry *cacheEntry) bool {
	return c.now().Sub(entry.claimedAt) < c.ttl
}

func (c *Cache) removeLocked(key Key, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.seen, key)
}

// evictOldestLocked removes the oldest claim. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(Key)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops expired claims from the front of the order list.
// Claims are appended in time order, so it can stop at the first live one.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(Key)
		entry := c.seen[key]
		if entry == nil || c.live(entry) {
			return
		}
		c.removeLocked(key, entry)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
