// ABOUTME: Thread-safe TTL cache for dropping redelivered platform updates
// ABOUTME: Keys are per tenant so one bot's update ids never shadow another's

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/tally-gateway/internal/tenant"
)

// UpdateKey identifies one platform update. Update ids are only unique per bot.
type UpdateKey struct {
	Tenant   tenant.ID
	UpdateID int
}

type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited set of recently seen keys.
// Insertion order is kept in a linked list so eviction is O(1).
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its cleanup goroutine. Call Close to stop it.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	c := &Cache[K]{
		seen:    make(map[K]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// NewUpdates creates the cache used for Telegram update ids.
func NewUpdates(ttl time.Duration, maxSize int) *Cache[UpdateKey] {
	return New[UpdateKey](ttl, maxSize)
}

// Check reports whether key was seen within the TTL.
func (c *Cache[K]) Check(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && c.now().Sub(e.timestamp) < c.ttl
}

// CheckAndMark returns true when key is a duplicate. Otherwise it marks key and returns false.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && c.now().Sub(e.timestamp) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

// Forget removes key, so a failed delivery can be retried by the platform.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache[K]) markLocked(key K) {
	now := c.now()

	if e, ok := c.seen[key]; ok {
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[key] = &entry{timestamp: now, element: c.order.PushBack(key)}
}

func (c *Cache[K]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(K)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache[K]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.seen {
		if now.Sub(e.timestamp) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
