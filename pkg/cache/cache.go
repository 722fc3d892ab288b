package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is an in-memory LRU cache with per-entry TTL, safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // MRU at front, LRU at back
	maxItems int        // 0 = unlimited
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type entry[V any] struct {
	key string
	v   V
	exp time.Time // zero = no expiry
}

// New returns a cache holding at most maxItems entries. A positive janitor
// interval starts a goroutine that drops expired entries; stop it with Close.
func New[V any](maxItems int, janitor time.Duration) *Cache[V] {
	if maxItems < 0 {
		maxItems = 0
	}
	c := &Cache[V]{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		maxItems: maxItems,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if janitor > 0 {
		go c.janitor(janitor)
	}
	return c
}

// Get returns the value and whether it exists and has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !e.exp.IsZero() && c.now().After(e.exp) {
		// lazy delete
		c.removeNoLock(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.v, true
}

// Set stores v under key. ttl<=0 means no expiry.
func (c *Cache[V]) Set(key string, v V, ttl time.Duration) {
	if c == nil {
		return
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.v, e.exp = v, exp
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&entry[V]{key: key, v: v, exp: exp})
	for c.maxItems > 0 && c.order.Len() > c.maxItems {
		c.removeNoLock(c.order.Back())
	}
}

// Delete removes a key.
func (c *Cache[V]) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeNoLock(el)
	}
}

// Len reports the number of entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[V]) janitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			now := c.now()
			c.mu.Lock()
			for _, el := range c.items {
				e := el.Value.(*entry[V])
				if !e.exp.IsZero() && now.After(e.exp) {
					c.removeNoLock(el)
				}
			}
			c.mu.Unlock()
		}
	}
}

// removeNoLock removes el from map and list; caller must hold c.mu.
func (c *Cache[V]) removeNoLock(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
}
