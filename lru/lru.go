// Package lru provides a fixed-capacity LRU cache with an eviction hook,
// used for the metadata block cache and the page cache.
package lru

// Cache maps keys to values, keeping at most cap entries and evicting the
// least recently used entry on overflow. Not safe for concurrent use;
// callers hold their own lock.
type Cache[K comparable, V any] struct {
	cap     int
	items   map[K]*entry[K, V]
	head    *entry[K, V] // least recently used
	tail    *entry[K, V] // most recently used
	onEvict func(K, V)
}

type entry[K comparable, V any] struct {
	key        K
	val        V
	prev, next *entry[K, V]
}

// New builds a cache holding at most cap entries. onEvict, if non-nil, is
// called for each entry pushed out by a capacity eviction; it is not
// called for explicit Remove or Retain removals.
func New[K comparable, V any](cap int, onEvict func(K, V)) *Cache[K, V] {
	if cap <= 0 {
		panic("cache capacity must be positive")
	}
	return &Cache[K, V]{
		cap:     cap,
		items:   make(map[K]*entry[K, V], cap),
		onEvict: onEvict,
	}
}

func (c *Cache[K, V]) Len() int {
	return len(c.items)
}

// Contains reports whether key is cached, without touching its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.items[key]
	return ok
}

// Get returns the value for key, marking it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.touch(e)
	return e.val, true
}

// Put inserts or replaces the value for key, marking it most recently
// used. Inserting into a full cache evicts the least recently used entry
// through the eviction hook.
func (c *Cache[K, V]) Put(key K, val V) {
	if e, ok := c.items[key]; ok {
		e.val = val
		c.touch(e)
		return
	}
	if len(c.items) == c.cap {
		lru := c.head
		c.unlink(lru)
		delete(c.items, lru.key)
		if c.onEvict != nil {
			c.onEvict(lru.key, lru.val)
		}
	}
	e := &entry[K, V]{key: key, val: val}
	c.items[key] = e
	c.append(e)
}

// GetOrInsert returns the value for key, loading and inserting it on a
// miss. The load runs before any eviction, so a failed load leaves the
// cache untouched.
func (c *Cache[K, V]) GetOrInsert(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

// Remove drops key from the cache without running the eviction hook,
// returning the removed value.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.unlink(e)
	delete(c.items, key)
	return e.val, true
}

// Retain drops every entry for which keep returns false, without running
// the eviction hook. Recency order of the kept entries is preserved.
func (c *Cache[K, V]) Retain(keep func(K, V) bool) {
	for e := c.head; e != nil; {
		next := e.next
		if !keep(e.key, e.val) {
			c.unlink(e)
			delete(c.items, e.key)
		}
		e = next
	}
}

// Range calls f on each entry from least to most recently used, stopping
// early if f returns false. f must not mutate the cache.
func (c *Cache[K, V]) Range(f func(K, V) bool) {
	for e := c.head; e != nil; e = e.next {
		if !f(e.key, e.val) {
			return
		}
	}
}

func (c *Cache[K, V]) touch(e *entry[K, V]) {
	if c.tail == e {
		return
	}
	c.unlink(e)
	c.append(e)
}

func (c *Cache[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache[K, V]) append(e *entry[K, V]) {
	e.prev = c.tail
	if c.tail != nil {
		c.tail.next = e
	} else {
		c.head = e
	}
	c.tail = e
}
