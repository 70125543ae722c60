package syncer

import (
	"fmt"
	"sync"
)

// Cache is a lazy-loading cache: each key has a registered loader invoked at
// most once until the key is invalidated. Capacity is bounded; inserting past
// it evicts the oldest-loaded key.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	loaders  map[K]func() (V, error)
	values   map[K]V
	order    []K // load order, oldest first
}

// NewCache creates a cache holding at most capacity loaded values.
func NewCache[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 64
	}
	return &Cache[K, V]{
		capacity: capacity,
		loaders:  make(map[K]func() (V, error)),
		values:   make(map[K]V),
	}
}

// Register installs the loader for a key, replacing any previous one and
// dropping any cached value.
func (c *Cache[K, V]) Register(key K, loader func() (V, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaders[key] = loader
	c.dropLocked(key)
}

// Load returns the cached value for key, invoking its loader on first use.
// Loader errors are not cached; the next Load retries.
func (c *Cache[K, V]) Load(key K) (V, error) {
	c.mu.Lock()
	if v, ok := c.values[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	loader, ok := c.loaders[key]
	c.mu.Unlock()

	var zero V
	if !ok {
		return zero, fmt.Errorf("no loader registered for key %v", key)
	}

	// The loader runs outside the lock; it may be slow I/O.
	v, err := loader()
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.values[key]; ok {
		// A concurrent Load won the race; keep its value.
		return cached, nil
	}
	c.values[key] = v
	c.order = append(c.order, key)
	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.values, oldest)
	}
	return v, nil
}

// Invalidate drops the cached value; the loader runs again on next Load.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(key)
}

// Len reports how many values are currently cached.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// dropLocked removes a cached value and its order entry. Caller holds c.mu.
func (c *Cache[K, V]) dropLocked(key K) {
	if _, ok := c.values[key]; !ok {
		return
	}
	delete(c.values, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
