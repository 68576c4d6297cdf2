package cache

import (
	"sync"
)

// Cache is a minimal string-keyed concurrent map. It backs the job registry
// and per-session job sets.
type Cache[T interface{}] struct {
	cache map[string]T
	mutex sync.RWMutex
}

func New[T interface{}]() *Cache[T] {
	return &Cache[T]{
		cache: make(map[string]T),
	}
}

func (c *Cache[T]) Remove(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, id)
}

// Get returns the zero value when id is absent.
func (c *Cache[T]) Get(id string) T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	v, ok := c.cache[id]
	if ok {
		return v
	}
	var zero T
	return zero
}

// StoreIfAbsent stores value under id and reports whether it did. Used to
// reject duplicate job IDs without a separate lookup.
func (c *Cache[T]) StoreIfAbsent(id string, value T) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.cache[id]; ok {
		return false
	}
	c.cache[id] = value
	return true
}

func (c *Cache[T]) GetKeys() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache[T]) Store(id string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[id] = value
}

func (c *Cache[T]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

// Range calls fn for each entry over a snapshot of the values, so fn may call
// back into the cache.
func (c *Cache[T]) Range(fn func(id string, value T)) {
	c.mutex.RLock()
	snapshot := make(map[string]T, len(c.cache))
	for k, v := range c.cache {
		snapshot[k] = v
	}
	c.mutex.RUnlock()

	for k, v := range snapshot {
		fn(k, v)
	}
}
