package cache

import (
	"sync"
)

// MapCache is a simple in-memory cache of build artifacts.
type MapCache[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

func NewMapCache[K comparable, V any]() *MapCache[K, V] {
	return &MapCache[K, V]{
		data: make(map[K]V),
	}
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetOrCreate returns the cached value for key, building and storing it on a
// miss. Errors from build are not cached.
func (c *MapCache[K, V]) GetOrCreate(key K, build func() (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, true, nil
	}
	v, err := build()
	if err != nil {
		return v, false, err
	}
	c.data[key] = v
	return v, false, nil
}

// Size returns the number of cached values.
func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
