// Package cache provides a small TTL cache with explicit invalidation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// TTL caches loaded values per key. Concurrent misses on the same key share one
// load. Invalidate drops entries immediately; a load that started before the
// invalidation does not repopulate the cache.
type TTL[K comparable, V any] struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu    sync.RWMutex
	items map[K]entry[V]
	gen   uint64
}

func New[K comparable, V any](ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{ttl: ttl, now: o.now, items: map[K]entry[V]{}}
}

// Get returns the cached value for key or calls load to fill it.
func (c *TTL[K, V]) Get(ctx context.Context, key K, load func(ctx context.Context) (V, error)) (V, error) {
	c.mu.RLock()
	e, ok := c.items[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.value, nil
	}

	v, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return value, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.items[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate removes the given keys, or everything when called without keys.
func (c *TTL[K, V]) Invalidate(keys ...K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if len(keys) == 0 {
		c.items = map[K]entry[V]{}
		return
	}
	for _, k := range keys {
		delete(c.items, k)
	}
}
