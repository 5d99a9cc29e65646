// Package cache provides a bounded, expiring cache with de-duplicated loads.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/oscillatelabsllc/skyth/internal/metrics"
)

// Cache holds up to size values for ttl each. Concurrent loads of the same
// key share one call of the loader.
type Cache[V any] struct {
	name  string
	lru   *expirable.LRU[string, V]
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context of one shared load. It is cancelled once every
// caller waiting on the load has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// newFlight detaches from ctx's cancellation but keeps its deadline
func newFlight(ctx context.Context) *flight {
	base := context.WithoutCancel(ctx)
	fl := &flight{}
	if deadline, ok := ctx.Deadline(); ok {
		fl.ctx, fl.cancel = context.WithDeadline(base, deadline)
	} else {
		fl.ctx, fl.cancel = context.WithCancel(base)
	}
	return fl
}

// New creates a named cache; the name labels its metrics
func New[V any](name string, size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = 128
	}
	return &Cache[V]{
		name:    name,
		lru:     expirable.NewLRU[string, V](size, nil, ttl),
		flights: make(map[string]*flight),
	}
}

// Get returns the cached value for key
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		metrics.CacheLookups.WithLabelValues(c.name, "hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()
	}
	return v, ok
}

// Set stores value under key
func (c *Cache[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

// Delete drops key
func (c *Cache[V]) Delete(key string) {
	c.lru.Remove(key)
}

// Len reports the number of live entries
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// GetOrLoad returns the cached value or calls load once across concurrent
// callers. Failed or abandoned loads are not cached. The load is cancelled
// when the last caller waiting on it leaves.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	fl := c.flights[key]
	if fl == nil {
		fl = newFlight(ctx)
		c.flights[key] = fl
	}
	fl.waiters++
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.load(key, fl, load)
	})
	c.mu.Unlock()
	defer c.leave(key, fl)

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) load(key string, fl *flight, load func(context.Context) (V, error)) (interface{}, error) {
	defer func() {
		c.mu.Lock()
		if c.flights[key] == fl {
			delete(c.flights, key)
		}
		c.mu.Unlock()
	}()

	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := load(fl.ctx)
	if err != nil {
		return v, err
	}
	if err := fl.ctx.Err(); err != nil {
		return v, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// leave drops one waiter. The last one out cancels the load and makes
// later callers start a fresh one.
func (c *Cache[V]) leave(key string, fl *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if c.flights[key] == fl {
		delete(c.flights, key)
		c.group.Forget(key)
	}
}
