package cache

import (
	"context"
	"fmt"
	"hash/fnv"

	"golang.org/x/sync/singleflight"
)

const coalescerShards = 16

// Coalescer collapses concurrent reads with the same fingerprint into one
// backend execution. Cancellation of one waiter never cancels the shared
// work while others remain; errors (including panics of the load, recovered
// into errors) reach every waiter with the same value.
type Coalescer struct {
	cache  *Cache
	groups [coalescerShards]singleflight.Group
}

// NewCoalescer wraps a cache. The cache may be nil for pure coalescing.
func NewCoalescer(c *Cache) *Coalescer {
	return &Coalescer{cache: c}
}

func (co *Coalescer) shard(key Key) *singleflight.Group {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &co.groups[h.Sum32()%coalescerShards]
}

// Do returns the cached value for key, or runs load once for all concurrent
// callers and populates the cache with the result and its dependency set.
//
// The shared computation runs on its own goroutine (DoChan) with a context
// detached from any single waiter, so one caller's cancellation only
// abandons that caller.
func (co *Coalescer) Do(ctx context.Context, key Key, deps []string, bytes func(any) int64, load func(context.Context) (any, error)) (any, error) {
	if co.cache != nil {
		if v, ok := co.cache.Get(key); ok {
			return v, nil
		}
	}
	g := co.shard(key)
	ch := g.DoChan(key.String(), func() (v any, err error) {
		// A panic becomes the flight's error so every waiter receives it.
		defer func() {
			if p := recover(); p != nil {
				v, err = nil, fmt.Errorf("coalesced load panicked: %v", p)
			}
		}()
		// The flight owns its own lifetime; waiters come and go.
		v, err = load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if co.cache != nil {
			var n int64
			if bytes != nil {
				n = bytes(v)
			}
			co.cache.Put(key, v, n, deps)
		}
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops any in-flight computation for key so the next caller reloads.
// Invalidation paths call this alongside Cache.Invalidate to preserve
// read-your-writes for waiters that have not yet joined.
func (co *Coalescer) Forget(key Key) {
	co.shard(key).Forget(key.String())
}
