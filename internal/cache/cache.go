// Package cache provides the scan-resistant read cache and the read
// coalescer in front of the SQLite index.
//
// Entries are keyed by (project, kind, key hash) and carry a dependency
// fingerprint naming the tables they were computed from. Writes publish an
// invalidation set; the cache drops every dependent entry, which is what
// keeps read-your-writes true — no eviction relies on timers alone.
package cache

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key identifies one cached computation.
type Key struct {
	Project int64
	Kind    string
	Hash    string
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s/%s", k.Project, k.Kind, k.Hash)
}

// Dep names one dependency: a (project, table) pair.
func Dep(project int64, table string) string {
	return fmt.Sprintf("%d:%s", project, table)
}

type entry struct {
	val    any
	bytes  int64
	deps   []string
	stored time.Time
}

// Cache is the dual-indexed read cache: a 2Q LRU for admission/eviction and
// a dependency index for invalidation. Safe for concurrent use.
type Cache struct {
	lru *lru.TwoQueueCache[Key, *entry]
	ttl time.Duration

	mu       sync.Mutex
	byDep    map[string]map[Key]int64 // dep -> key -> bytes
	gens     map[int64]int64          // project -> invalidation generation
	bytes    int64
	maxBytes int64

	// Touch metadata is buffered and flushed periodically so hot keys do
	// not contend on the LRU lock for every hit.
	touchMu sync.Mutex
	touched map[Key]struct{}

	hits, misses, invalidations int64
}

// Options sizes the cache.
type Options struct {
	Entries  int
	MaxBytes int64
	TTL      time.Duration
}

// New builds a cache. Entries defaults to 4096, MaxBytes to 64 MiB, TTL to
// five minutes.
func New(opts Options) (*Cache, error) {
	if opts.Entries <= 0 {
		opts.Entries = 4096
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 64 << 20
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	q, err := lru.New2Q[Key, *entry](opts.Entries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		lru:      q,
		ttl:      opts.TTL,
		byDep:    make(map[string]map[Key]int64),
		gens:     make(map[int64]int64),
		maxBytes: opts.MaxBytes,
		touched:  make(map[Key]struct{}),
	}, nil
}

// Get returns the cached value if present and fresh. The recency bump is
// buffered (Peek), not applied inline.
func (c *Cache) Get(key Key) (any, bool) {
	e, ok := c.lru.Peek(key)
	if !ok {
		c.count(&c.misses)
		return nil, false
	}
	if time.Since(e.stored) > c.ttl {
		c.remove(key)
		c.count(&c.misses)
		return nil, false
	}
	c.touchMu.Lock()
	c.touched[key] = struct{}{}
	c.touchMu.Unlock()
	c.count(&c.hits)
	return e.val, true
}

// Put stores a value with its dependency fingerprint.
func (c *Cache) Put(key Key, val any, bytes int64, deps []string) {
	if bytes > c.maxBytes {
		return // larger than the whole budget; admitting it evicts everything
	}
	e := &entry{val: val, bytes: bytes, deps: deps, stored: time.Now()}
	c.lru.Add(key, e)

	c.mu.Lock()
	for _, d := range deps {
		m := c.byDep[d]
		if m == nil {
			m = make(map[Key]int64)
			c.byDep[d] = m
		}
		m[key] = bytes
	}
	c.bytes += bytes
	over := c.bytes > c.maxBytes
	c.mu.Unlock()

	if over {
		c.evictToBudget()
	}
}

// evictToBudget removes cold keys until the byte budget holds. The 2Q cache
// evicts by entry count on its own; the byte budget is enforced here.
func (c *Cache) evictToBudget() {
	keys := c.lru.Keys() // oldest first
	for _, k := range keys {
		c.mu.Lock()
		done := c.bytes <= c.maxBytes
		c.mu.Unlock()
		if done {
			return
		}
		c.remove(k)
	}
}

// Invalidate drops every entry whose fingerprint contains any of deps and
// bumps the owning projects' generations so reads that start after the
// write never join a flight that began before it.
func (c *Cache) Invalidate(deps ...string) {
	var victims []Key
	c.mu.Lock()
	for _, d := range deps {
		for k := range c.byDep[d] {
			victims = append(victims, k)
		}
		if p, ok := depProject(d); ok {
			c.gens[p]++
		}
	}
	c.invalidations += int64(len(victims))
	c.mu.Unlock()
	for _, k := range victims {
		c.remove(k)
	}
}

// Generation returns the project's invalidation generation. Read paths fold
// it into their coalescing key.
func (c *Cache) Generation(project int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[project]
}

func depProject(dep string) (int64, bool) {
	i := strings.IndexByte(dep, ':')
	if i <= 0 {
		return 0, false
	}
	p, err := strconv.ParseInt(dep[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return p, true
}

// remove deletes the entry and its index rows.
func (c *Cache) remove(key Key) {
	e, ok := c.lru.Peek(key)
	c.lru.Remove(key)
	if !ok {
		return
	}
	c.mu.Lock()
	c.bytes -= e.bytes
	for _, d := range e.deps {
		if m := c.byDep[d]; m != nil {
			delete(m, key)
			if len(m) == 0 {
				delete(c.byDep, d)
			}
		}
	}
	c.mu.Unlock()
}

// FlushTouches applies buffered recency bumps. Called by the runtime's
// touch flusher (every 30s) and by tests.
func (c *Cache) FlushTouches() {
	c.touchMu.Lock()
	keys := make([]Key, 0, len(c.touched))
	for k := range c.touched {
		keys = append(keys, k)
	}
	c.touched = make(map[Key]struct{})
	c.touchMu.Unlock()
	for _, k := range keys {
		_, _ = c.lru.Get(k) // recency bump
	}
	c.reconcileBytes()
}

// reconcileBytes re-derives the byte counter from live keys. The 2Q cache
// evicts silently (no callback), so the counter and dep index can carry
// entries for keys the LRU already dropped; the flush tick trues them up.
func (c *Cache) reconcileBytes() {
	live := make(map[Key]struct{})
	var total int64
	for _, k := range c.lru.Keys() {
		live[k] = struct{}{}
		if e, ok := c.lru.Peek(k); ok {
			total += e.bytes
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for d, m := range c.byDep {
		for k := range m {
			if _, ok := live[k]; !ok {
				delete(m, k)
			}
		}
		if len(m) == 0 {
			delete(c.byDep, d)
		}
	}
	c.bytes = total
}

// Stats is a point-in-time snapshot for the metrics resource.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
	Bytes         int64 `json:"bytes"`
}

// Snapshot returns current counters.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Entries:       c.lru.Len(),
		Bytes:         c.bytes,
	}
}

func (c *Cache) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}
