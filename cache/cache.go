package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/canvasgpt/internal/metrics"
)

// ErrNoEntry is returned when a FetchFunc succeeds without producing an entry.
var ErrNoEntry = errors.New("cache: fetch returned no entry")

// Options configures a Cache.
type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Scope tags every stored entry. Entries carrying another scope are
	// treated as misses, so stores shared between processes with different
	// privacy settings never cross-serve.
	Scope string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Cache coordinates a Store with single-flight fetching: concurrent misses for
// the same key share one upstream fetch.
type Cache struct {
	store   Store
	group   singleflight.Group
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics
	scope   string

	// commit orders stores against invalidations: fills hold it shared while
	// checking their generation and writing, Invalidate holds it exclusively
	// while bumping the generation.
	commit   sync.RWMutex
	mu       sync.Mutex
	gens     map[string]uint64 // family -> invalidation count
	inflight map[string]*flight
}

type flight struct {
	path string
}

type outcome struct {
	entry  *Entry
	cached bool
}

// New creates a Cache on store.
func New(store Store, opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:    store,
		now:      now,
		log:      opts.Logger.With().Str("component", "cache").Logger(),
		metrics:  opts.Metrics,
		scope:    opts.Scope,
		gens:     make(map[string]uint64),
		inflight: make(map[string]*flight),
	}
}

// GetOrFetch returns the entry for key. A fresh entry is returned without
// calling fetch; otherwise one fetch per key runs at a time and its result is
// stored with the given ttl. The bool reports whether the entry came from the
// cache. Failed fetches are not cached.
//
// The shared fetch is detached from ctx so one caller giving up never fails
// the others; a cancelled caller stops waiting and gets ctx.Err().
func (c *Cache) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) (*Entry, bool, error) {
	if e := c.lookup(ctx, key); e.Fresh(c.now()) {
		c.metrics.CacheHit()
		return e, true, nil
	}
	c.metrics.CacheMiss()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.fill(detached, key, ttl, fetch)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.Coalesced()
		}
		if res.Err != nil {
			return nil, false, res.Err
		}
		out := res.Val.(outcome)
		return out.entry, out.cached, nil
	}
}

func (c *Cache) fill(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) (outcome, error) {
	id := key.String()
	f := &flight{path: key.Path}

	c.mu.Lock()
	gen := c.generation(key.Path)
	c.inflight[id] = f
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[id] == f {
			delete(c.inflight, id)
		}
		c.mu.Unlock()
	}()

	// Another flight may have filled the key between our miss and now.
	stale := c.lookup(ctx, key)
	if stale.Fresh(c.now()) {
		return outcome{entry: stale, cached: true}, nil
	}

	fresh, err := fetch(ctx, stale)
	if err != nil {
		return outcome{}, err
	}
	if fresh == nil {
		return outcome{}, ErrNoEntry
	}
	fresh.TTL = ttl
	fresh.Scope = c.scope
	if fresh.FetchedAt.IsZero() {
		fresh.FetchedAt = c.now()
	}

	c.commit.RLock()
	defer c.commit.RUnlock()

	c.mu.Lock()
	current := c.generation(key.Path) == gen
	c.mu.Unlock()
	if !current {
		c.log.Debug().Str("family", Family(key.Path)).Msg("fetch raced an invalidation, result not stored")
		return outcome{entry: fresh}, nil
	}
	if err := c.store.Set(ctx, key, fresh); err != nil {
		c.log.Warn().Err(err).Str("family", Family(key.Path)).Msg("cache store failed")
	}
	return outcome{entry: fresh}, nil
}

// Invalidate drops every entry in the family of path. Fetches of that family
// already in flight are forgotten and will not store their results, so later
// callers start a fresh fetch.
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	family := Family(path)

	c.commit.Lock()
	c.mu.Lock()
	c.gens[family]++
	for id, f := range c.inflight {
		if InFamily(f.path, family) {
			c.group.Forget(id)
			delete(c.inflight, id)
		}
	}
	c.mu.Unlock()
	c.commit.Unlock()

	c.metrics.Invalidated()
	if err := c.store.DeleteFamily(ctx, family); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", family, err)
	}
	c.log.Debug().Str("family", family).Msg("family invalidated")
	return nil
}

// lookup reads key from the store. Store failures degrade to a miss.
func (c *Cache) lookup(ctx context.Context, key Key) *Entry {
	e, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn().Err(err).Msg("cache read failed, treating as miss")
		}
		return nil
	}
	if e.Scope != c.scope {
		c.log.Debug().Str("family", Family(key.Path)).Msg("cached entry from another privacy scope, treating as miss")
		return nil
	}
	return e
}

// Scope returns the scope entries are stored under.
func (c *Cache) Scope() string { return c.scope }

// generation sums the invalidation counts of every family path belongs to.
// Callers hold c.mu.
func (c *Cache) generation(path string) uint64 {
	var n uint64
	for _, p := range prefixes(path) {
		n += c.gens[p]
	}
	return n
}
