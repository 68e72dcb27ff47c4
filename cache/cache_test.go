package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache, *MemoryStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return New(store, Options{Now: clk.Now}), store, clk
}

func body(s string) *Entry {
	return &Entry{Body: json.RawMessage(s)}
}

func TestGetOrFetchHitAndExpiry(t *testing.T) {
	c, _, clk := newTestCache(t)
	ctx := context.Background()
	key := NewKey("GET", "/courses/1/assignments", nil)

	var calls int
	var sawStale *Entry
	fetch := func(_ context.Context, stale *Entry) (*Entry, error) {
		calls++
		sawStale = stale
		return &Entry{ETag: `"v1"`, Body: json.RawMessage(`[1]`)}, nil
	}

	e, cached, err := c.GetOrFetch(ctx, key, time.Minute, fetch)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.JSONEq(t, `[1]`, string(e.Body))
	assert.Equal(t, time.Minute, e.TTL)
	assert.Nil(t, sawStale)

	_, cached, err = c.GetOrFetch(ctx, key, time.Minute, fetch)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 1, calls)

	clk.Advance(2 * time.Minute)
	_, cached, err = c.GetOrFetch(ctx, key, time.Minute, fetch)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, calls)
	require.NotNil(t, sawStale)
	assert.Equal(t, `"v1"`, sawStale.ETag)
}

func TestZeroTTLAlwaysFetches(t *testing.T) {
	c, _, _ := newTestCache(t)
	key := NewKey("GET", "/courses", nil)

	var calls int
	fetch := func(context.Context, *Entry) (*Entry, error) {
		calls++
		return body(`[]`), nil
	}
	for i := 0; i < 3; i++ {
		_, _, err := c.GetOrFetch(context.Background(), key, 0, fetch)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	c, _, _ := newTestCache(t)
	key := NewKey("GET", "/courses/1/discussion_topics/9/view", nil)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context, *Entry) (*Entry, error) {
		calls.Add(1)
		<-release
		return body(`{"view":[]}`), nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := c.GetOrFetch(context.Background(), key, time.Minute, fetch)
			assert.NoError(t, err)
			if e != nil {
				results[i] = string(e.Body)
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.JSONEq(t, `{"view":[]}`, r)
	}
}

func TestCancelledCallerDoesNotCancelSharedFetch(t *testing.T) {
	c, store, _ := newTestCache(t)
	key := NewKey("GET", "/courses/1/users", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var fetchErr error
	fetch := func(ctx context.Context, _ *Entry) (*Entry, error) {
		close(started)
		<-release
		fetchErr = ctx.Err()
		return body(`[]`), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFetch(ctx, key, time.Minute, fetch)
		abandoned <- err
	}()
	<-started

	waiter := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFetch(context.Background(), key, time.Minute, fetch)
		waiter <- err
	}()

	cancel()
	assert.ErrorIs(t, <-abandoned, context.Canceled)

	close(release)
	require.NoError(t, <-waiter)
	assert.NoError(t, fetchErr)
	assert.Equal(t, 1, store.Len())
}

func TestFailedFetchIsNotCached(t *testing.T) {
	c, store, _ := newTestCache(t)
	key := NewKey("GET", "/courses/1", nil)
	boom := errors.New("upstream down")

	_, _, err := c.GetOrFetch(context.Background(), key, time.Minute, func(context.Context, *Entry) (*Entry, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.Len())

	_, _, err = c.GetOrFetch(context.Background(), key, time.Minute, func(context.Context, *Entry) (*Entry, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNoEntry)

	e, cached, err := c.GetOrFetch(context.Background(), key, time.Minute, func(context.Context, *Entry) (*Entry, error) {
		return body(`{"id":1}`), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.JSONEq(t, `{"id":1}`, string(e.Body))
}

func TestInvalidateDropsFamily(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()
	fill := func(p string) {
		_, _, err := c.GetOrFetch(ctx, NewKey("GET", p, nil), time.Hour, func(context.Context, *Entry) (*Entry, error) {
			return body(`{}`), nil
		})
		require.NoError(t, err)
	}
	fill("/courses/1/assignments")
	fill("/courses/1/assignments/5")
	fill("/courses/1/assignments/5/submissions")
	fill("/courses/1/discussion_topics")
	require.Equal(t, 4, store.Len())

	require.NoError(t, c.Invalidate(ctx, "/courses/1/assignments/5"))
	assert.Equal(t, 1, store.Len())

	_, err := store.Get(ctx, NewKey("GET", "/courses/1/discussion_topics", nil))
	assert.NoError(t, err)
}

func TestInvalidateDuringFetch(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()
	key := NewKey("GET", "/courses/1/assignments", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context, *Entry) (*Entry, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return body(`"before"`), nil
		}
		return body(`"after"`), nil
	}

	first := make(chan *Entry, 1)
	go func() {
		e, _, err := c.GetOrFetch(ctx, key, time.Hour, fetch)
		assert.NoError(t, err)
		first <- e
	}()
	<-started

	require.NoError(t, c.Invalidate(ctx, "/courses/1/assignments/7"))

	// The stale flight was forgotten, so this caller starts its own fetch.
	e, cached, err := c.GetOrFetch(ctx, key, time.Hour, fetch)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.JSONEq(t, `"after"`, string(e.Body))

	close(release)
	assert.JSONEq(t, `"before"`, string((<-first).Body))

	stored, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `"after"`, string(stored.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestEntryFresh(t *testing.T) {
	now := time.Now()
	var nilEntry *Entry
	assert.False(t, nilEntry.Fresh(now))
	assert.False(t, (&Entry{FetchedAt: now}).Fresh(now))
	assert.True(t, (&Entry{FetchedAt: now, TTL: time.Second}).Fresh(now))
	assert.False(t, (&Entry{FetchedAt: now.Add(-time.Second), TTL: time.Second}).Fresh(now))
}

func TestTTLsFor(t *testing.T) {
	ttls := DefaultTTLs()
	assert.Equal(t, time.Hour, ttls.For(CategoryCourse))
	assert.Equal(t, 15*time.Minute, ttls.For(CategoryUser))
	assert.Equal(t, 10*time.Minute, ttls.For(CategoryAssignment))
	assert.Equal(t, 2*time.Minute, ttls.For(CategoryDiscussion))
	assert.Equal(t, time.Minute, ttls.For(CategorySubmission))
	assert.Equal(t, 5*time.Minute, ttls.For("page"))

	custom := TTLs{CategoryDefault: 30 * time.Second}
	assert.Equal(t, 30*time.Second, custom.For(CategoryCourse))
	assert.Equal(t, DefaultTTL, TTLs{}.For(CategoryCourse))
}

func TestEntriesFromAnotherScopeAreMisses(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	key := NewKey("GET", "/courses/1/users", nil)

	raw := New(store, Options{Scope: "raw"})
	_, _, err = raw.GetOrFetch(ctx, key, time.Hour, func(context.Context, *Entry) (*Entry, error) {
		return &Entry{ETag: `"raw"`, Body: json.RawMessage(`"Jane Doe"`)}, nil
	})
	require.NoError(t, err)

	anon := New(store, Options{Scope: "anon:abc"})
	var sawStale *Entry
	e, cached, err := anon.GetOrFetch(ctx, key, time.Hour, func(_ context.Context, stale *Entry) (*Entry, error) {
		sawStale = stale
		return body(`"Student_1"`), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Nil(t, sawStale, "an entry from another scope must not be revalidated")
	assert.JSONEq(t, `"Student_1"`, string(e.Body))
	assert.Equal(t, "anon:abc", e.Scope)

	stored, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "anon:abc", stored.Scope)
}
