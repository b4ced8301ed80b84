package cache

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(cfg Config) (*Cache[string], *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)}
	c := New[string](cfg)
	c.now = clk.now
	return c, clk
}

func TestGetExpiresSynchronously(t *testing.T) {
	c, clk := newTestCache(Config{})

	c.Set("x", "v", 50*time.Millisecond)
	v, ok := c.Get("x")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clk.advance(60 * time.Millisecond)
	_, ok = c.Get("x")
	assert.False(t, ok)
	assert.NotContains(t, c.Keys(), "x")
	assert.Equal(t, 0, c.Stats().Size, "expired entry removed on read")
}

func TestExpiryBoundary(t *testing.T) {
	c, clk := newTestCache(Config{})

	c.Set("x", "v", time.Second)
	clk.advance(time.Second)
	_, ok := c.Get("x")
	assert.True(t, ok, "still present at exactly expiresAt")
	assert.Zero(t, c.ClearExpired())

	clk.advance(time.Nanosecond)
	_, ok = c.Get("x")
	assert.False(t, ok)
}

func TestNoExpiry(t *testing.T) {
	c, clk := newTestCache(Config{})

	c.Set("ref:AAPL", "Apple Inc.", NoExpiry)
	clk.advance(365 * 24 * time.Hour)

	v, ok := c.Get("ref:AAPL")
	require.True(t, ok)
	assert.Equal(t, "Apple Inc.", v)
	assert.Zero(t, c.ClearExpired())
}

func TestGetOrFetch(t *testing.T) {
	c, clk := newTestCache(Config{})
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "fetched", nil
	}

	v, err := c.GetOrFetch(ctx, "k", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fetched", v)

	v, err = c.GetOrFetch(ctx, "k", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fetched", v)
	assert.Equal(t, 1, calls)

	clk.advance(2 * time.Minute)
	_, err = c.GetOrFetch(ctx, "k", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrFetchErrorNotCached(t *testing.T) {
	c, _ := newTestCache(Config{})
	boom := errors.New("boom")

	_, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (string, error) {
		return "", boom
	}, time.Minute)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, c.Keys())
}

func TestClearExpiredAndClear(t *testing.T) {
	c, clk := newTestCache(Config{})

	c.Set("a", "1", time.Second)
	c.Set("b", "2", time.Hour)
	c.Set("c", "3", NoExpiry)
	clk.advance(2 * time.Second)

	assert.Equal(t, 1, c.ClearExpired())
	assert.Equal(t, []string{"b", "c"}, c.Keys())

	c.Clear()
	assert.Empty(t, c.Keys())
	assert.Equal(t, 0, c.Stats().Size)
}

func TestClearMatching(t *testing.T) {
	c, _ := newTestCache(Config{})

	c.Set("prevclose:AAPL", "1", time.Hour)
	c.Set("prevclose:MSFT", "2", time.Hour)
	c.Set("ticker:AAPL", "3", NoExpiry)

	n := c.ClearMatching(regexp.MustCompile(`^prevclose:`))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"ticker:AAPL"}, c.Keys())
	assert.Zero(t, c.ClearMatching(nil))
}

func TestStatsHitRate(t *testing.T) {
	c, _ := newTestCache(Config{})
	assert.Equal(t, 0.0, c.Stats().HitRate)

	c.Set("a", "1", time.Minute)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	st := c.Stats()
	assert.EqualValues(t, 3, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.InDelta(t, 0.75, st.HitRate, 1e-9)
	assert.Equal(t, 1, st.Size)
}

func TestMaxEntriesEvictsClosestToExpiry(t *testing.T) {
	c, _ := newTestCache(Config{MaxEntries: 2})

	c.Set("perm", "p", NoExpiry)
	c.Set("soon", "s", time.Second)
	c.Set("later", "l", time.Hour)

	assert.Equal(t, []string{"later", "perm"}, c.Keys())

	c.Set("later", "l2", time.Hour) // overwrite does not evict
	assert.Len(t, c.Keys(), 2)
}

func TestMaxEntriesPrefersExpired(t *testing.T) {
	c, clk := newTestCache(Config{MaxEntries: 2})

	c.Set("a", "1", time.Second)
	c.Set("b", "2", 10*time.Second)
	clk.advance(2 * time.Second)
	c.Set("c", "3", time.Second)

	assert.Equal(t, []string{"b", "c"}, c.Keys())
}

func TestBackgroundSweep(t *testing.T) {
	c := New[int](Config{SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Set("a", 1, time.Millisecond)
	c.Start(ctx)
	c.Start(ctx)

	require.Eventually(t, func() bool { return c.Stats().Size == 0 }, time.Second, 2*time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestCloseWithoutStart(t *testing.T) {
	c := New[int](Config{})
	assert.NoError(t, c.Close())
}
