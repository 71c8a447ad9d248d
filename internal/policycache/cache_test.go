package policycache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/metrics"
	"github.com/dray-io/lsmttl/internal/sext"
)

var (
	one   = sext.Collection("", "one")
	two   = sext.Collection("type", "two")
	three = sext.Collection("", "three")
	four  = sext.Collection("type", "four")

	dayTTL = expiry.ExpiryPolicy{Enabled: true, TTLMinutes: 1440, WholeFileExpiry: true}
	hour   = expiry.ExpiryPolicy{Enabled: true, TTLMinutes: 60}
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestLookupWithoutFetcher(t *testing.T) {
	c := newTestCache(t, Config{})

	for _, id := range []sext.CollectionID{one, two, three, four} {
		_, ok := c.Lookup(id)
		assert.False(t, ok)
	}

	for _, id := range []sext.CollectionID{one, two, three, four} {
		require.NoError(t, c.Insert(id, dayTTL))
	}
	for _, id := range []sext.CollectionID{one, two, three, four} {
		p, ok := c.Lookup(id)
		assert.True(t, ok)
		assert.Equal(t, dayTTL, p)
	}
	assert.Equal(t, 4, c.Len())
}

func TestShutdown(t *testing.T) {
	c := newTestCache(t, Config{})
	require.NoError(t, c.Insert(one, dayTTL))

	c.Shutdown()
	c.Shutdown()

	_, ok := c.Lookup(one)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Insert(one, dayTTL), ErrCacheClosed)
	assert.ErrorIs(t, c.Reject(one), ErrCacheClosed)
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestLRUEviction(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestCache(t, Config{Capacity: 2, Metrics: metrics.NewPolicyCacheMetricsWithRegistry(reg)})

	require.NoError(t, c.Insert(one, dayTTL))
	require.NoError(t, c.Insert(two, hour))
	require.NoError(t, c.Insert(three, dayTTL))

	_, ok := c.Lookup(one)
	assert.False(t, ok)
	_, ok = c.Lookup(two)
	assert.True(t, ok)
	_, ok = c.Lookup(three)
	assert.True(t, ok)
	assert.Equal(t, 1.0, counterValue(t, reg, "lsmttl_policy_cache_evictions_total"))
}

func TestLookupFetcherInsertsSynchronously(t *testing.T) {
	var c *Cache
	var calls atomic.Int32
	c = newTestCache(t, Config{Fetcher: FetcherFunc(func(req FetchRequest) bool {
		calls.Add(1)
		assert.Equal(t, ActionCollectionProperties, req.Action)
		assert.Equal(t, []string{"type", "two"}, req.Args)
		require.NoError(t, c.Insert(req.ReplyKey, hour))
		return true
	})})

	p, ok := c.Lookup(two)
	require.True(t, ok)
	assert.Equal(t, hour, p)

	// second lookup is a hit
	_, ok = c.Lookup(two)
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLookupWaitsForAsyncInsert(t *testing.T) {
	var c *Cache
	c = newTestCache(t, Config{Fetcher: FetcherFunc(func(req FetchRequest) bool {
		go func() {
			time.Sleep(250 * time.Millisecond)
			_ = c.Insert(req.ReplyKey, dayTTL)
		}()
		return true
	})})

	start := time.Now()
	p, ok := c.Lookup(three)
	require.True(t, ok)
	assert.Equal(t, dayTTL, p)
	// woken by the insert, not the poll interval
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestLookupRefused(t *testing.T) {
	c := newTestCache(t, Config{Fetcher: FetcherFunc(func(FetchRequest) bool { return false })})
	_, ok := c.Lookup(one)
	assert.False(t, ok)
}

func TestLookupRejected(t *testing.T) {
	var c *Cache
	c = newTestCache(t, Config{MaxWait: -1, Fetcher: FetcherFunc(func(req FetchRequest) bool {
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = c.Reject(req.ReplyKey)
		}()
		return true
	})})

	_, ok := c.Lookup(one)
	assert.False(t, ok)
}

func TestLookupTimeout(t *testing.T) {
	c := newTestCache(t, Config{
		PollInterval: 20 * time.Millisecond,
		MaxWait:      100 * time.Millisecond,
		Fetcher:      FetcherFunc(func(FetchRequest) bool { return true }),
	})

	start := time.Now()
	_, ok := c.Lookup(one)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLookupPollsWithoutWakeup(t *testing.T) {
	// an entry that appears without a broadcast is found by polling
	var c *Cache
	c = newTestCache(t, Config{
		PollInterval: 20 * time.Millisecond,
		MaxWait:      5 * time.Second,
		Fetcher: FetcherFunc(func(req FetchRequest) bool {
			go func() {
				time.Sleep(50 * time.Millisecond)
				c.lru.Add(string(req.ReplyKey), entry{policy: hour})
			}()
			return true
		}),
	})

	p, ok := c.Lookup(four)
	require.True(t, ok)
	assert.Equal(t, hour, p)
}

func TestShutdownReleasesWaiters(t *testing.T) {
	c := newTestCache(t, Config{MaxWait: -1, Fetcher: FetcherFunc(func(FetchRequest) bool { return true })})

	done := make(chan bool)
	go func() {
		_, ok := c.Lookup(one)
		done <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	c.Shutdown()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by shutdown")
	}
}

func TestBroadcastDeliversEachWaiterItsOwnPolicy(t *testing.T) {
	requests := make(chan FetchRequest, 2)
	c := newTestCache(t, Config{MaxWait: 5 * time.Second, Fetcher: FetcherFunc(func(req FetchRequest) bool {
		requests <- req
		return true
	})})

	var wg sync.WaitGroup
	results := make([]expiry.ExpiryPolicy, 2)
	oks := make([]bool, 2)
	for i, id := range []sext.CollectionID{one, two} {
		wg.Add(1)
		go func(i int, id sext.CollectionID) {
			defer wg.Done()
			results[i], oks[i] = c.Lookup(id)
		}(i, id)
	}

	// answer in arrival order; each answer wakes both waiters
	for i := 0; i < 2; i++ {
		req := <-requests
		p := dayTTL
		if string(req.ReplyKey) == string(two) {
			p = hour
		}
		require.NoError(t, c.Insert(req.ReplyKey, p))
	}
	wg.Wait()

	assert.Equal(t, []bool{true, true}, oks)
	assert.Equal(t, dayTTL, results[0])
	assert.Equal(t, hour, results[1])
}

func TestConcurrentColdLookupsFetchIndependently(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	var c *Cache
	c = newTestCache(t, Config{Fetcher: FetcherFunc(func(req FetchRequest) bool {
		if calls.Add(1) == 3 {
			close(release)
		}
		go func() {
			<-release
			_ = c.Insert(req.ReplyKey, hour)
		}()
		return true
	})})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := c.Lookup(one)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestInsertWithLifetime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestCache(t, Config{Now: func() time.Time { return now }})

	require.NoError(t, c.InsertWithLifetime(one, hour, 5*time.Minute))
	_, ok := c.Get(one)
	assert.True(t, ok)

	now = now.Add(5 * time.Minute)
	_, ok = c.Get(one)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestStaleReadKeepsConcurrentInsert(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Unix(1_700_000_000, 0).UnixNano())
	var armed atomic.Bool
	reached := make(chan struct{})
	release := make(chan struct{})
	c := newTestCache(t, Config{Now: func() time.Time {
		now := time.Unix(0, clock.Load())
		if armed.CompareAndSwap(true, false) {
			close(reached)
			<-release
		}
		return now
	}})

	require.NoError(t, c.InsertWithLifetime(one, hour, time.Minute))
	clock.Add(int64(2 * time.Minute))
	armed.Store(true)

	// the reader holds the expired entry while a fresh policy lands
	stale := make(chan bool, 1)
	go func() {
		_, ok := c.Get(one)
		stale <- ok
	}()
	<-reached
	require.NoError(t, c.Insert(one, dayTTL))
	close(release)
	assert.False(t, <-stale)

	p, ok := c.Get(one)
	assert.True(t, ok)
	assert.Equal(t, dayTTL, p)
	assert.Equal(t, 1, c.Len())
}

func TestInvalidateAndWalk(t *testing.T) {
	c := newTestCache(t, Config{})
	require.NoError(t, c.Insert(one, hour))
	require.NoError(t, c.Insert(two, dayTTL))
	require.NoError(t, c.Insert(three, hour))

	assert.True(t, c.Invalidate(two))
	assert.False(t, c.Invalidate(two))

	var seen []string
	c.Walk(func(id sext.CollectionID, p expiry.ExpiryPolicy) bool {
		_, name, _ := sext.ParseCollection(id)
		seen = append(seen, name)
		return true
	})
	assert.Equal(t, []string{"one", "three"}, seen)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			var sum float64
			for _, m := range family.GetMetric() {
				sum += m.GetCounter().GetValue()
			}
			return sum
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
