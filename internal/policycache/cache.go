// Package policycache caches collection expiry policies in front of an
// external policy authority.
//
// A cold Lookup asks the authority for the policy through a Fetcher and
// blocks until the authority answers with Insert or Reject, the wait times
// out, or the cache shuts down. Every Insert wakes all waiters; each waiter
// re-checks the cache for its own key. Concurrent cold lookups of the same
// key each issue their own fetch request.
package policycache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/metrics"
	"github.com/dray-io/lsmttl/internal/sext"
)

// ErrCacheClosed is returned by Insert after Shutdown.
var ErrCacheClosed = errors.New("policycache: cache closed")

const (
	DefaultCapacity     = 1000
	DefaultPollInterval = time.Second
	DefaultMaxWait      = 10 * time.Second
)

// Config configures a Cache.
type Config struct {
	// Capacity bounds the number of cached collections.
	Capacity int
	// PollInterval is the longest a waiter sleeps before re-checking the
	// cache when no insert wakes it.
	PollInterval time.Duration
	// MaxWait bounds a cold lookup. Negative waits until the entry
	// appears, the fetch is rejected, or the cache shuts down.
	MaxWait time.Duration
	// Fetcher is asked for missing policies. Nil makes every miss return
	// immediately.
	Fetcher Fetcher
	Metrics *metrics.PolicyCacheMetrics
	// Now is used for entry lifetimes. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	policy    expiry.ExpiryPolicy
	expiresAt time.Time
	// seq identifies the insert that stored the entry.
	seq uint64
}

// Cache maps collection ids to expiry policies.
type Cache struct {
	cfg Config
	lru *lru.Cache[string, entry]

	mu      sync.Mutex
	fetcher Fetcher
	wake    chan struct{}
	gen     uint64
	seq     uint64
	waiting map[string]int
	rejects map[string]uint64
	closed  bool
	done    chan struct{}
}

// New creates a Cache. Zero config fields take their defaults.
func New(cfg Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		cfg:     cfg,
		fetcher: cfg.Fetcher,
		wake:    make(chan struct{}),
		waiting: make(map[string]int),
		rejects: make(map[string]uint64),
		done:    make(chan struct{}),
	}
	l, err := lru.NewWithEvict[string, entry](cfg.Capacity, func(string, entry) {
		cfg.Metrics.RecordEviction()
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Lookup returns the policy of a collection. A miss with a configured
// Fetcher requests the policy and waits for it. The returned policy is a
// copy; nothing needs to be released.
func (c *Cache) Lookup(id sext.CollectionID) (expiry.ExpiryPolicy, bool) {
	key := string(id)
	if c.isClosed() {
		c.cfg.Metrics.RecordLookup(metrics.LookupClosed)
		return expiry.ExpiryPolicy{}, false
	}
	if p, ok := c.get(key); ok {
		c.cfg.Metrics.RecordLookup(metrics.LookupHit)
		return p, true
	}
	fetcher := c.currentFetcher()
	if fetcher == nil {
		c.cfg.Metrics.RecordLookup(metrics.LookupMiss)
		return expiry.ExpiryPolicy{}, false
	}

	start := time.Now()
	p, result := c.fetchAndWait(fetcher, id)
	c.cfg.Metrics.RecordLookup(result)
	if result != metrics.LookupRefused {
		c.cfg.Metrics.ObserveWait(time.Since(start).Seconds())
	}
	return p, result == metrics.LookupFilled
}

func (c *Cache) fetchAndWait(fetcher Fetcher, id sext.CollectionID) (expiry.ExpiryPolicy, string) {
	key := string(id)
	startGen, ok := c.register(key)
	if !ok {
		return expiry.ExpiryPolicy{}, metrics.LookupClosed
	}
	defer c.unregister(key)

	typ, name, _ := sext.ParseCollection(id)
	accepted := fetcher.FetchPolicy(FetchRequest{
		Action:   ActionCollectionProperties,
		Args:     []string{typ, name},
		ReplyKey: id,
	})
	c.cfg.Metrics.RecordFetch(accepted)
	if !accepted {
		return expiry.ExpiryPolicy{}, metrics.LookupRefused
	}

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	var deadline <-chan time.Time
	if c.cfg.MaxWait > 0 {
		timer := time.NewTimer(c.cfg.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.mu.Lock()
		wake := c.wake
		closed := c.closed
		rejected := c.rejects[key] > startGen
		c.mu.Unlock()

		if closed {
			return expiry.ExpiryPolicy{}, metrics.LookupClosed
		}
		if p, ok := c.get(key); ok {
			return p, metrics.LookupFilled
		}
		if rejected {
			return expiry.ExpiryPolicy{}, metrics.LookupRejected
		}

		select {
		case <-wake:
		case <-poll.C:
		case <-deadline:
			return expiry.ExpiryPolicy{}, metrics.LookupTimeout
		}
	}
}

// SetFetcher replaces the Fetcher used for later misses. Authorities that
// insert into this cache are usually built after it.
func (c *Cache) SetFetcher(f Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetcher = f
}

func (c *Cache) currentFetcher() Fetcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetcher
}

// Get returns a cached policy without fetching.
func (c *Cache) Get(id sext.CollectionID) (expiry.ExpiryPolicy, bool) {
	if c.isClosed() {
		return expiry.ExpiryPolicy{}, false
	}
	return c.get(string(id))
}

func (c *Cache) get(key string) (expiry.ExpiryPolicy, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return expiry.ExpiryPolicy{}, false
	}
	if !e.expiresAt.IsZero() && !c.cfg.Now().Before(e.expiresAt) {
		c.removeStale(key, e.seq)
		return expiry.ExpiryPolicy{}, false
	}
	return e.policy, true
}

// removeStale drops key only while it still holds the entry stored by
// insert seq. A policy inserted after the stale read survives.
func (c *Cache) removeStale(key string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(key); ok && cur.seq == seq {
		c.lru.Remove(key)
		c.cfg.Metrics.SetEntries(c.lru.Len())
	}
}

// Insert stores a policy and wakes all waiting lookups.
func (c *Cache) Insert(id sext.CollectionID, p expiry.ExpiryPolicy) error {
	return c.InsertWithLifetime(id, p, 0)
}

// InsertWithLifetime stores a policy that is dropped after lifetime, so
// the next lookup fetches it again. Zero means no lifetime.
func (c *Cache) InsertWithLifetime(id sext.CollectionID, p expiry.ExpiryPolicy, lifetime time.Duration) error {
	e := entry{policy: p}
	if lifetime > 0 {
		e.expiresAt = c.cfg.Now().Add(lifetime)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.seq++
	e.seq = c.seq
	c.lru.Add(string(id), e)
	c.broadcastLocked()
	c.cfg.Metrics.RecordInsert(c.lru.Len())
	return nil
}

// Reject reports that the authority could not resolve a policy. Lookups
// waiting on id return a miss.
func (c *Cache) Reject(id sext.CollectionID) error {
	key := string(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.broadcastLocked()
	if c.waiting[key] > 0 {
		c.rejects[key] = c.gen
	}
	return nil
}

// Invalidate drops a cached policy.
func (c *Cache) Invalidate(id sext.CollectionID) bool {
	present := c.lru.Remove(string(id))
	c.cfg.Metrics.SetEntries(c.lru.Len())
	return present
}

// Purge drops every cached policy.
func (c *Cache) Purge() {
	c.lru.Purge()
	c.cfg.Metrics.SetEntries(0)
}

// Len returns the number of cached policies.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Walk calls fn for every cached policy, oldest first, until fn returns
// false.
func (c *Cache) Walk(fn func(id sext.CollectionID, p expiry.ExpiryPolicy) bool) {
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if !fn(sext.CollectionID(key), e.policy) {
			return
		}
	}
}

// Shutdown wakes all waiters and disables the cache. Later lookups miss
// and inserts fail with ErrCacheClosed. Shutdown is idempotent.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.broadcastLocked()
	c.mu.Unlock()

	c.lru.Purge()
	c.cfg.Metrics.SetEntries(0)
}

// Done is closed by Shutdown.
func (c *Cache) Done() <-chan struct{} {
	return c.done
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cache) register(key string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.waiting[key]++
	return c.gen, true
}

func (c *Cache) unregister(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting[key]--; c.waiting[key] <= 0 {
		delete(c.waiting, key)
		delete(c.rejects, key)
	}
}

func (c *Cache) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
	c.gen++
}
