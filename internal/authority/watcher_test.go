package authority

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/lsmttl/internal/collection"
	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/metadata/keys"
)

var stale = expiry.ExpiryPolicy{Enabled: true, TTLMinutes: 1}

func newWatcher(t *testing.T, meta metadata.MetadataStore, cache Cache, mutate func(*WatcherConfig)) *Watcher {
	t.Helper()
	cfg := WatcherConfig{
		Meta:           meta,
		Cache:          cache,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func collectionKey(t *testing.T, typ, name string) string {
	t.Helper()
	rec := collection.Record{Type: typ, Name: name}
	key, err := collection.KeyFor(rec.ID())
	require.NoError(t, err)
	return key
}

func TestNewWatcherValidatesConfig(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{})
	assert.Error(t, err)
	_, err = NewWatcher(WatcherConfig{Meta: metadata.NewMockStore()})
	assert.Error(t, err)
}

func TestWatcherRefreshesCachedCollection(t *testing.T) {
	meta := metadata.NewMockStore()
	putRecord(t, meta, "", "events", map[string]string{collection.PropExpiryTTL: "120"})

	cache := newCache(t)
	require.NoError(t, cache.Insert(events, stale))

	w := newWatcher(t, meta, cache, nil)
	w.Handle(metadata.Notification{Key: collectionKey(t, "", "events"), Version: 2})

	p, ok := cache.Get(events)
	require.True(t, ok)
	assert.Equal(t, uint64(120), p.TTLMinutes)
}

func TestWatcherIgnoresUncachedCollection(t *testing.T) {
	meta := metadata.NewMockStore()
	putRecord(t, meta, "", "events", map[string]string{collection.PropExpiryTTL: "120"})

	cache := newCache(t)
	w := newWatcher(t, meta, cache, nil)
	w.Handle(metadata.Notification{Key: collectionKey(t, "", "events"), Version: 2})

	_, ok := cache.Get(events)
	assert.False(t, ok)
}

func TestWatcherDropsDeletedCollection(t *testing.T) {
	cache := newCache(t)
	require.NoError(t, cache.Insert(events, stale))
	require.NoError(t, cache.Insert(cpu, stale))

	w := newWatcher(t, metadata.NewMockStore(), cache, nil)
	w.Handle(metadata.Notification{Key: collectionKey(t, "", "events"), Deleted: true})

	_, ok := cache.Get(events)
	assert.False(t, ok)
	_, ok = cache.Get(cpu)
	assert.True(t, ok)
}

func TestWatcherDropsEntryWhenRecordBecomesInvalid(t *testing.T) {
	meta := metadata.NewMockStore()
	key := collectionKey(t, "", "events")
	_, err := meta.Put(context.Background(), key, []byte(`{"name":"events","properties":{"expiry.enabled":"maybe"}}`))
	require.NoError(t, err)

	cache := newCache(t)
	require.NoError(t, cache.Insert(events, stale))

	w := newWatcher(t, meta, cache, nil)
	w.Handle(metadata.Notification{Key: key, Version: 1})

	_, ok := cache.Get(events)
	assert.False(t, ok)
}

func TestWatcherIgnoresUnrelatedKeys(t *testing.T) {
	cache := newCache(t)
	require.NoError(t, cache.Insert(events, stale))

	w := newWatcher(t, metadata.NewMockStore(), cache, nil)
	w.Handle(metadata.Notification{Key: keys.SweepLeaseKey, Deleted: true})
	w.Handle(metadata.Notification{Key: "/elsewhere", Deleted: true})

	assert.Equal(t, 1, cache.Len())
}

func TestWatcherPurgesOnRangeDelete(t *testing.T) {
	cache := newCache(t)
	require.NoError(t, cache.Insert(events, stale))
	require.NoError(t, cache.Insert(cpu, stale))

	w := newWatcher(t, metadata.NewMockStore(), cache, nil)
	w.Handle(metadata.Notification{Key: keys.CollectionsPrefix, Deleted: true, RangeEnd: keys.CollectionsPrefix + "/"})

	assert.Equal(t, 0, cache.Len())
}

func TestWatcherDefaultPolicyChange(t *testing.T) {
	meta := metadata.NewMockStore()
	require.NoError(t, collection.NewStore(meta).PutDefault(context.Background(), map[string]string{
		collection.PropExpiryTTL: "1w",
	}))

	cache := newCache(t)
	require.NoError(t, cache.Insert(events, stale))

	var (
		mu       sync.Mutex
		gotProps map[string]string
		gotOK    bool
	)
	w := newWatcher(t, meta, cache, func(cfg *WatcherConfig) {
		cfg.OnDefaultChange = func(props map[string]string, ok bool) {
			mu.Lock()
			defer mu.Unlock()
			gotProps, gotOK = props, ok
		}
	})

	w.Handle(metadata.Notification{Key: keys.DefaultPolicyKey, Version: 1})
	mu.Lock()
	assert.True(t, gotOK)
	assert.Equal(t, "1w", gotProps[collection.PropExpiryTTL])
	mu.Unlock()
	assert.Equal(t, 0, cache.Len())

	require.NoError(t, cache.Insert(events, stale))
	w.Handle(metadata.Notification{Key: keys.DefaultPolicyKey, Deleted: true})
	mu.Lock()
	assert.False(t, gotOK)
	assert.Nil(t, gotProps)
	mu.Unlock()
	assert.Equal(t, 0, cache.Len())
}

func TestWatcherFollowsNotificationStream(t *testing.T) {
	meta := metadata.NewMockStore()
	putRecord(t, meta, "", "events", map[string]string{collection.PropExpiryTTL: "30"})

	cache := newCache(t)
	require.NoError(t, cache.Insert(events, stale))

	w := newWatcher(t, meta, cache, nil)
	w.Start()

	meta.SimulateNotification(metadata.Notification{Key: collectionKey(t, "", "events"), Version: 2})
	assert.Eventually(t, func() bool {
		p, ok := cache.Get(events)
		return ok && p.TTLMinutes == 30
	}, time.Second, 5*time.Millisecond)

	meta.SimulateNotification(metadata.Notification{Key: collectionKey(t, "", "events"), Deleted: true})
	assert.Eventually(t, func() bool {
		_, ok := cache.Get(events)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherPurgesOnDisconnect(t *testing.T) {
	meta := metadata.NewMockStore()
	cache := newCache(t)

	w := newWatcher(t, meta, cache, nil)
	w.Start()

	require.NoError(t, cache.Insert(events, stale))
	require.NoError(t, cache.Insert(cpu, stale))
	require.NoError(t, meta.Close())

	assert.Eventually(t, func() bool {
		return cache.Len() == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
}

func TestWatcherStartAfterCloseIsNoop(t *testing.T) {
	w := newWatcher(t, metadata.NewMockStore(), newCache(t), nil)
	require.NoError(t, w.Close())
	w.Start()
	require.NoError(t, w.Close())
}
