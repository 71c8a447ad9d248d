package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collectionKey = "/lsmttl/v1/collections/10000000030c"

func TestMockStoreGetPut(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	result, err := store.Get(ctx, collectionKey)
	require.NoError(t, err)
	assert.False(t, result.Exists)

	v1, err := store.Put(ctx, collectionKey, []byte(`{"name":"a"}`))
	require.NoError(t, err)
	v2, err := store.Put(ctx, collectionKey, []byte(`{"name":"b"}`))
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	result, err = store.Get(ctx, collectionKey)
	require.NoError(t, err)
	assert.True(t, result.Exists)
	assert.Equal(t, `{"name":"b"}`, string(result.Value))
	assert.Equal(t, v2, result.Version)
}

func TestMockStoreCAS(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	v, err := store.Put(ctx, collectionKey, []byte("x"), WithExpectedVersion(0))
	require.NoError(t, err)

	_, err = store.Put(ctx, collectionKey, []byte("y"), WithExpectedVersion(0))
	assert.ErrorIs(t, err, ErrVersionMismatch)

	_, err = store.Put(ctx, collectionKey, []byte("y"), WithExpectedVersion(v+10))
	assert.ErrorIs(t, err, ErrVersionMismatch)

	_, err = store.Put(ctx, collectionKey, []byte("y"), WithExpectedVersion(v))
	assert.NoError(t, err)
}

func TestMockStoreDelete(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	v, err := store.Put(ctx, collectionKey, []byte("x"))
	require.NoError(t, err)

	assert.ErrorIs(t, store.Delete(ctx, collectionKey, WithDeleteExpectedVersion(v+1)), ErrVersionMismatch)
	require.NoError(t, store.Delete(ctx, collectionKey, WithDeleteExpectedVersion(v)))
	require.NoError(t, store.Delete(ctx, collectionKey))

	result, err := store.Get(ctx, collectionKey)
	require.NoError(t, err)
	assert.False(t, result.Exists)
}

func TestMockStoreList(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	for _, k := range []string{"/p/c", "/p/a", "/p/b", "/q/a"} {
		_, err := store.Put(ctx, k, []byte(k))
		require.NoError(t, err)
	}

	kvs, err := store.List(ctx, "/p/", "", 0)
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	assert.Equal(t, "/p/a", kvs[0].Key)
	assert.Equal(t, "/p/c", kvs[2].Key)

	kvs, err = store.List(ctx, "/p/a", "/p/c", 0)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "/p/b", kvs[1].Key)

	kvs, err = store.List(ctx, "/p/", "", 1)
	require.NoError(t, err)
	assert.Len(t, kvs, 1)
}

func TestMockStoreFailGets(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	boom := errors.New("unavailable")

	store.FailGets(collectionKey, boom)
	_, err := store.Get(ctx, collectionKey)
	assert.ErrorIs(t, err, boom)

	store.FailGets(collectionKey, nil)
	_, err = store.Get(ctx, collectionKey)
	assert.NoError(t, err)
}

func TestMockStorePutEphemeral(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	const lease = "/lsmttl/v1/sweep-lease"
	v, err := store.PutEphemeral(ctx, lease, []byte("worker-1"), WithEphemeralExpectNotExists())
	require.NoError(t, err)
	assert.Positive(t, v)

	_, err = store.PutEphemeral(ctx, lease, []byte("worker-2"), WithEphemeralExpectNotExists())
	assert.ErrorIs(t, err, ErrVersionMismatch)

	_, err = store.PutEphemeral(ctx, lease, []byte("worker-1"), WithEphemeralExpectedVersion(v+10))
	assert.ErrorIs(t, err, ErrVersionMismatch)

	renewed, err := store.PutEphemeral(ctx, lease, []byte("worker-1"), WithEphemeralExpectedVersion(v))
	require.NoError(t, err)
	assert.Greater(t, renewed, v)

	result, err := store.Get(ctx, lease)
	require.NoError(t, err)
	assert.True(t, result.Exists)
	assert.Equal(t, "worker-1", string(result.Value))
}

func TestMockStoreNotifications(t *testing.T) {
	store := NewMockStore()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := store.Notifications(ctx)
	require.NoError(t, err)
	defer stream.Close()

	store.SimulateNotification(Notification{Key: collectionKey, Version: 3})
	n, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, collectionKey, n.Key)
	assert.Equal(t, Version(3), n.Version)

	require.NoError(t, store.Close())
	_, err = stream.Next(ctx)
	assert.Error(t, err)
}

func TestMockStoreClosed(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Get(ctx, collectionKey)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.Put(ctx, collectionKey, nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Delete(ctx, collectionKey), ErrStoreClosed)
	_, err = store.List(ctx, "/", "", 0)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.Notifications(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestExtractOptions(t *testing.T) {
	assert.Nil(t, ExtractExpectedVersion(nil))
	v := ExtractExpectedVersion([]PutOption{WithExpectedVersion(4)})
	require.NotNil(t, v)
	assert.Equal(t, Version(4), *v)

	d := ExtractDeleteExpectedVersion([]DeleteOption{WithDeleteExpectedVersion(2)})
	require.NotNil(t, d)
	assert.Equal(t, Version(2), *d)

	notExists, ev := ExtractEphemeralOptions([]EphemeralOption{WithEphemeralExpectNotExists()})
	assert.True(t, notExists)
	assert.Nil(t, ev)
}
