package authority

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dray-io/lsmttl/internal/collection"
	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/policycache"
)

const (
	requestTopic = "policy-requests"
	replyTopic   = "policy-replies"
)

type fakeKafka struct {
	mu         sync.Mutex
	produced   []*kgo.Record
	produceErr error
	onProduce  func(*kgo.Record)
	fetches    chan kgo.Fetches
}

func newFakeKafka() *fakeKafka {
	return &fakeKafka{fetches: make(chan kgo.Fetches, 16)}
}

func (c *fakeKafka) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	c.mu.Lock()
	c.produced = append(c.produced, r)
	err, hook := c.produceErr, c.onProduce
	c.mu.Unlock()

	if err == nil && hook != nil {
		hook(r)
	}
	if promise != nil {
		promise(r, err)
	}
}

func (c *fakeKafka) PollFetches(ctx context.Context) kgo.Fetches {
	select {
	case <-ctx.Done():
		return nil
	case f := <-c.fetches:
		return f
	}
}

func (c *fakeKafka) Close() {}

func (c *fakeKafka) deliver(recs ...*kgo.Record) {
	c.fetches <- kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      recs[0].Topic,
		Partitions: []kgo.FetchPartition{{Records: recs}},
	}}}}
}

func (c *fakeKafka) lastProduced(t *testing.T) *kgo.Record {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.produced)
	return c.produced[len(c.produced)-1]
}

func newKafkaFetcher(t *testing.T, client KafkaClient, cache Cache, mutate func(*KafkaFetcherConfig)) *KafkaFetcher {
	t.Helper()
	cfg := KafkaFetcherConfig{
		Client:       client,
		Cache:        cache,
		RequestTopic: requestTopic,
		ReplyTopic:   replyTopic,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := NewKafkaFetcher(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestNewKafkaFetcherValidatesConfig(t *testing.T) {
	_, err := NewKafkaFetcher(KafkaFetcherConfig{})
	assert.Error(t, err)

	_, err = NewKafkaFetcher(KafkaFetcherConfig{Client: newFakeKafka(), Cache: newCache(t)})
	assert.Error(t, err)
}

func TestKafkaRoundTrip(t *testing.T) {
	meta := metadata.NewMockStore()
	putRecord(t, meta, "", "events", map[string]string{collection.PropExpiryTTL: "90"})
	responder := NewKafkaResponder(nil, collection.NewStore(meta), nil)

	client := newFakeKafka()
	client.onProduce = func(r *kgo.Record) {
		if r.Topic != requestTopic {
			return
		}
		reply, ok := responder.Respond(context.Background(), r)
		if ok {
			client.deliver(reply)
		}
	}

	cache := newCache(t)
	f := newKafkaFetcher(t, client, cache, nil)
	f.Start()
	cache.SetFetcher(f)

	p, ok := cache.Lookup(events)
	require.True(t, ok)
	assert.Equal(t, uint64(90), p.TTLMinutes)

	p, ok = cache.Lookup(cpu)
	require.True(t, ok)
	assert.Equal(t, expiry.DefaultPolicy(), p)

	assert.Equal(t, 0, f.Pending())
}

func TestKafkaFetcherRequestRecord(t *testing.T) {
	client := newFakeKafka()
	f := newKafkaFetcher(t, client, newCache(t), nil)

	require.True(t, f.FetchPolicy(policycache.FetchRequest{
		Action:   policycache.ActionCollectionProperties,
		Args:     []string{"timeseries", "cpu"},
		ReplyKey: cpu,
	}))

	rec := client.lastProduced(t)
	assert.Equal(t, requestTopic, rec.Topic)
	assert.Equal(t, []byte(cpu), rec.Key)

	var req PolicyRequest
	require.NoError(t, json.Unmarshal(rec.Value, &req))
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, "collection-properties", req.Action)
	assert.Equal(t, "timeseries", req.Type)
	assert.Equal(t, "cpu", req.Name)
	assert.Equal(t, replyTopic, req.ReplyTopic)
	assert.Equal(t, 1, f.Pending())
}

func pendingRequestID(t *testing.T, client *fakeKafka) string {
	t.Helper()
	var req PolicyRequest
	require.NoError(t, json.Unmarshal(client.lastProduced(t).Value, &req))
	return req.RequestID
}

func replyRecord(t *testing.T, reply PolicyReply) *kgo.Record {
	t.Helper()
	value, err := json.Marshal(reply)
	require.NoError(t, err)
	return &kgo.Record{Topic: replyTopic, Value: value}
}

func TestKafkaFetcherHandleReply(t *testing.T) {
	tests := []struct {
		name   string
		reply  PolicyReply
		want   expiry.ExpiryPolicy
		cached bool
	}{
		{
			name:   "found",
			reply:  PolicyReply{Found: true, Properties: map[string]string{collection.PropExpiryEnabled: "false"}},
			want:   expiry.ExpiryPolicy{WholeFileExpiry: true},
			cached: true,
		},
		{
			name:   "absent",
			reply:  PolicyReply{},
			want:   expiry.DefaultPolicy(),
			cached: true,
		},
		{
			name:  "error",
			reply: PolicyReply{Error: "authority down"},
		},
		{
			name:  "invalid properties",
			reply: PolicyReply{Found: true, Properties: map[string]string{"expiry.colour": "blue"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeKafka()
			cache := newCache(t)
			f := newKafkaFetcher(t, client, cache, nil)

			require.True(t, f.FetchPolicy(policycache.FetchRequest{
				Action:   policycache.ActionCollectionProperties,
				ReplyKey: events,
			}))
			tt.reply.RequestID = pendingRequestID(t, client)
			f.HandleReply(replyRecord(t, tt.reply))

			p, ok := cache.Get(events)
			assert.Equal(t, tt.cached, ok)
			if tt.cached {
				assert.Equal(t, tt.want, p)
			}
			assert.Equal(t, 0, f.Pending())
		})
	}
}

func TestKafkaFetcherIgnoresUnknownReplies(t *testing.T) {
	cache := newCache(t)
	f := newKafkaFetcher(t, newFakeKafka(), cache, nil)

	f.HandleReply(replyRecord(t, PolicyReply{RequestID: "someone-else", Found: true}))
	f.HandleReply(&kgo.Record{Topic: replyTopic, Value: []byte("not json")})

	assert.Equal(t, 0, cache.Len())
}

func TestKafkaFetcherReplyTimeout(t *testing.T) {
	cache := newCache(t)
	f := newKafkaFetcher(t, newFakeKafka(), cache, func(cfg *KafkaFetcherConfig) {
		cfg.ReplyTimeout = 20 * time.Millisecond
	})
	cache.SetFetcher(f)

	start := time.Now()
	_, ok := cache.Lookup(events)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, f.Pending())
}

func TestKafkaFetcherProduceFailureRejects(t *testing.T) {
	client := newFakeKafka()
	client.produceErr = errors.New("broker unavailable")

	cache := newCache(t)
	f := newKafkaFetcher(t, client, cache, nil)
	cache.SetFetcher(f)

	_, ok := cache.Lookup(events)
	assert.False(t, ok)
	assert.Equal(t, 0, f.Pending())
}

func TestKafkaFetcherCloseRejectsPending(t *testing.T) {
	f := newKafkaFetcher(t, newFakeKafka(), newCache(t), nil)
	f.Start()

	require.True(t, f.FetchPolicy(policycache.FetchRequest{
		Action:   policycache.ActionCollectionProperties,
		ReplyKey: events,
	}))
	require.Equal(t, 1, f.Pending())

	require.NoError(t, f.Close())
	assert.Equal(t, 0, f.Pending())
	assert.False(t, f.FetchPolicy(policycache.FetchRequest{
		Action:   policycache.ActionCollectionProperties,
		ReplyKey: events,
	}))
}

func TestKafkaResponderIgnoresForeignRecords(t *testing.T) {
	r := NewKafkaResponder(nil, collection.NewStore(metadata.NewMockStore()), nil)

	_, ok := r.Respond(context.Background(), &kgo.Record{Value: []byte("garbage")})
	assert.False(t, ok)

	value, err := json.Marshal(PolicyRequest{RequestID: "r1", Action: "something-else", Name: "events", ReplyTopic: replyTopic})
	require.NoError(t, err)
	_, ok = r.Respond(context.Background(), &kgo.Record{Key: events, Value: value})
	assert.False(t, ok)
}

func TestKafkaResponderFallsBackToRequestName(t *testing.T) {
	meta := metadata.NewMockStore()
	putRecord(t, meta, "timeseries", "cpu", map[string]string{collection.PropExpiryTTL: "unlimited"})
	r := NewKafkaResponder(nil, collection.NewStore(meta), nil)

	value, err := json.Marshal(PolicyRequest{
		RequestID:  "r1",
		Action:     policycache.ActionCollectionProperties.String(),
		Type:       "timeseries",
		Name:       "cpu",
		ReplyTopic: replyTopic,
	})
	require.NoError(t, err)

	rec, ok := r.Respond(context.Background(), &kgo.Record{Value: value})
	require.True(t, ok)
	assert.Equal(t, replyTopic, rec.Topic)

	var reply PolicyReply
	require.NoError(t, json.Unmarshal(rec.Value, &reply))
	assert.Equal(t, "r1", reply.RequestID)
	assert.True(t, reply.Found)
	assert.Equal(t, "unlimited", reply.Properties[collection.PropExpiryTTL])
}

func TestKafkaResponderRun(t *testing.T) {
	meta := metadata.NewMockStore()
	putRecord(t, meta, "", "events", map[string]string{collection.PropExpiryTTL: "10"})

	client := newFakeKafka()
	r := NewKafkaResponder(client, collection.NewStore(meta), nil)

	value, err := json.Marshal(PolicyRequest{
		RequestID:  "r2",
		Action:     policycache.ActionCollectionProperties.String(),
		Name:       "events",
		ReplyTopic: replyTopic,
	})
	require.NoError(t, err)
	client.deliver(&kgo.Record{Topic: requestTopic, Key: events, Value: value})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.produced) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec := client.lastProduced(t)
	assert.Equal(t, replyTopic, rec.Topic)
	assert.Equal(t, []byte(events), rec.Key)
}

type fakeAdmin struct {
	resp kadm.CreateTopicResponses
	err  error
}

func (a *fakeAdmin) CreateTopics(_ context.Context, _ int32, _ int16, _ map[string]*string, _ ...string) (kadm.CreateTopicResponses, error) {
	return a.resp, a.err
}

func TestEnsureTopics(t *testing.T) {
	ctx := context.Background()

	err := EnsureTopics(ctx, &fakeAdmin{resp: kadm.CreateTopicResponses{
		requestTopic: {Topic: requestTopic, Err: kerr.TopicAlreadyExists},
		replyTopic:   {Topic: replyTopic},
	}}, 1, 1, requestTopic, replyTopic)
	assert.NoError(t, err)

	err = EnsureTopics(ctx, &fakeAdmin{resp: kadm.CreateTopicResponses{
		requestTopic: {Topic: requestTopic, Err: kerr.InvalidReplicationFactor},
	}}, 1, 3, requestTopic)
	assert.ErrorIs(t, err, kerr.InvalidReplicationFactor)

	err = EnsureTopics(ctx, &fakeAdmin{err: errors.New("no brokers")}, 1, 1, requestTopic)
	assert.Error(t, err)
}
