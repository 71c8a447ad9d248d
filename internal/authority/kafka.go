package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dray-io/lsmttl/internal/collection"
	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/logging"
	"github.com/dray-io/lsmttl/internal/metrics"
	"github.com/dray-io/lsmttl/internal/policycache"
	"github.com/dray-io/lsmttl/internal/sext"
)

// DefaultReplyTimeout bounds how long a Kafka request waits for its reply
// before the cache is told to give up on it.
const DefaultReplyTimeout = 10 * time.Second

// KafkaClient is the subset of *kgo.Client the Kafka authority uses.
type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

var _ KafkaClient = (*kgo.Client)(nil)

// TopicCreator is the subset of *kadm.Client used by EnsureTopics.
type TopicCreator interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

var _ TopicCreator = (*kadm.Client)(nil)

// PolicyRequest is the value of a request record. The record key is the
// encoded collection id.
type PolicyRequest struct {
	RequestID  string `json:"requestId"`
	Action     string `json:"action"`
	Type       string `json:"type,omitempty"`
	Name       string `json:"name"`
	ReplyTopic string `json:"replyTopic"`
}

// PolicyReply is the value of a reply record. The record key is the
// collection id from the request.
type PolicyReply struct {
	RequestID  string            `json:"requestId"`
	Found      bool              `json:"found"`
	Properties map[string]string `json:"properties,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// EnsureTopics creates the request and reply topics. Topics that already
// exist are not an error.
func EnsureTopics(ctx context.Context, admin TopicCreator, partitions int32, replicationFactor int16, topics ...string) error {
	resp, err := admin.CreateTopics(ctx, partitions, replicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("authority: create topics: %w", err)
	}
	var result *multierror.Error
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			result = multierror.Append(result, fmt.Errorf("authority: create topic %s: %w", t.Topic, t.Err))
		}
	}
	return result.ErrorOrNil()
}

// KafkaFetcherConfig configures a KafkaFetcher.
type KafkaFetcherConfig struct {
	// Client produces requests and must be consuming ReplyTopic.
	Client       KafkaClient
	Cache        Cache
	Defaults     Defaults
	RequestTopic string
	ReplyTopic   string
	ReplyTimeout time.Duration
	// FreshLifetime is the lifetime of default policies cached for
	// collections the responder has no record for.
	FreshLifetime time.Duration

	Metrics *metrics.AuthorityMetrics
	Logger  *logging.Logger
}

type pendingRequest struct {
	id    sext.CollectionID
	start time.Time
	timer *time.Timer
}

// KafkaFetcher resolves policies by producing requests to a topic and
// matching replies by request id. Replies for requests it did not send
// are ignored, so several processes may share the reply topic.
type KafkaFetcher struct {
	cfg    KafkaFetcherConfig
	logger *logging.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	pending   map[string]*pendingRequest
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewKafkaFetcher creates a fetcher. Call Start to begin consuming replies.
func NewKafkaFetcher(cfg KafkaFetcherConfig) (*KafkaFetcher, error) {
	if cfg.Client == nil {
		return nil, errors.New("authority: kafka client is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("authority: cache is required")
	}
	if cfg.RequestTopic == "" || cfg.ReplyTopic == "" {
		return nil, errors.New("authority: request and reply topics are required")
	}
	if cfg.Defaults == nil {
		cfg.Defaults = staticDefaults(expiry.DefaultPolicy())
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.FreshLifetime <= 0 {
		cfg.FreshLifetime = DefaultFreshLifetime
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaFetcher{
		cfg:     cfg,
		logger:  logger.With(map[string]any{"component": "kafka_fetcher"}),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingRequest),
	}, nil
}

// Start launches the reply consumer.
func (f *KafkaFetcher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.wg.Add(1)
	go f.consume()
}

// FetchPolicy produces a request record for the collection. It returns
// false after Close and for actions it does not serve.
func (f *KafkaFetcher) FetchPolicy(req policycache.FetchRequest) bool {
	if req.Action != policycache.ActionCollectionProperties || len(req.ReplyKey) == 0 {
		return false
	}
	var typ, name string
	if len(req.Args) >= 2 {
		typ, name = req.Args[0], req.Args[1]
	}

	requestID := uuid.NewString()
	value, err := json.Marshal(PolicyRequest{
		RequestID:  requestID,
		Action:     req.Action.String(),
		Type:       typ,
		Name:       name,
		ReplyTopic: f.cfg.ReplyTopic,
	})
	if err != nil {
		return false
	}

	id := append(sext.CollectionID(nil), req.ReplyKey...)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.pending[requestID] = &pendingRequest{
		id:    id,
		start: time.Now(),
		timer: time.AfterFunc(f.cfg.ReplyTimeout, func() {
			f.fail(requestID, "reply timed out", nil)
		}),
	}
	f.mu.Unlock()

	f.cfg.Client.Produce(f.ctx, &kgo.Record{
		Topic: f.cfg.RequestTopic,
		Key:   id,
		Value: value,
	}, func(_ *kgo.Record, err error) {
		if err != nil {
			f.fail(requestID, "request produce failed", err)
		}
	})
	return true
}

func (f *KafkaFetcher) consume() {
	defer f.wg.Done()
	for {
		fetches := f.cfg.Client.PollFetches(f.ctx)
		if fetches.IsClientClosed() || f.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			f.logger.Warnf("reply fetch error", map[string]any{
				"topic":     topic,
				"partition": partition,
				"error":     err.Error(),
			})
		})
		fetches.EachRecord(func(r *kgo.Record) {
			if r.Topic == f.cfg.ReplyTopic {
				f.HandleReply(r)
			}
		})
	}
}

// HandleReply answers the cache for one reply record. Replies for unknown
// or already answered requests are dropped.
func (f *KafkaFetcher) HandleReply(r *kgo.Record) {
	var reply PolicyReply
	if err := json.Unmarshal(r.Value, &reply); err != nil {
		f.logger.Warnf("undecodable policy reply", map[string]any{"error": err.Error()})
		return
	}
	p, ok := f.take(reply.RequestID)
	if !ok {
		return
	}

	log := f.logger.WithCorrelationID(reply.RequestID)
	def := f.cfg.Defaults()
	elapsed := time.Since(p.start).Seconds()

	switch {
	case reply.Error != "":
		log.Warnf("policy authority returned an error", map[string]any{
			"collection": describe(p.id),
			"error":      reply.Error,
		})
		f.answer(f.cfg.Cache.Reject(p.id), log)
		f.cfg.Metrics.RecordResolved(SourceKafka, ResultRejected, elapsed)
	case !reply.Found:
		f.answer(f.cfg.Cache.InsertWithLifetime(p.id, def, f.cfg.FreshLifetime), log)
		f.cfg.Metrics.RecordResolved(SourceKafka, ResultAbsent, elapsed)
	default:
		policy, err := collection.ToPolicy(reply.Properties, def)
		if err != nil {
			log.Warnf("invalid policy reply", map[string]any{
				"collection": describe(p.id),
				"error":      err.Error(),
			})
			f.answer(f.cfg.Cache.Reject(p.id), log)
			f.cfg.Metrics.RecordResolved(SourceKafka, ResultRejected, elapsed)
			return
		}
		f.answer(f.cfg.Cache.Insert(p.id, policy), log)
		f.cfg.Metrics.RecordResolved(SourceKafka, ResultFound, elapsed)
	}
}

// Pending returns the number of requests awaiting a reply.
func (f *KafkaFetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *KafkaFetcher) take(requestID string) (*pendingRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(f.pending, requestID)
	p.timer.Stop()
	return p, true
}

func (f *KafkaFetcher) fail(requestID, reason string, err error) {
	p, ok := f.take(requestID)
	if !ok {
		return
	}
	fields := map[string]any{"collection": describe(p.id)}
	if err != nil {
		fields["error"] = err.Error()
	}
	log := f.logger.WithCorrelationID(requestID)
	log.Warnf(reason, fields)
	f.answer(f.cfg.Cache.Reject(p.id), log)
	f.cfg.Metrics.RecordResolved(SourceKafka, ResultRejected, time.Since(p.start).Seconds())
}

func (f *KafkaFetcher) answer(err error, log *logging.Logger) {
	if err != nil && !errors.Is(err, policycache.ErrCacheClosed) {
		log.Errorf("policy cache update failed", map[string]any{"error": err.Error()})
	}
}

// Close stops the reply consumer and rejects every outstanding request.
// The client is not closed.
func (f *KafkaFetcher) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		outstanding := make([]string, 0, len(f.pending))
		for requestID := range f.pending {
			outstanding = append(outstanding, requestID)
		}
		f.mu.Unlock()
		f.cancel()

		for _, requestID := range outstanding {
			f.fail(requestID, "fetcher closed before reply", nil)
		}
	})
	f.wg.Wait()
	return nil
}

// KafkaResponder serves policy requests from the collection store. Its
// client must be consuming the request topic.
type KafkaResponder struct {
	client KafkaClient
	store  *collection.Store
	logger *logging.Logger
}

// NewKafkaResponder creates a responder.
func NewKafkaResponder(client KafkaClient, store *collection.Store, logger *logging.Logger) *KafkaResponder {
	if logger == nil {
		logger = logging.Global()
	}
	return &KafkaResponder{
		client: client,
		store:  store,
		logger: logger.With(map[string]any{"component": "kafka_responder"}),
	}
}

// Run answers requests until ctx is cancelled or the client is closed.
func (r *KafkaResponder) Run(ctx context.Context) error {
	for {
		fetches := r.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			r.logger.Warnf("request fetch error", map[string]any{
				"topic":     topic,
				"partition": partition,
				"error":     err.Error(),
			})
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			reply, ok := r.Respond(ctx, rec)
			if !ok {
				return
			}
			r.client.Produce(ctx, reply, func(_ *kgo.Record, err error) {
				if err != nil {
					r.logger.Warnf("reply produce failed", map[string]any{"error": err.Error()})
				}
			})
		})
	}
}

// Respond builds the reply record for a request record. It returns false
// for records that are not policy requests.
func (r *KafkaResponder) Respond(ctx context.Context, rec *kgo.Record) (*kgo.Record, bool) {
	var req PolicyRequest
	if err := json.Unmarshal(rec.Value, &req); err != nil {
		r.logger.Warnf("undecodable policy request", map[string]any{"error": err.Error()})
		return nil, false
	}
	if req.Action != policycache.ActionCollectionProperties.String() || req.ReplyTopic == "" || req.RequestID == "" {
		return nil, false
	}

	id := sext.CollectionID(rec.Key)
	if len(id) == 0 {
		id = sext.Collection(req.Type, req.Name)
	}

	ctx = logging.WithRequestID(ctx, req.RequestID)
	reply := PolicyReply{RequestID: req.RequestID}
	stored, _, err := r.store.Get(ctx, id)
	switch {
	case errors.Is(err, collection.ErrCollectionNotFound):
	case err != nil:
		logging.ContextLogger(ctx, r.logger).Warnf("policy lookup failed", map[string]any{
			"collection": describe(id),
			"error":      err.Error(),
		})
		reply.Error = err.Error()
	default:
		reply.Found = true
		reply.Properties = stored.Properties
	}

	value, err := json.Marshal(reply)
	if err != nil {
		return nil, false
	}
	return &kgo.Record{Topic: req.ReplyTopic, Key: rec.Key, Value: value}, true
}
