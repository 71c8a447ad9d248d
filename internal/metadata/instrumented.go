package metadata

import (
	"context"
	"time"
)

// Operation names passed to MetricsRecorder.
const (
	OpGet          = "get"
	OpPut          = "put"
	OpDelete       = "delete"
	OpList         = "list"
	OpSubscribe    = "subscribe"
	OpPutEphemeral = "put_ephemeral"
)

// MetricsRecorder is satisfied by *metrics.MetadataMetrics.
type MetricsRecorder interface {
	RecordOperation(op string, durationSeconds float64, success bool)
}

// InstrumentedStore times every call into the wrapped store. A nil recorder
// turns it into a pass-through.
type InstrumentedStore struct {
	store   MetadataStore
	metrics MetricsRecorder
}

func NewInstrumentedStore(store MetadataStore, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	res, err := s.store.Get(ctx, key)
	s.observe(OpGet, start, err)
	return res, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.observe(OpPut, start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.observe(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	kvs, err := s.store.List(ctx, startKey, endKey, limit)
	s.observe(OpList, start, err)
	return kvs, err
}

func (s *InstrumentedStore) Notifications(ctx context.Context) (NotificationStream, error) {
	start := time.Now()
	stream, err := s.store.Notifications(ctx)
	s.observe(OpSubscribe, start, err)
	return stream, err
}

func (s *InstrumentedStore) PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	start := time.Now()
	v, err := s.store.PutEphemeral(ctx, key, value, opts...)
	s.observe(OpPutEphemeral, start, err)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ MetadataStore = (*InstrumentedStore)(nil)
