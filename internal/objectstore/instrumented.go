package objectstore

import (
	"context"
	"io"
	"time"
)

// Operation names passed to MetricsRecorder.
const (
	OpPut      = "put"
	OpGet      = "get"
	OpGetRange = "get_range"
	OpHead     = "head"
	OpDelete   = "delete"
	OpList     = "list"
)

// MetricsRecorder is satisfied by *metrics.ObjectStoreMetrics. bytes is the
// body size for puts and the bytes actually consumed for reads, zero
// otherwise.
type MetricsRecorder interface {
	RecordTransfer(op string, durationSeconds float64, success bool, bytes int64)
}

// InstrumentedStore times every call into the wrapped store. Reads are
// recorded when the caller closes the body, so their latency covers the
// transfer.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder makes it a pass-through.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error, n int64) {
	if s.metrics != nil {
		s.metrics.RecordTransfer(op, time.Since(start).Seconds(), err == nil, n)
	}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, PutOptions{})
}

func (s *InstrumentedStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	start := time.Now()
	err := s.store.PutWithOptions(ctx, key, reader, size, contentType, opts)
	s.observe(OpPut, start, err, size)
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	return s.wrapBody(OpGet, start, rc, err)
}

func (s *InstrumentedStore) GetRange(ctx context.Context, key string, first, last int64) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.GetRange(ctx, key, first, last)
	return s.wrapBody(OpGetRange, start, rc, err)
}

func (s *InstrumentedStore) wrapBody(op string, start time.Time, rc io.ReadCloser, err error) (io.ReadCloser, error) {
	if s.metrics == nil {
		return rc, err
	}
	if err != nil {
		s.observe(op, start, err, 0)
		return nil, err
	}
	return &meteredBody{ReadCloser: rc, done: func(err error, n int64) { s.observe(op, start, err, n) }}, nil
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	s.observe(OpHead, start, err, 0)
	return meta, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.observe(OpDelete, start, err, 0)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	objs, err := s.store.List(ctx, prefix)
	s.observe(OpList, start, err, 0)
	return objs, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

// meteredBody counts consumed bytes and reports once, on the first Close.
// A read error other than io.EOF marks the transfer failed.
type meteredBody struct {
	io.ReadCloser
	done    func(err error, n int64)
	n       int64
	readErr error
	closed  bool
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if err != nil && err != io.EOF && b.readErr == nil {
		b.readErr = err
	}
	return n, err
}

func (b *meteredBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.ReadCloser.Close()
	if b.readErr != nil {
		b.done(b.readErr, b.n)
	} else {
		b.done(err, b.n)
	}
	return err
}

var _ Store = (*InstrumentedStore)(nil)
