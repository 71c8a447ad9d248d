package metadata

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var errStreamClosed = errors.New("metadata: notification stream closed")

// MockStore is an in-memory MetadataStore. Writes do not produce
// notifications; tests inject them with SimulateNotification.
type MockStore struct {
	mu       sync.RWMutex
	data     map[string]KV
	version  Version
	closed   bool
	notify   chan Notification
	failures map[string]error
}

func NewMockStore() *MockStore {
	return &MockStore{
		data:     map[string]KV{},
		notify:   make(chan Notification, 100),
		failures: map[string]error{},
	}
}

// FailGets makes Get on key return err. A nil err clears the failure.
func (m *MockStore) FailGets(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, key)
	} else {
		m.failures[key] = err
	}
}

// holds reports whether the current state of a key satisfies c. Version 0
// stands for an absent key.
func (c condition) holds(cur KV, exists bool) bool {
	if c.mustBeNew && exists {
		return false
	}
	if c.version == nil {
		return true
	}
	if *c.version == 0 {
		return !exists
	}
	return exists && cur.Version == *c.version
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	if err := m.failures[key]; err != nil {
		return GetResult{}, err
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	return m.write(key, value, collect(opts))
}

// PutEphemeral behaves like Put; the mock has no sessions to expire.
func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	return m.write(key, value, collect(opts))
}

func (m *MockStore) write(key string, value []byte, c condition) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	cur, exists := m.data[key]
	if !c.holds(cur, exists) {
		return 0, ErrVersionMismatch
	}
	m.version++
	m.data[key] = KV{Key: key, Value: value, Version: m.version}
	return m.version, nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	cur, exists := m.data[key]
	if !exists {
		return nil
	}
	if !collect(opts).holds(cur, exists) {
		return ErrVersionMismatch
	}
	delete(m.data, key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []KV
	for k, kv := range m.data {
		if inRange(k, startKey, endKey) {
			out = append(out, kv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// inRange is a prefix match when end is empty, otherwise [start, end).
func inRange(k, start, end string) bool {
	if end == "" {
		return strings.HasPrefix(k, start)
	}
	return k >= start && k < end
}

// Notifications returns a stream over the shared injection channel. All
// streams compete for the same notifications.
func (m *MockStore) Notifications(_ context.Context) (NotificationStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return &mockStream{ch: m.notify, done: make(chan struct{})}, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}

// SimulateNotification hands n to an open stream. It is dropped once the
// store is closed.
func (m *MockStore) SimulateNotification(n Notification) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.closed {
		m.notify <- n
	}
}

type mockStream struct {
	ch   <-chan Notification
	once sync.Once
	done chan struct{}
}

func (s *mockStream) Next(ctx context.Context) (Notification, error) {
	select {
	case <-s.done:
		return Notification{}, errStreamClosed
	default:
	}
	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case <-s.done:
		return Notification{}, errStreamClosed
	case n, ok := <-s.ch:
		if !ok {
			return Notification{}, errStreamClosed
		}
		return n, nil
	}
}

func (s *mockStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

var _ MetadataStore = (*MockStore)(nil)
