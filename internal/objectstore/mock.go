package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore keeps objects in memory. ETags are the quoted MD5 of the body,
// as S3 reports for single-part uploads.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]storedObject
	puts    int
}

type storedObject struct {
	body []byte
	meta ObjectMeta
}

func NewMockStore() *MockStore {
	return &MockStore{objects: map[string]storedObject{}}
}

func (s *MockStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, PutOptions{})
}

func (s *MockStore) PutWithOptions(_ context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	body, err := io.ReadAll(reader)
	if err != nil {
		return &ObjectError{Op: "Put", Key: key, Err: err}
	}
	if size >= 0 && int64(len(body)) != size {
		return &ObjectError{Op: "Put", Key: key, Err: io.ErrUnexpectedEOF}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.objects[key]; taken && opts.CreateOnly {
		return &ObjectError{Op: "Put", Key: key, Err: ErrPreconditionFailed}
	}
	sum := md5.Sum(body)
	s.objects[key] = storedObject{
		body: body,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(body)),
			ContentType:  contentType,
			ETag:         `"` + hex.EncodeToString(sum[:]) + `"`,
			LastModified: time.Now().UnixMilli(),
			Metadata:     opts.Metadata,
		},
	}
	s.puts++
	return nil
}

func (s *MockStore) lookup(op, key string) (storedObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return storedObject{}, &ObjectError{Op: op, Key: key, Err: ErrNotFound}
	}
	return obj, nil
}

func (s *MockStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.lookup("Get", key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(obj.body)), nil
}

// GetRange follows the S3 rules: a negative start counts from the end, an
// end of -1 or past the object is clamped to the last byte.
func (s *MockStore) GetRange(_ context.Context, key string, start, end int64) (io.ReadCloser, error) {
	obj, err := s.lookup("GetRange", key)
	if err != nil {
		return nil, err
	}
	n := int64(len(obj.body))
	if start < 0 {
		start += n
	}
	if end == -1 || end >= n {
		end = n - 1
	}
	if start < 0 || start >= n || end < start {
		return nil, &ObjectError{Op: "GetRange", Key: key, Err: ErrInvalidRange}
	}
	return io.NopCloser(bytes.NewReader(obj.body[start : end+1])), nil
}

func (s *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	obj, err := s.lookup("Head", key)
	return obj.meta, err
}

func (s *MockStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *MockStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MockStore) Close() error { return nil }

// PutCount is the number of successful puts so far.
func (s *MockStore) PutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Keys lists every stored key in order.
func (s *MockStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Store = (*MockStore)(nil)
