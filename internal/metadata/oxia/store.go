package oxia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/lsmttl/internal/metadata"
)

// Config selects the Oxia cluster and namespace. Zero timeouts keep the
// client defaults.
type Config struct {
	ServiceAddress string
	Namespace      string
	RequestTimeout time.Duration
	// SessionTimeout bounds how long the sweep lease outlives a dead
	// worker.
	SessionTimeout time.Duration
}

// Store is a metadata.MetadataStore over an Oxia sync client.
type Store struct {
	client oxiaclient.SyncClient
	closed atomic.Bool
}

func New(_ context.Context, cfg Config) (*Store, error) {
	switch {
	case cfg.ServiceAddress == "":
		return nil, errors.New("oxia: service address is required")
	case cfg.Namespace == "":
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{oxiaclient.WithNamespace(cfg.Namespace)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}
	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: create client: %w", err)
	}
	return &Store{client: client}, nil
}

// Oxia numbers versions from 0; metadata.Version reserves 0 for "absent".
func fromOxia(v int64) metadata.Version { return metadata.Version(v + 1) }
func toOxia(v metadata.Version) int64   { return int64(v - 1) }

// expectVersion turns a metadata precondition into an Oxia option. Version 0
// means the key must not exist yet.
func expectVersion(v metadata.Version) oxiaclient.PutOption {
	if v == 0 {
		return oxiaclient.ExpectedRecordNotExists()
	}
	return oxiaclient.ExpectedVersionId(toOxia(v))
}

func mapErr(op string, err error) error {
	if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
		return metadata.ErrVersionMismatch
	}
	return fmt.Errorf("oxia: %s: %w", op, err)
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if s.closed.Load() {
		return metadata.GetResult{}, metadata.ErrStoreClosed
	}
	_, value, version, err := s.client.Get(ctx, key)
	if errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return metadata.GetResult{}, nil
	}
	if err != nil {
		return metadata.GetResult{}, mapErr("get", err)
	}
	return metadata.GetResult{Value: value, Version: fromOxia(version.VersionId), Exists: true}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	var putOpts []oxiaclient.PutOption
	if want := metadata.ExtractExpectedVersion(opts); want != nil {
		putOpts = append(putOpts, expectVersion(*want))
	}
	return s.put(ctx, "put", key, value, putOpts)
}

// PutEphemeral binds key to this client's session.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	putOpts := []oxiaclient.PutOption{oxiaclient.Ephemeral()}
	switch mustBeNew, want := metadata.ExtractEphemeralOptions(opts); {
	case mustBeNew:
		putOpts = append(putOpts, oxiaclient.ExpectedRecordNotExists())
	case want != nil:
		putOpts = append(putOpts, oxiaclient.ExpectedVersionId(toOxia(*want)))
	}
	return s.put(ctx, "put ephemeral", key, value, putOpts)
}

func (s *Store) put(ctx context.Context, op, key string, value []byte, opts []oxiaclient.PutOption) (metadata.Version, error) {
	if s.closed.Load() {
		return 0, metadata.ErrStoreClosed
	}
	_, version, err := s.client.Put(ctx, key, value, opts...)
	if err != nil {
		return 0, mapErr(op, err)
	}
	return fromOxia(version.VersionId), nil
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if s.closed.Load() {
		return metadata.ErrStoreClosed
	}
	var delOpts []oxiaclient.DeleteOption
	if want := metadata.ExtractDeleteExpectedVersion(opts); want != nil {
		delOpts = append(delOpts, oxiaclient.ExpectedVersionId(toOxia(*want)))
	}
	err := s.client.Delete(ctx, key, delOpts...)
	if err == nil || errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return nil
	}
	return mapErr("delete", err)
}

// List scans [startKey, endKey). With an empty endKey it lists the
// startKey prefix; for prefixes ending in '/' that uses Oxia's
// hierarchical "//" bound, which covers the direct children.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if s.closed.Load() {
		return nil, metadata.ErrStoreClosed
	}
	if endKey == "" {
		if strings.HasSuffix(startKey, "/") {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	results := s.client.RangeScan(ctx, startKey, endKey)
	var kvs []metadata.KV
	for r := range results {
		if r.Err != nil {
			go drain(results)
			return nil, mapErr("list", r.Err)
		}
		kvs = append(kvs, metadata.KV{Key: r.Key, Value: r.Value, Version: fromOxia(r.Version.VersionId)})
		if limit > 0 && len(kvs) >= limit {
			go drain(results)
			break
		}
	}
	return kvs, nil
}

// Notifications subscribes to the namespace. Oxia notifications carry no
// values, so consumers re-read changed keys.
func (s *Store) Notifications(ctx context.Context) (metadata.NotificationStream, error) {
	if s.closed.Load() {
		return nil, metadata.ErrStoreClosed
	}
	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, mapErr("subscribe", err)
	}
	return &notificationStream{sub: n, ctx: ctx}, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// prefixEnd is the smallest key greater than every key starting with
// prefix, or "" when no such key exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drain(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

var _ metadata.MetadataStore = (*Store)(nil)
