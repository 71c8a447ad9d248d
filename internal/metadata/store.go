// Package metadata is the key-value abstraction lsmttl keeps collection
// records, the stored default policy and sweep leases in. Production runs
// against Oxia (see the oxia subpackage); tests use MockStore.
package metadata

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch reports a failed conditional write. Collection
	// updates retry on it; lease holders treat it as a lost lease.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	ErrSessionExpired = errors.New("metadata: session expired")
	ErrStoreClosed    = errors.New("metadata: store closed")
)

// Version is the store-assigned revision of a key. Zero means the key was
// never written.
type Version int64

// NoVersion places no condition on a write.
const NoVersion Version = -1

// KV is one entry returned by List.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult carries a value and its revision. A missing key is reported with
// Exists=false rather than an error.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Notification describes one change. Value is nil when Deleted is set. A
// deletion with a RangeEnd removed every key in [Key, RangeEnd).
type Notification struct {
	Key      string
	Value    []byte
	Version  Version
	Deleted  bool
	RangeEnd string
}

// NotificationStream yields changes in commit order. Next blocks until a
// change arrives, the context ends or the stream is closed.
type NotificationStream interface {
	Next(ctx context.Context) (Notification, error)
	Close() error
}

// condition is the precondition shared by every conditional write.
type condition struct {
	version   *Version
	mustBeNew bool
}

func (c *condition) expect(v Version) {
	c.version = &v
}

// PutOption sets a precondition on Put.
type PutOption func(*condition)

// DeleteOption sets a precondition on Delete.
type DeleteOption func(*condition)

// EphemeralOption sets a precondition on PutEphemeral.
type EphemeralOption func(*condition)

// WithExpectedVersion makes Put fail with ErrVersionMismatch unless the key
// is currently at v.
func WithExpectedVersion(v Version) PutOption {
	return func(c *condition) { c.expect(v) }
}

// WithDeleteExpectedVersion makes Delete fail with ErrVersionMismatch unless
// the key is currently at v.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(c *condition) { c.expect(v) }
}

// WithEphemeralExpectNotExists is used to take a lease: the write fails if
// anyone already holds the key.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(c *condition) { c.mustBeNew = true }
}

// WithEphemeralExpectedVersion is used to renew a lease the caller holds.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(c *condition) { c.expect(v) }
}

// ExtractExpectedVersion returns the version required by opts, or nil.
func ExtractExpectedVersion(opts []PutOption) *Version {
	return collect(opts).version
}

// ExtractDeleteExpectedVersion returns the version required by opts, or nil.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	return collect(opts).version
}

// ExtractEphemeralOptions flattens opts for store implementations.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	c := collect(opts)
	return c.mustBeNew, c.version
}

func collect[O ~func(*condition)](opts []O) condition {
	var c condition
	for _, o := range opts {
		o(&c)
	}
	return c
}

// MetadataStore is what the collection store, the policy watcher and the
// sweep worker need from a metadata backend. Every method except Close
// returns ErrStoreClosed once the store is closed.
type MetadataStore interface {
	Get(ctx context.Context, key string) (GetResult, error)

	// Put writes value and returns the key's new version.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in key order. An empty endKey
	// lists everything under the startKey prefix; limit <= 0 means no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Notifications subscribes to every change made after the call returns.
	Notifications(ctx context.Context) (NotificationStream, error)

	// PutEphemeral writes a key bound to the client session. It disappears
	// when the session ends.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	Close() error
}
