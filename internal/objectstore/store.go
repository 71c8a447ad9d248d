// Package objectstore is the blob storage layer for level manifests and the
// expiry edits sweeps produce. The s3 subpackage talks to any S3-compatible
// service; MockStore keeps objects in memory for tests.
//
// A manifest's ETag identifies the snapshot a sweep read. Edits are written
// with CreateOnly, so a retried sweep never replaces an edit the engine may
// already be applying.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned by a CreateOnly put when the key
	// is taken.
	ErrPreconditionFailed = errors.New("precondition failed")

	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidRange   = errors.New("invalid range")
)

// ObjectError attaches the operation and key to a store error.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error { return e.Err }

// ObjectMeta describes a stored object. LastModified is in Unix
// milliseconds.
type ObjectMeta struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified int64
	Metadata     map[string]string
}

// PutOptions adjusts a write.
type PutOptions struct {
	// Metadata is stored alongside the object as user metadata.
	Metadata map[string]string
	// CreateOnly fails the write with ErrPreconditionFailed when an object
	// already exists at the key.
	CreateOnly bool
}

// Store is the subset of object storage lsmttl uses. Implementations are
// safe for concurrent use and wrap failures in *ObjectError so callers can
// match the sentinel errors above with errors.Is.
type Store interface {
	// Put writes exactly size bytes from reader.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error

	// Get returns the whole object. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetRange returns bytes [start, end] inclusive. An end of -1 reads to
	// the end of the object. Manifests are decoded through it via ReaderAt.
	GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)

	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete succeeds for keys that do not exist.
	Delete(ctx context.Context, key string) error

	// List returns every object under prefix in key order, following
	// pagination internally.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	Close() error
}
