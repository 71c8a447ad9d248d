package objectstore

import (
	"context"
	"fmt"
	"io"
)

// ReaderAt serves random reads of one object through ranged GETs. Columnar
// readers use it to fetch a file footer and the column chunks they need
// without downloading the whole object.
type ReaderAt struct {
	ctx   context.Context
	store Store
	key   string
	size  int64
}

// NewReaderAt returns a ReaderAt over key. size must be the object's size,
// usually taken from Head.
func NewReaderAt(ctx context.Context, store Store, key string, size int64) *ReaderAt {
	return &ReaderAt{ctx: ctx, store: store, key: key, size: size}
}

// Size returns the object size given at construction.
func (r *ReaderAt) Size() int64 { return r.size }

// ReadAt implements io.ReaderAt.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("objectstore: negative offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	short := false
	if end >= r.size {
		end = r.size - 1
		short = true
	}

	rc, err := r.store.GetRange(r.ctx, r.key, off, end)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, p[:end-off+1])
	if err != nil {
		return n, err
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

var _ io.ReaderAt = (*ReaderAt)(nil)
