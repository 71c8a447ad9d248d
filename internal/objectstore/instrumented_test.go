package objectstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedOp struct {
	op      string
	success bool
	bytes   int64
}

type recordingMetrics struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (m *recordingMetrics) RecordTransfer(op string, _ float64, success bool, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, recordedOp{op, success, n})
}

func (m *recordingMetrics) last() recordedOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[len(m.ops)-1]
}

func TestInstrumentedStoreRecordsWrites(t *testing.T) {
	ctx := context.Background()
	rec := &recordingMetrics{}
	s := NewInstrumentedStore(NewMockStore(), rec)

	require.NoError(t, s.Put(ctx, "a", bytes.NewReader([]byte("hello")), 5, "text/plain"))
	assert.Equal(t, recordedOp{"put", true, 5}, rec.last())

	err := s.PutWithOptions(ctx, "a", bytes.NewReader([]byte("x")), 1, "", PutOptions{CreateOnly: true})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, recordedOp{"put", false, 1}, rec.last())

	require.NoError(t, s.Delete(ctx, "a"))
	assert.Equal(t, recordedOp{"delete", true, 0}, rec.last())
}

func TestInstrumentedStoreRecordsReadsOnClose(t *testing.T) {
	ctx := context.Background()
	rec := &recordingMetrics{}
	s := NewInstrumentedStore(NewMockStore(), rec)
	require.NoError(t, s.Put(ctx, "obj", bytes.NewReader([]byte("0123456789")), 10, ""))

	rc, err := s.Get(ctx, "obj")
	require.NoError(t, err)
	before := len(rec.ops)
	_, err = io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, rec.ops, before, "get is recorded on close")
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
	assert.Equal(t, recordedOp{"get", true, 10}, rec.last())
	assert.Len(t, rec.ops, before+1)

	rc, err = s.GetRange(ctx, "obj", 2, 4)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, recordedOp{"get_range", true, 3}, rec.last())
}

func TestInstrumentedStoreRecordsFailures(t *testing.T) {
	ctx := context.Background()
	rec := &recordingMetrics{}
	s := NewInstrumentedStore(NewMockStore(), rec)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, recordedOp{"get", false, 0}, rec.last())

	_, err = s.GetRange(ctx, "missing", 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, recordedOp{"get_range", false, 0}, rec.last())

	_, err = s.Head(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, recordedOp{"head", false, 0}, rec.last())

	_, err = s.List(ctx, "")
	assert.NoError(t, err)
	assert.Equal(t, recordedOp{"list", true, 0}, rec.last())
}

func TestInstrumentedStoreNilMetrics(t *testing.T) {
	ctx := context.Background()
	s := NewInstrumentedStore(NewMockStore(), nil)

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("v")), 1, ""))
	rc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))
	require.NoError(t, rc.Close())

	_, err = s.Head(ctx, "k")
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
}
