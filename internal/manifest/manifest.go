// Package manifest reads and writes the objects the sweep worker works on:
// level manifests, which list the table files of every level together with
// their expiry summaries, and expiry edits, which name the files of one
// level that can be deleted outright.
//
// Manifests are Parquet files with one row per table file. Edits are JSON
// documents compressed with a configurable codec.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/objectstore"
)

// MaxLevels bounds the level numbers accepted from a manifest.
const MaxLevels = 64

// ContentType is the content type manifests are stored with.
const ContentType = "application/vnd.apache.parquet"

var (
	// ErrCorruptManifest is returned when a manifest can't be decoded.
	ErrCorruptManifest = errors.New("manifest: corrupt manifest")

	// ErrLevelOutOfRange is returned for rows whose level is negative or
	// not below MaxLevels.
	ErrLevelOutOfRange = errors.New("manifest: level out of range")
)

// Row is one table file in the Parquet schema.
type Row struct {
	Level         int32  `parquet:"level"`
	Number        uint64 `parquet:"number"`
	Smallest      []byte `parquet:"smallest"`
	Largest       []byte `parquet:"largest"`
	Size          uint64 `parquet:"size"`
	WriteTimeLow  uint64 `parquet:"write_time_low"`
	WriteTimeHigh uint64 `parquet:"write_time_high"`
	ExplicitHigh  uint64 `parquet:"explicit_high"`
	ExpiredCount  uint64 `parquet:"expired_count"`
}

// RowFromFile converts file metadata to a row.
func RowFromFile(f *expiry.FileMeta) Row {
	return Row{
		Level:         int32(f.Level),
		Number:        f.Number,
		Smallest:      f.Smallest,
		Largest:       f.Largest,
		Size:          f.Size,
		WriteTimeLow:  f.Summary.WriteTimeLow,
		WriteTimeHigh: f.Summary.WriteTimeHigh,
		ExplicitHigh:  f.Summary.ExplicitHigh,
		ExpiredCount:  f.Summary.ExpiredCount,
	}
}

// File converts a row back to file metadata. Key bytes are copied.
func (r Row) File() expiry.FileMeta {
	return expiry.FileMeta{
		Level:    int(r.Level),
		Number:   r.Number,
		Smallest: bytes.Clone(r.Smallest),
		Largest:  bytes.Clone(r.Largest),
		Size:     r.Size,
		Summary: expiry.FileExpirySummary{
			WriteTimeLow:  r.WriteTimeLow,
			WriteTimeHigh: r.WriteTimeHigh,
			ExplicitHigh:  r.ExplicitHigh,
			ExpiredCount:  r.ExpiredCount,
		},
	}
}

// Rows flattens a version into rows, level by level.
func Rows(v *expiry.Version) []Row {
	var rows []Row
	for level := 0; level < v.NumLevels(); level++ {
		files := v.Files(level)
		for i := range files {
			row := RowFromFile(&files[i])
			row.Level = int32(level)
			rows = append(rows, row)
		}
	}
	return rows
}

// FromRows rebuilds a version from rows. Files keep their order within a
// level. The version has as many levels as the deepest row needs.
func FromRows(rows []Row) (*expiry.Version, error) {
	v := &expiry.Version{}
	for _, r := range rows {
		if r.Level < 0 || r.Level >= MaxLevels {
			return nil, fmt.Errorf("%w: %d", ErrLevelOutOfRange, r.Level)
		}
		for len(v.Levels) <= int(r.Level) {
			v.Levels = append(v.Levels, nil)
		}
		v.Levels[r.Level] = append(v.Levels[r.Level], r.File())
	}
	return v, nil
}

// Encode writes a version as a Parquet manifest.
func Encode(v *expiry.Version) ([]byte, error) {
	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[Row](&buf)
	if rows := Rows(v); len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("parquet: write rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("parquet: close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a Parquet manifest of size bytes from r.
func Decode(r io.ReaderAt, size int64) (*expiry.Version, error) {
	section := io.NewSectionReader(r, 0, size)
	if _, err := parquet.OpenFile(section, size); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}

	reader := parquet.NewGenericReader[Row](section)
	defer reader.Close()

	numRows := reader.NumRows()
	if numRows == 0 {
		return &expiry.Version{}, nil
	}
	if numRows > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("parquet: row count %d exceeds int capacity", numRows)
	}
	rows := make([]Row, int(numRows))
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("parquet: read rows: %w", err)
	}
	return FromRows(rows[:n])
}

// Save encodes a version and stores it under key.
func Save(ctx context.Context, store objectstore.Store, key string, v *expiry.Version) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), ContentType)
}

// Load reads the manifest stored under key. The returned metadata carries
// the ETag the manifest was read at.
func Load(ctx context.Context, store objectstore.Store, key string) (*expiry.Version, objectstore.ObjectMeta, error) {
	meta, err := store.Head(ctx, key)
	if err != nil {
		return nil, objectstore.ObjectMeta{}, err
	}
	v, err := Decode(objectstore.NewReaderAt(ctx, store, key, meta.Size), meta.Size)
	if err != nil {
		return nil, meta, fmt.Errorf("manifest %s: %w", key, err)
	}
	return v, meta, nil
}
