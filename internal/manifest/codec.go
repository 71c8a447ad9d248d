package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names the compression applied to an edit object.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecSnappy Codec = "snappy"
	CodecLZ4    Codec = "lz4"
	CodecZstd   Codec = "zstd"
)

// ErrUnknownCodec is returned for codec names other than none, snappy, lz4
// and zstd.
var ErrUnknownCodec = errors.New("manifest: unknown codec")

// ParseCodec validates a codec name. The empty string means none.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case "":
		return CodecNone, nil
	case CodecNone, CodecSnappy, CodecLZ4, CodecZstd:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

// Compress encodes data with the codec.
func (c Codec) Compress(data []byte) ([]byte, error) {
	switch c {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		return buf.Bytes(), nil
	case CodecZstd:
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, string(c))
	}
}

// Decompress decodes data written by Compress.
func (c Codec) Decompress(data []byte) ([]byte, error) {
	switch c {
	case CodecNone, "":
		return data, nil
	case CodecSnappy:
		return snappy.Decode(nil, data)
	case CodecLZ4:
		reader := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(reader)
	case CodecZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		return io.ReadAll(decoder)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, string(c))
	}
}
