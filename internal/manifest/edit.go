package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/objectstore"
)

// editMarker separates an edit's id from its codec in the object name.
const editMarker = ".edit."

// Edit lists the files of one level that a sweep found fully expired. The
// engine applies it to the manifest it was computed from, identified by
// key and ETag.
type Edit struct {
	Manifest    string           `json:"manifest"`
	ETag        string           `json:"etag"`
	Level       int              `json:"level"`
	Files       []expiry.FileRef `json:"files"`
	CreatedAtMs int64            `json:"createdAtMs"`
}

// EditPrefix returns the prefix every edit of a manifest is stored under.
func EditPrefix(editPrefix, manifestKey string) string {
	return objectstore.JoinKey(editPrefix, path.Base(manifestKey)) + "/"
}

// EditKey returns a fresh object key for an edit of manifestKey.
func EditKey(editPrefix, manifestKey string, codec Codec) string {
	if codec == "" {
		codec = CodecNone
	}
	return EditPrefix(editPrefix, manifestKey) + uuid.New().String() + editMarker + string(codec)
}

// CodecFromKey returns the codec named by an edit key's suffix.
func CodecFromKey(key string) (Codec, error) {
	i := strings.LastIndex(key, editMarker)
	if i < 0 {
		return "", fmt.Errorf("%w: %q is not an edit key", ErrUnknownCodec, key)
	}
	return ParseCodec(key[i+len(editMarker):])
}

// PutEdit compresses and stores an edit under a new key, which it returns.
// Keys are never overwritten.
func PutEdit(ctx context.Context, store objectstore.Store, editPrefix string, codec Codec, edit Edit) (string, error) {
	raw, err := json.Marshal(edit)
	if err != nil {
		return "", fmt.Errorf("marshal edit: %w", err)
	}
	data, err := codec.Compress(raw)
	if err != nil {
		return "", err
	}

	key := EditKey(editPrefix, edit.Manifest, codec)
	err = store.PutWithOptions(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json", objectstore.PutOptions{
		Metadata: map[string]string{
			"codec":    string(codec),
			"manifest": edit.Manifest,
		},
		CreateOnly: true,
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// GetEdit reads and decodes the edit stored under key.
func GetEdit(ctx context.Context, store objectstore.Store, key string) (*Edit, error) {
	codec, err := CodecFromKey(key)
	if err != nil {
		return nil, err
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", key, err)
	}
	var edit Edit
	if err := json.Unmarshal(raw, &edit); err != nil {
		return nil, fmt.Errorf("edit %s: %w", key, err)
	}
	return &edit, nil
}

// ListEdits returns the keys of every edit stored for a manifest.
func ListEdits(ctx context.Context, store objectstore.Store, editPrefix, manifestKey string) ([]string, error) {
	objs, err := store.List(ctx, EditPrefix(editPrefix, manifestKey))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		if strings.Contains(path.Base(o.Key), editMarker) {
			keys = append(keys, o.Key)
		}
	}
	return keys, nil
}
