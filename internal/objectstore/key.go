package objectstore

import (
	"path"
	"strings"
)

// NormalizeKey strips an s3://bucket/ prefix to return a bucket-relative
// key. Leading slashes are dropped. Other paths are returned unchanged.
func NormalizeKey(p string) string {
	if strings.HasPrefix(p, "s3://") {
		trimmed := strings.TrimPrefix(p, "s3://")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) == 2 {
			p = parts[1]
		}
	}
	return strings.TrimLeft(p, "/")
}

// JoinKey joins key segments with '/'. An empty prefix is skipped.
func JoinKey(prefix string, elem ...string) string {
	parts := make([]string, 0, len(elem)+1)
	if prefix = NormalizeKey(prefix); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, elem...)
	return path.Join(parts...)
}
