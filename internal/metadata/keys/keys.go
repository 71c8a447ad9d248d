// Package keys provides key encoding/decoding for the Oxia keyspace.
//
// Collection property records live under
//
//	/lsmttl/v1/collections/<hex(collectionId)>
//
// where collectionId is the still-encoded collection span taken from an
// object key. Hex keeps the span printable and free of '/', so every
// collection record sits at the same depth in Oxia's hierarchical ordering.
//
// Sweep bookkeeping lives under
//
//	/lsmttl/v1/sweeps/<escaped manifest key>
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Key prefixes.
const (
	// Prefix is the root prefix for all lsmttl keys.
	Prefix = "/lsmttl/v1"

	// CollectionsPrefix is the prefix for collection property records.
	CollectionsPrefix = Prefix + "/collections"

	// SweepsPrefix is the prefix for per-manifest sweep state.
	// Format: /lsmttl/v1/sweeps/<escaped manifest key>
	SweepsPrefix = Prefix + "/sweeps"

	// SweepLeaseKey is the ephemeral key held by the active sweep worker.
	SweepLeaseKey = Prefix + "/sweep-lease"

	// DefaultPolicyKey holds the process-wide default policy override.
	DefaultPolicyKey = Prefix + "/default-policy"
)

// Common errors.
var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrEmptyCollectionID is returned when an empty collection id is encoded.
	ErrEmptyCollectionID = errors.New("keys: collection id must not be empty")
)

// CollectionKeyPath returns the key for a collection's property record.
func CollectionKeyPath(collectionID []byte) (string, error) {
	if len(collectionID) == 0 {
		return "", ErrEmptyCollectionID
	}
	return fmt.Sprintf("%s/%s", CollectionsPrefix, hex.EncodeToString(collectionID)), nil
}

// CollectionsListPrefix returns the prefix for listing every collection record.
func CollectionsListPrefix() string {
	return CollectionsPrefix + "/"
}

// ParseCollectionKey extracts the raw collection id from a collection key.
func ParseCollectionKey(key string) ([]byte, error) {
	prefix := CollectionsListPrefix()
	if !strings.HasPrefix(key, prefix) {
		return nil, ErrInvalidKey
	}
	rest := key[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return nil, ErrInvalidKey
	}
	id, err := hex.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return id, nil
}

// IsCollectionKey reports whether key names a collection record.
func IsCollectionKey(key string) bool {
	_, err := ParseCollectionKey(key)
	return err == nil
}

// SweepKeyPath returns the key recording sweep progress for a manifest.
// The manifest's object key is path-escaped so it occupies one segment.
func SweepKeyPath(manifestKey string) string {
	return fmt.Sprintf("%s/%s", SweepsPrefix, url.PathEscape(manifestKey))
}

// SweepsListPrefix returns the prefix for listing all sweep records.
func SweepsListPrefix() string {
	return SweepsPrefix + "/"
}

// ParseSweepKey returns the manifest key a sweep record belongs to.
func ParseSweepKey(key string) (string, error) {
	prefix := SweepsListPrefix()
	if !strings.HasPrefix(key, prefix) {
		return "", ErrInvalidKey
	}
	rest := key[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", ErrInvalidKey
	}
	manifest, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return manifest, nil
}
