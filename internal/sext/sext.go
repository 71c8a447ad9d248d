// Package sext decodes the collection portion of sext-encoded object keys.
//
// Object keys are encoded as the 3-tuple {o, Collection, Key} where
// Collection is either a binary name or a {Type, Name} tuple of binaries.
// Binaries use the sext bit-packed form: every byte is preceded by a 1 bit,
// the payload ends with a 0 bit, is zero padded to a byte boundary and is
// followed by an 0x08 end marker. An empty binary is the end marker alone.
package sext

import "bytes"

const (
	tagTuple  = 0x10
	tagBinary = 0x12
	endMarker = 0x08

	// smallest key that can carry {o, <<>>, <<>>}
	minKeySize = 11
)

var (
	objectPrefix = []byte{tagTuple, 0x00, 0x00, 0x00, 0x03}
	objectAtom   = []byte{0x0c, 0xb7, 0x80, 0x08}
	pairPrefix   = []byte{tagTuple, 0x00, 0x00, 0x00, 0x02}
)

// CollectionID is the still-encoded collection span of an object key: the
// binary tag of a bare name, or the tuple tag of a {Type, Name} pair,
// through the end marker of the name. It is used directly as a cache key.
type CollectionID []byte

// String returns the raw bytes as a string, suitable as a map key.
func (id CollectionID) String() string { return string(id) }

// IsTyped reports whether the id encodes a {Type, Name} pair.
func (id CollectionID) IsTyped() bool { return len(id) > 0 && id[0] == tagTuple }

// CollectionFromKey returns the collection span of an object key. Keys that
// are not {o, ...} tuples, or that are truncated, report false.
func CollectionFromKey(key []byte) (CollectionID, bool) {
	if len(key) < minKeySize || !hasPrefix(key, objectPrefix) {
		return nil, false
	}
	cur := len(objectPrefix)
	if !hasPrefix(key[cur:], objectAtom) {
		return nil, false
	}
	cur += len(objectAtom)
	start := cur

	switch {
	case cur+5 < len(key) && key[cur] == tagTuple && key[cur+4] == 0x02 && key[cur+5] == tagBinary:
		cur += len(pairPrefix) + 1
		_, n, ok := BinaryLength(key[cur:])
		if !ok {
			return nil, false
		}
		cur += n
		if cur >= len(key) || key[cur] != tagBinary {
			return nil, false
		}
		cur++
		_, n, ok = BinaryLength(key[cur:])
		if !ok {
			return nil, false
		}
		cur += n
	case key[cur] == tagBinary:
		cur++
		_, n, ok := BinaryLength(key[cur:])
		if !ok {
			return nil, false
		}
		cur += n
	default:
		return nil, false
	}
	return CollectionID(key[start:cur]), true
}

// ParseCollection decodes a collection id into its type and name. The type
// is empty for bare-name collections.
func ParseCollection(id CollectionID) (typ, name string, ok bool) {
	if len(id) == 0 {
		return "", "", false
	}
	if id[0] == tagTuple {
		if !hasPrefix(id, pairPrefix) || len(id) <= len(pairPrefix) || id[len(pairPrefix)] != tagBinary {
			return "", "", false
		}
		cur := len(pairPrefix) + 1
		t, n, ok := DecodeBinary(id[cur:])
		if !ok {
			return "", "", false
		}
		cur += n
		if cur >= len(id) || id[cur] != tagBinary {
			return "", "", false
		}
		cur++
		b, _, ok := DecodeBinary(id[cur:])
		if !ok {
			return "", "", false
		}
		return string(t), string(b), true
	}
	if id[0] != tagBinary {
		return "", "", false
	}
	b, _, ok := DecodeBinary(id[1:])
	if !ok {
		return "", "", false
	}
	return "", string(b), true
}

// CollectionNamesFromKey combines CollectionFromKey and ParseCollection.
func CollectionNamesFromKey(key []byte) (typ, name string, ok bool) {
	id, ok := CollectionFromKey(key)
	if !ok {
		return "", "", false
	}
	return ParseCollection(id)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// MayContainObjectKeys reports whether the key range [smallest, largest]
// can hold any {o, ...} object key.
func MayContainObjectKeys(smallest, largest []byte) bool {
	lo := append(append([]byte{}, objectPrefix...), objectAtom...)
	hi := append([]byte{}, lo...)
	hi[len(hi)-1]++
	return bytes.Compare(largest, lo) >= 0 && bytes.Compare(smallest, hi) < 0
}
