package expiry

import (
	"encoding/binary"
	"errors"
)

// ErrCorruptKey is returned for internal keys too short for their type.
var ErrCorruptKey = errors.New("expiry: corrupt internal key")

// MaxSequence is the largest sequence number an internal key can carry.
const MaxSequence = (uint64(1) << 56) - 1

// InternalKey is a decoded internal key:
//
//	user key | expiry (8 bytes LE, write-time and explicit types only) | seq<<8|type (8 bytes LE)
type InternalKey struct {
	UserKey  []byte
	Sequence uint64
	Kind     RecordKind
}

// ParseInternalKey decodes b. UserKey aliases b.
func ParseInternalKey(b []byte) (InternalKey, error) {
	if len(b) < 8 {
		return InternalKey{}, ErrCorruptKey
	}
	n := len(b) - 8
	tag := binary.LittleEndian.Uint64(b[n:])
	typ := ValueType(tag & 0xff)
	if typ > TypeExplicitExpiry {
		return InternalKey{}, ErrCorruptKey
	}

	ik := InternalKey{Sequence: tag >> 8, Kind: RecordKind{Type: typ}}
	if typ.HasTime() {
		if n < 8 {
			return InternalKey{}, ErrCorruptKey
		}
		n -= 8
		ik.Kind.Time = binary.LittleEndian.Uint64(b[n:])
	}
	ik.UserKey = b[:n]
	return ik, nil
}

// AppendInternalKey appends the encoding of ik to dst.
func AppendInternalKey(dst []byte, ik InternalKey) []byte {
	dst = append(dst, ik.UserKey...)
	if ik.Kind.Type.HasTime() {
		dst = binary.LittleEndian.AppendUint64(dst, ik.Kind.Time)
	}
	return binary.LittleEndian.AppendUint64(dst, ik.Sequence<<8|uint64(ik.Kind.Type))
}
