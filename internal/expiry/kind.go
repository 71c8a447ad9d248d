package expiry

import "fmt"

// ValueType is the record type stored in an internal key. The numeric
// values are part of the on-disk key format.
type ValueType uint8

const (
	TypeDeletion       ValueType = 0
	TypeValue          ValueType = 1
	TypeWriteTime      ValueType = 2
	TypeExplicitExpiry ValueType = 3
)

func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "deletion"
	case TypeValue:
		return "value"
	case TypeWriteTime:
		return "write-time"
	case TypeExplicitExpiry:
		return "explicit-expiry"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// HasTime reports whether records of this type carry a timestamp.
func (t ValueType) HasTime() bool {
	return t == TypeWriteTime || t == TypeExplicitExpiry
}

// RecordKind is a record's type plus its timestamp, in microseconds since
// the Unix epoch. Time is only meaningful for TypeWriteTime and
// TypeExplicitExpiry.
type RecordKind struct {
	Type ValueType
	Time uint64
}

func Plain() RecordKind   { return RecordKind{Type: TypeValue} }
func Deleted() RecordKind { return RecordKind{Type: TypeDeletion} }

func WriteTime(t uint64) RecordKind {
	return RecordKind{Type: TypeWriteTime, Time: t}
}

func ExplicitExpiry(t uint64) RecordKind {
	return RecordKind{Type: TypeExplicitExpiry, Time: t}
}

func (k RecordKind) String() string {
	if k.Type.HasTime() {
		return fmt.Sprintf("%s(%d)", k.Type, k.Time)
	}
	return k.Type.String()
}
