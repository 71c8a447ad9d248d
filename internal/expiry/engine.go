package expiry

// StampOnInsert returns the kind a record is stored with. Plain records get
// the write time when the policy is active, and write-time records that
// arrive without a time get one.
func StampOnInsert(kind RecordKind, p ExpiryPolicy, now uint64) RecordKind {
	switch {
	case kind.Type == TypeWriteTime && kind.Time == 0:
		return WriteTime(now)
	case kind.Type == TypeValue && p.Active():
		return WriteTime(now)
	default:
		return kind
	}
}

// IsExpired reports whether a single record has expired under p at now.
// The TTL boundary is inclusive. Records with a zero timestamp were never
// stamped and don't expire.
func IsExpired(kind RecordKind, p ExpiryPolicy, now uint64) bool {
	switch kind.Type {
	case TypeWriteTime:
		return p.Ages() && kind.Time != 0 && kind.Time+p.TTLMicros() <= now
	case TypeExplicitExpiry:
		return p.Enabled && kind.Time != 0 && kind.Time <= now
	default:
		return false
	}
}

// IsFileExpired reports whether a file can be dropped without reading it:
// its newest write time has aged past the TTL, or its latest explicit
// expiry has passed. WriteTimeLow plays no part in the decision.
func IsFileExpired(s FileExpirySummary, p ExpiryPolicy, now uint64) bool {
	if !p.Enabled || !p.WholeFileExpiry {
		return false
	}
	aged := p.Ages() && s.WriteTimeHigh != 0 && s.WriteTimeHigh+p.TTLMicros() <= now
	explicit := s.ExplicitHigh != 0 && s.ExplicitHigh <= now
	return aged || explicit
}
