package expiry

import "math"

// NoWriteTime is the WriteTimeLow value of a file without aged or plain
// records.
const NoWriteTime = math.MaxUint64

// FileExpirySummary aggregates the record timestamps of one table file. It
// is computed while the file is built and persisted with its metadata.
//
// WriteTimeLow is NoWriteTime when the file holds no aged or plain records
// and 0 when at least one plain record disqualifies the file.
type FileExpirySummary struct {
	WriteTimeLow  uint64 `json:"writeTimeLow"`
	WriteTimeHigh uint64 `json:"writeTimeHigh"`
	ExplicitHigh  uint64 `json:"explicitHigh"`
	// ExpiredCount is the number of records already expired when the file
	// was written. They behave like tombstones for compaction scoring.
	ExpiredCount uint64 `json:"expiredCount"`

	started bool
}

// NewFileExpirySummary returns a summary ready for Accumulate.
func NewFileExpirySummary() FileExpirySummary {
	return FileExpirySummary{WriteTimeLow: NoWriteTime, started: true}
}

// Accumulate folds one record into the summary. A zero summary is treated
// as fresh. Summaries loaded from storage are final and must not be
// accumulated into.
func (s *FileExpirySummary) Accumulate(kind RecordKind) {
	if !s.started {
		*s = FileExpirySummary{WriteTimeLow: NoWriteTime, ExpiredCount: s.ExpiredCount, started: true}
	}
	switch kind.Type {
	case TypeWriteTime:
		if kind.Time < s.WriteTimeLow {
			s.WriteTimeLow = kind.Time
		}
		if kind.Time > s.WriteTimeHigh {
			s.WriteTimeHigh = kind.Time
		}
	case TypeExplicitExpiry:
		if kind.Time > s.ExplicitHigh {
			s.ExplicitHigh = kind.Time
		}
	case TypeValue:
		s.WriteTimeLow = 0
	}
}
