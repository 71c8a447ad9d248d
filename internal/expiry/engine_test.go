package expiry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	minute = uint64(MicrosPerMinute)
	now    = uint64(1_700_000_000_000_000)
)

func TestStampOnInsert(t *testing.T) {
	ttl := ExpiryPolicy{Enabled: true, TTLMinutes: 10, WholeFileExpiry: true}
	unlimited := ExpiryPolicy{Enabled: true, Unlimited: true}
	noTTL := ExpiryPolicy{Enabled: true}
	off := ExpiryPolicy{Enabled: false, TTLMinutes: 10}

	tests := []struct {
		name   string
		kind   RecordKind
		policy ExpiryPolicy
		want   RecordKind
	}{
		{"plain with ttl", Plain(), ttl, WriteTime(now)},
		{"plain unlimited", Plain(), unlimited, WriteTime(now)},
		{"plain zero ttl", Plain(), noTTL, Plain()},
		{"plain disabled", Plain(), off, Plain()},
		{"write time without time", WriteTime(0), off, WriteTime(now)},
		{"write time kept", WriteTime(42), ttl, WriteTime(42)},
		{"explicit untouched", ExplicitExpiry(7), ttl, ExplicitExpiry(7)},
		{"deletion untouched", Deleted(), ttl, Deleted()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StampOnInsert(tt.kind, tt.policy, now))
		})
	}
}

func TestStampNeverTouchesPlainWhenDisabled(t *testing.T) {
	for _, p := range []ExpiryPolicy{
		{},
		{TTLMinutes: 1},
		{Unlimited: true},
		{TTLMinutes: 5, Unlimited: true, WholeFileExpiry: true},
	} {
		assert.Equal(t, Plain(), StampOnInsert(Plain(), p, now), p.String())
	}
}

func TestIsExpiredTTLBoundary(t *testing.T) {
	p := ExpiryPolicy{Enabled: true, TTLMinutes: 1}
	written := now - minute

	assert.True(t, IsExpired(WriteTime(written), p, now))
	assert.True(t, IsExpired(WriteTime(written-1), p, now))
	assert.False(t, IsExpired(WriteTime(written+1), p, now))
}

func TestIsExpiredWriteTime(t *testing.T) {
	old := WriteTime(now - 120*minute)
	tests := []struct {
		name   string
		policy ExpiryPolicy
		want   bool
	}{
		{"ttl passed", ExpiryPolicy{Enabled: true, TTLMinutes: 60}, true},
		{"ttl not passed", ExpiryPolicy{Enabled: true, TTLMinutes: 180}, false},
		{"unlimited", ExpiryPolicy{Enabled: true, TTLMinutes: 60, Unlimited: true}, false},
		{"zero ttl", ExpiryPolicy{Enabled: true}, false},
		{"disabled", ExpiryPolicy{TTLMinutes: 60}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExpired(old, tt.policy, now))
		})
	}
	assert.False(t, IsExpired(WriteTime(0), ExpiryPolicy{Enabled: true, TTLMinutes: 1}, now))
}

func TestIsExpiredExplicitIgnoresTTL(t *testing.T) {
	past := ExplicitExpiry(now - 1)
	future := ExplicitExpiry(now + 1)

	for _, p := range []ExpiryPolicy{
		{Enabled: true},
		{Enabled: true, TTLMinutes: 1},
		{Enabled: true, TTLMinutes: 100000},
		{Enabled: true, Unlimited: true},
	} {
		assert.True(t, IsExpired(past, p, now), p.String())
		assert.True(t, IsExpired(ExplicitExpiry(now), p, now), p.String())
		assert.False(t, IsExpired(future, p, now), p.String())
		assert.False(t, IsExpired(ExplicitExpiry(0), p, now), p.String())
	}
	assert.False(t, IsExpired(past, ExpiryPolicy{TTLMinutes: 1}, now))
}

func TestIsExpiredPlainAndDeleted(t *testing.T) {
	p := ExpiryPolicy{Enabled: true, TTLMinutes: 1}
	assert.False(t, IsExpired(Plain(), p, now))
	assert.False(t, IsExpired(Deleted(), p, now))
}

func TestSummarySentinels(t *testing.T) {
	s := NewFileExpirySummary()
	s.Accumulate(Plain())
	assert.Equal(t, uint64(0), s.WriteTimeLow)

	s = NewFileExpirySummary()
	s.Accumulate(ExplicitExpiry(10))
	s.Accumulate(ExplicitExpiry(30))
	s.Accumulate(ExplicitExpiry(20))
	assert.Equal(t, uint64(NoWriteTime), s.WriteTimeLow)
	assert.Equal(t, uint64(0), s.WriteTimeHigh)
	assert.Equal(t, uint64(30), s.ExplicitHigh)
}

func TestSummaryWriteTimeRange(t *testing.T) {
	var s FileExpirySummary
	for _, ts := range []uint64{50, 10, 90, 40} {
		s.Accumulate(WriteTime(ts))
	}
	s.Accumulate(Deleted())
	assert.Equal(t, uint64(10), s.WriteTimeLow)
	assert.Equal(t, uint64(90), s.WriteTimeHigh)

	// a plain record disqualifies the file for good
	s.Accumulate(Plain())
	s.Accumulate(WriteTime(5))
	assert.Equal(t, uint64(0), s.WriteTimeLow)
	assert.Equal(t, uint64(90), s.WriteTimeHigh)
}

func TestIsFileExpired(t *testing.T) {
	ttl := ExpiryPolicy{Enabled: true, TTLMinutes: 60, WholeFileExpiry: true}
	aged := FileExpirySummary{WriteTimeLow: now - 200*minute, WriteTimeHigh: now - 61*minute}
	fresh := FileExpirySummary{WriteTimeLow: now - 200*minute, WriteTimeHigh: now - 59*minute}
	explicitOnly := FileExpirySummary{WriteTimeLow: NoWriteTime, ExplicitHigh: now - 1}
	agedExplicitPending := FileExpirySummary{WriteTimeLow: now - 200*minute, WriteTimeHigh: now - 61*minute, ExplicitHigh: now + minute}
	freshExplicitPassed := FileExpirySummary{WriteTimeLow: now - 200*minute, WriteTimeHigh: now - 59*minute, ExplicitHigh: now - 1}
	withPlain := FileExpirySummary{WriteTimeLow: 0, WriteTimeHigh: now - 61*minute}

	tests := []struct {
		name    string
		summary FileExpirySummary
		policy  ExpiryPolicy
		want    bool
	}{
		{"aged past ttl", aged, ttl, true},
		{"aged within ttl", fresh, ttl, false},
		{"aged boundary", FileExpirySummary{WriteTimeLow: 1, WriteTimeHigh: now - 60*minute}, ttl, true},
		{"whole files off", aged, ExpiryPolicy{Enabled: true, TTLMinutes: 60}, false},
		{"disabled", aged, ExpiryPolicy{TTLMinutes: 60, WholeFileExpiry: true}, false},
		{"unlimited", aged, ExpiryPolicy{Enabled: true, TTLMinutes: 60, Unlimited: true, WholeFileExpiry: true}, false},
		{"zero ttl", aged, ExpiryPolicy{Enabled: true, WholeFileExpiry: true}, false},
		{"explicit only", explicitOnly, ExpiryPolicy{Enabled: true, Unlimited: true, WholeFileExpiry: true}, true},
		{"explicit in future", FileExpirySummary{WriteTimeLow: NoWriteTime, ExplicitHigh: now + 1}, ttl, false},
		{"aged past ttl, explicit pending", agedExplicitPending, ttl, true},
		{"explicit passed, aged fresh", freshExplicitPassed, ttl, true},
		{"neither bound passed", FileExpirySummary{WriteTimeLow: 1, WriteTimeHigh: now - 59*minute, ExplicitHigh: now + 1}, ttl, false},
		{"plain records, aged past ttl", withPlain, ttl, true},
		{"plain records, unlimited", withPlain, ExpiryPolicy{Enabled: true, Unlimited: true, WholeFileExpiry: true}, false},
		{"empty", NewFileExpirySummary(), ttl, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFileExpired(tt.summary, tt.policy, now))
		})
	}
}

func TestFallbackNeverMoreAggressive(t *testing.T) {
	resolved := ExpiryPolicy{Enabled: true, Unlimited: true, WholeFileExpiry: true}
	fallback := Disabled()

	records := []RecordKind{WriteTime(1), WriteTime(now), ExplicitExpiry(1), Plain(), Deleted()}
	for _, k := range records {
		if IsExpired(k, fallback, now) {
			assert.True(t, IsExpired(k, resolved, now), k.String())
		}
	}

	summaries := []FileExpirySummary{
		{WriteTimeLow: 1, WriteTimeHigh: 2},
		{WriteTimeLow: NoWriteTime, ExplicitHigh: 1},
		{WriteTimeLow: 1, WriteTimeHigh: 2, ExplicitHigh: 3},
	}
	for _, s := range summaries {
		if IsFileExpired(s, fallback, now) {
			assert.True(t, IsFileExpired(s, resolved, now))
		}
	}
}
