// Package expiry holds the expiry decision table and the level scan used to
// drop whole files during compaction. Everything here is pure: callers pass
// the policy and the current time in, nothing blocks and nothing is shared.
package expiry

import "fmt"

// MicrosPerMinute converts TTL minutes to record timestamps.
const MicrosPerMinute = 60_000_000

// ExpiryPolicy controls expiry for a collection, or for every key when used
// as the process default.
type ExpiryPolicy struct {
	// Enabled gates all expiry, including explicit per-record expiry.
	Enabled bool `json:"enabled"`
	// TTLMinutes ages records out relative to their write time. Zero
	// disables ageing.
	TTLMinutes uint64 `json:"ttlMinutes"`
	// Unlimited disables ageing while keeping explicit expiry.
	Unlimited bool `json:"unlimited"`
	// WholeFileExpiry allows compaction to drop files whose records have
	// all expired without rewriting them.
	WholeFileExpiry bool `json:"wholeFileExpiry"`
}

// DefaultPolicy is the policy used when nothing is configured: expiry
// enabled, no TTL, whole file expiry allowed.
func DefaultPolicy() ExpiryPolicy {
	return ExpiryPolicy{Enabled: true, WholeFileExpiry: true}
}

// Disabled is the fallback used when a collection's policy can't be
// resolved. It never expires anything.
func Disabled() ExpiryPolicy {
	return ExpiryPolicy{}
}

// Active reports whether the policy stamps write times on insert.
func (p ExpiryPolicy) Active() bool {
	return p.Enabled && (p.TTLMinutes != 0 || p.Unlimited)
}

// Ages reports whether records age out by TTL.
func (p ExpiryPolicy) Ages() bool {
	return p.Enabled && !p.Unlimited && p.TTLMinutes != 0
}

// TTLMicros returns the TTL in microseconds.
func (p ExpiryPolicy) TTLMicros() uint64 {
	return p.TTLMinutes * MicrosPerMinute
}

func (p ExpiryPolicy) String() string {
	ttl := fmt.Sprintf("%dm", p.TTLMinutes)
	if p.Unlimited {
		ttl = "unlimited"
	}
	return fmt.Sprintf("enabled=%t ttl=%s whole_files=%t", p.Enabled, ttl, p.WholeFileExpiry)
}
