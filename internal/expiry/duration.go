package expiry

import (
	"fmt"
	"strconv"
	"strings"
)

var unitSeconds = map[byte]uint64{
	'f': 2 * 7 * 24 * 60 * 60,
	'w': 7 * 24 * 60 * 60,
	'd': 24 * 60 * 60,
	'h': 60 * 60,
	'm': 60,
	's': 1,
}

// ParseDurationMinutes converts a duration such as "1w2d" or "90s" to whole
// minutes. Units are f(ortnight), w, d, h, m and s. Unknown or multi letter
// units ("ms") contribute nothing. Invalid input yields 0.
func ParseDurationMinutes(s string) uint64 {
	var seconds uint64
	for i := 0; i < len(s); {
		var n uint64
		for i < len(s) && isDigit(s[i]) {
			n = n*10 + uint64(s[i]-'0')
			i++
		}
		if i >= len(s) {
			break
		}
		mult, ok := unitSeconds[s[i]]
		i++
		if !ok {
			continue
		}
		if i < len(s) && !isDigit(s[i]) {
			i++
			continue
		}
		seconds += n * mult
	}
	return seconds / 60
}

// ParseTTL parses a configured TTL: "unlimited", a bare number of minutes,
// or a duration accepted by ParseDurationMinutes.
func ParseTTL(s string) (minutes uint64, unlimited bool, err error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return 0, false, fmt.Errorf("expiry: empty ttl")
	case v == "unlimited":
		return 0, true, nil
	case allDigits(v):
		m, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("expiry: invalid ttl %q: %w", s, err)
		}
		return m, false, nil
	}
	for i := 0; i < len(v); i++ {
		if _, ok := unitSeconds[v[i]]; !ok && !isDigit(v[i]) {
			return 0, false, fmt.Errorf("expiry: invalid ttl %q", s)
		}
	}
	return ParseDurationMinutes(v), false, nil
}

// FormatTTL is the inverse of ParseTTL for a policy.
func FormatTTL(p ExpiryPolicy) string {
	if p.Unlimited {
		return "unlimited"
	}
	return strconv.FormatUint(p.TTLMinutes, 10)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return len(s) > 0
}
