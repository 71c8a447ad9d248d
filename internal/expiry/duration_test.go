package expiry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationMinutes(t *testing.T) {
	tests := map[string]uint64{
		"59s":             0,
		"60s":             1,
		"61s":             1,
		"600s":            10,
		"1m":              1,
		"2m":              2,
		"2m600s":          12,
		"1h":              60,
		"3h":              180,
		"24h":             1440,
		"1d":              1440,
		"7d":              10080,
		"10d":             14400,
		"14d":             20160,
		"1w":              10080,
		"2w":              20160,
		"1f":              20160,
		"1m1s1ms1m":       2,
		"1f1w1d1h1m1s1ms": 31741,
		"":                0,
		"garbage":         0,
		"90":              0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseDurationMinutes(in), in)
	}
}

func TestParseTTL(t *testing.T) {
	m, unlimited, err := ParseTTL("unlimited")
	require.NoError(t, err)
	assert.True(t, unlimited)
	assert.Zero(t, m)

	m, unlimited, err = ParseTTL(" 90 ")
	require.NoError(t, err)
	assert.False(t, unlimited)
	assert.Equal(t, uint64(90), m)

	m, _, err = ParseTTL("1d12h")
	require.NoError(t, err)
	assert.Equal(t, uint64(2160), m)

	for _, bad := range []string{"", "forever", "1y", "-5"} {
		_, _, err := ParseTTL(bad)
		assert.Error(t, err, bad)
	}
}
