// Package envelope extracts the last write time from stored object values.
//
// Only the v1 object layout is understood:
//
//	header:  <<0x35, 0x01, VclockLen:32, Vclock, SibCount:32, Siblings>>
//	sibling: <<ValLen:32, Val, MetaLen:32, Meta>>
//	meta:    <<Mega:32, Sec:32, Micro:32, VTagLen:8, VTag, Deleted:8, Dict>>
//	dict:    <<KeyLen:32, Type:8, Key, ValLen:32, Val>>*
//
// The "X-Riak-Meta" dictionary value is an external-term list of
// {string, string} pairs that may carry a user supplied base time in
// seconds, which takes precedence over the sibling's modification time.
package envelope

const (
	magic     = 0x35
	versionV1 = 0x01

	termVersion = 0x83
	termList    = 0x6c
	termTuple   = 0x68
	termString  = 0x6b

	// plausibility window for user supplied seconds: 1980-01-01 .. 2080-01-01
	minBaseSeconds = 315550800
	maxBaseSeconds = 3471310800
)

var (
	userMetaKey = []byte("X-Riak-Meta")

	// Both spellings have been written by clients.
	baseSecondsKeys = [][]byte{
		[]byte("X-Riak-Meta-Expiry-Base-Seconds"),
		[]byte("X-Riak-Meta-Expiry-Base-Sec"),
	}
)

// LastWriteTime returns the most recent write time across all siblings, in
// microseconds since the Unix epoch. It reports false when the value is not
// a v1 object or no sibling carries a usable time.
func LastWriteTime(value []byte) (uint64, bool) {
	if len(value) < 2 || value[0] != magic || value[1] != versionV1 {
		return 0, false
	}
	r := reader{buf: value, pos: 2}

	vclockLen, ok := r.u32()
	if !ok || !r.skip(int(vclockLen)) {
		return 0, false
	}
	count, ok := r.u32()
	if !ok {
		return 0, false
	}

	var latest uint64
	for i := uint32(0); i < count && r.remaining() > 0; i++ {
		t, next, ok := siblingTime(value, r.pos)
		if t > latest {
			latest = t
		}
		if !ok {
			break
		}
		r.pos = next
	}
	return latest, latest != 0
}

// siblingTime decodes the sibling starting at pos. It returns the candidate
// time (0 if none), the offset of the next sibling and whether that offset
// is usable.
func siblingTime(buf []byte, pos int) (uint64, int, bool) {
	r := reader{buf: buf, pos: pos}
	valLen, ok := r.u32()
	if !ok || !r.skip(int(valLen)) {
		return 0, 0, false
	}
	metaLen, ok := r.u32()
	if !ok {
		return 0, 0, false
	}

	next := r.pos + int(metaLen)
	end := next
	if end > len(buf) || end < r.pos {
		end = len(buf)
	}
	t := metadataTime(buf[r.pos:end])
	return t, next, next <= len(buf) && next >= r.pos
}

func metadataTime(meta []byte) uint64 {
	r := reader{buf: meta}

	var t uint64
	mega, ok1 := r.u32()
	sec, ok2 := r.u32()
	micro, ok3 := r.u32()
	if ok1 && ok2 && ok3 {
		t = (uint64(mega)*1_000_000+uint64(sec))*1_000_000 + uint64(micro)
	}

	vtagLen, ok := r.u8()
	if !ok || !r.skip(int(vtagLen)) {
		return t
	}
	// deleted flag
	if !r.skip(1) {
		return t
	}

	userMeta, ok := findDictEntry(&r, userMetaKey)
	if !ok {
		return t
	}
	if base, ok := baseSeconds(userMeta); ok {
		return base * 1_000_000
	}
	return t
}

// findDictEntry scans length-prefixed dictionary pairs and returns the
// value of key. Keys carry a one byte type preamble.
func findDictEntry(r *reader, key []byte) ([]byte, bool) {
	for r.remaining() > 0 {
		keyLen, ok := r.u32()
		if !ok {
			return nil, false
		}
		k, ok := r.bytes(int(keyLen))
		if !ok {
			return nil, false
		}
		valLen, ok := r.u32()
		if !ok {
			return nil, false
		}
		v, ok := r.bytes(int(valLen))
		if !ok {
			v = r.buf[r.pos:]
			r.pos = len(r.buf)
		}
		if len(k) == len(key)+1 && string(k[1:]) == string(key) {
			return v, true
		}
	}
	return nil, false
}

// baseSeconds walks the user metadata term list for the base time key.
func baseSeconds(term []byte) (uint64, bool) {
	r := reader{buf: term}
	for _, want := range []byte{0x00, termVersion, termList} {
		if b, ok := r.u8(); !ok || b != want {
			return 0, false
		}
	}
	count, ok := r.u32()
	if !ok {
		return 0, false
	}

	for ; count > 0; count-- {
		// pairs only; the list tail (0x6a) ends the scan
		if a, ok := r.u8(); !ok || a != termTuple {
			return 0, false
		}
		if n, ok := r.u8(); !ok || n != 2 {
			return 0, false
		}
		k, ok := r.str()
		if !ok {
			return 0, false
		}
		v, ok := r.str()
		if !ok {
			return 0, false
		}
		if isBaseSecondsKey(k) {
			return parseSeconds(v)
		}
	}
	return 0, false
}

func isBaseSecondsKey(k []byte) bool {
	for _, key := range baseSecondsKeys {
		if string(k) == string(key) {
			return true
		}
	}
	return false
}

func parseSeconds(digits []byte) (uint64, bool) {
	if len(digits) == 0 || len(digits) > 19 {
		return 0, false
	}
	var v uint64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	if v <= minBaseSeconds || v >= maxBaseSeconds {
		return 0, false
	}
	return v, true
}
