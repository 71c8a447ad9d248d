package sext

// BinaryLength scans a bit-packed binary starting at buf[0], the byte after
// the binary tag. It returns the decoded payload length and the number of
// encoded bytes including the end marker. An empty binary is accepted both
// as a lone end marker and with a zero padding byte before it.
func BinaryLength(buf []byte) (length, consumed int, ok bool) {
	if len(buf) > 0 && buf[0] == endMarker {
		return 0, 1, true
	}
	mask := byte(0x80)
	cur := 0
	for {
		if cur >= len(buf) {
			return 0, 0, false
		}
		if buf[cur]&mask == 0 {
			break
		}
		length++
		cur++
		mask >>= 1
		if mask == 0 {
			cur++
			mask = 0x80
		}
	}
	// cur sits on the byte holding the terminating 0 bit
	if cur+1 >= len(buf) || buf[cur+1] != endMarker {
		return 0, 0, false
	}
	return length, cur + 2, true
}

// DecodeBinary decodes a bit-packed binary starting at buf[0]. consumed
// always equals the value BinaryLength reports for the same input.
func DecodeBinary(buf []byte) (out []byte, consumed int, ok bool) {
	length, consumed, ok := BinaryLength(buf)
	if !ok {
		return nil, 0, false
	}

	out = make([]byte, 0, length)
	mask, low, high, shift := byte(0x80), byte(0x7f), byte(0x80), uint(1)
	cur := 0
	for i := 0; i < length; i++ {
		if cur+1 >= len(buf) {
			return nil, 0, false
		}
		ch := (buf[cur] & low) << shift
		cur++
		ch += (buf[cur] & high) >> (8 - shift)
		out = append(out, ch)

		mask >>= 1
		low &^= mask
		high |= mask
		shift++
		if mask == 0 {
			cur++
			mask, low, high, shift = 0x80, 0x7f, 0x80, 1
		}
	}
	return out, consumed, true
}

// EncodeBinary appends the bit-packed form of b to dst, without the tag.
// An empty b encodes as the end marker alone.
func EncodeBinary(dst, b []byte) []byte {
	if len(b) == 0 {
		return append(dst, endMarker)
	}
	var acc uint16
	var nbits uint
	emit := func(bits uint16, n uint) {
		acc = acc<<n | bits
		nbits += n
		for nbits >= 8 {
			dst = append(dst, byte(acc>>(nbits-8)))
			nbits -= 8
			acc &= 1<<nbits - 1
		}
	}
	for _, c := range b {
		emit(0x100|uint16(c), 9)
	}
	emit(0, 1)
	if nbits > 0 {
		emit(0, 8-nbits)
	}
	return append(dst, endMarker)
}

// Collection builds the collection id for a type and name. An empty type
// yields the bare-name form.
func Collection(typ, name string) CollectionID {
	var id []byte
	if typ != "" {
		id = append(id, pairPrefix...)
		id = append(id, tagBinary)
		id = EncodeBinary(id, []byte(typ))
	}
	id = append(id, tagBinary)
	id = EncodeBinary(id, []byte(name))
	return id
}

// ObjectKey builds a full {o, Collection, Key} object key.
func ObjectKey(typ, name string, key []byte) []byte {
	out := append([]byte{}, objectPrefix...)
	out = append(out, objectAtom...)
	out = append(out, Collection(typ, name)...)
	out = append(out, tagBinary)
	return EncodeBinary(out, key)
}
