package util

import (
	"encoding/binary"
)

// Peek a u32 length-prefixed string at the start of buf without consuming anything.
// Returns the string and the total number of bytes it occupies, or ok=false if buf doesn't
// hold all of it yet
func PeekU32String(buf []byte, order binary.ByteOrder) (str string, n int, ok bool) {
	if len(buf) < 4 {
		return "", 0, false
	}

	strLen := order.Uint32(buf)
	if uint64(len(buf)-4) < uint64(strLen) {
		return "", 0, false
	}

	n = 4 + int(strLen)
	return Latin1(buf[4:n]), n, true
}

// RFB strings are Latin-1, map each byte to the rune of the same value
func Latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}

	return string(runes)
}
