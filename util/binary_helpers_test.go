package util

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeekU32String(t *testing.T) {
	buf := []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o', 0xff}

	str, n, ok := PeekU32String(buf, binary.BigEndian)
	assert.True(t, ok)
	assert.Equal(t, "hello", str)
	assert.Equal(t, 9, n)
}

func TestPeekU32StringIncomplete(t *testing.T) {
	_, _, ok := PeekU32String([]byte{0, 0, 0}, binary.BigEndian)
	assert.False(t, ok)

	_, _, ok = PeekU32String([]byte{0, 0, 0, 4, 'a', 'b'}, binary.BigEndian)
	assert.False(t, ok)
}

func TestPeekU32StringHugeLength(t *testing.T) {
	_, _, ok := PeekU32String([]byte{0xff, 0xff, 0xff, 0xff, 'a'}, binary.BigEndian)
	assert.False(t, ok)
}

func TestLatin1(t *testing.T) {
	assert.Equal(t, "café", Latin1([]byte{'c', 'a', 'f', 0xe9}))
	assert.Equal(t, "", Latin1(nil))
}
