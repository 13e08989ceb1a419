package rfb

import (
	"bytes"
	"crypto/des"
	"encoding/hex"
	"fmt"
	"math/bits"
	"sync"
)

const (
	ChallengeSize  = 16
	maxPasswordLen = 8
)

// Build the DES key VNC wants out of a password: truncated or zero-padded to 8 bytes, with
// the bits of every byte reversed
func mangleKey(password []byte) []byte {
	key := make([]byte, des.BlockSize)
	n := copy(key, password)
	for i := 0; i < n; i++ {
		key[i] = bits.Reverse8(key[i])
	}

	return key
}

// ComputeAuthResponse answers a VNC Authentication challenge (RFC 6143 7.2.2). Both 8 byte
// halves of the challenge are encrypted independently with the same key (ECB, no chaining).
func ComputeAuthResponse(password []byte, challenge []byte) ([]byte, error) {
	if len(challenge) != ChallengeSize {
		return nil, fmt.Errorf("ComputeAuthResponse: challenge must be %d bytes, got (%d)", ChallengeSize, len(challenge))
	}

	key := mangleKey(password)
	defer clear(key)

	cipher, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ComputeAuthResponse: failed to create DES cipher: %w", err)
	}

	response := make([]byte, ChallengeSize)
	cipher.Encrypt(response[:des.BlockSize], challenge[:des.BlockSize])
	cipher.Encrypt(response[des.BlockSize:], challenge[des.BlockSize:])

	if bytes.Equal(response, make([]byte, ChallengeSize)) {
		return nil, ErrDegenerateResponse
	}

	return response, nil
}

// Known answer from the classic DES worked example (key 133457799BBCDFF1), reached through a
// password whose reversed bytes are that key
var (
	selfTestPassword  = []byte{0xc8, 0x2c, 0xea, 0x9e, 0xd9, 0x3d, 0xfb, 0x8f}
	selfTestChallenge = mustHex("0123456789abcdef0123456789abcdef")
	selfTestResponse  = mustHex("85e813540f0ab40585e813540f0ab405")
)

var (
	selfTestOnce sync.Once
	selfTestErr  error
)

// Checks once per process that DES produces the known answer. A session must never be built
// on a broken cipher.
func desSelfTest() error {
	selfTestOnce.Do(func() {
		got, err := ComputeAuthResponse(selfTestPassword, selfTestChallenge)
		if err != nil {
			selfTestErr = fmt.Errorf("DES self-test: %w", err)
		} else if !bytes.Equal(got, selfTestResponse) {
			selfTestErr = fmt.Errorf("DES self-test: expected %x, got %x", selfTestResponse, got)
		}
	})

	return selfTestErr
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
