package encryption

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
)

var errMalformedPadding = errors.New("encryption: malformed padding")

// pad appends n copies of n for a random n in [1, 255].
func pad(b []byte) ([]byte, error) {
	return padFrom(crypto_rand.Reader, b)
}

func padFrom(rand io.Reader, b []byte) ([]byte, error) {
	var r [1]byte
	// 255 is redrawn so every n is equally likely
	for r[0] = 0xff; r[0] == 0xff; {
		if _, err := io.ReadFull(rand, r[:]); err != nil {
			return nil, fmt.Errorf("encryption: error reading padding length: %w", err)
		}
	}
	n := int(r[0]) + 1
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out, nil
}

// unpad strips the padding. Padding that fills all of b leaves an empty plaintext.
func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errMalformedPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || len(b) < n {
		return nil, fmt.Errorf("%w: %d bytes with padding %d", errMalformedPadding, len(b), n)
	}
	return b[:len(b)-n], nil
}
