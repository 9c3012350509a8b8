package cryptoutil

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

// KDF derives a 16-byte 3DES key from a seed per ICAO Doc 9303 part 11
// §9.7.1: hash seed ‖ counter with SHA-1, take the leading 16 bytes, and
// force odd parity on each byte so it is usable directly as a DES key
// schedule.  counter 1 yields the session/BAC encryption key, counter 2
// the MAC key.
func KDF(seed []byte, counter uint32) []byte {
	h := sha1.New()
	h.Write(seed)
	h.Write([]byte{byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter)})
	digest := h.Sum(nil)

	key := make([]byte, 16)
	copy(key, digest[:16])
	for i := range key {
		key[i] = setOddParity(key[i])
	}
	return key
}

// DeriveEncKey derives the BAC/SM encryption key (KDF counter 1).
func DeriveEncKey(seed []byte) []byte { return KDF(seed, 1) }

// DeriveMACKey derives the BAC/SM MAC key (KDF counter 2).
func DeriveMACKey(seed []byte) []byte { return KDF(seed, 2) }

func setOddParity(b byte) byte {
	var ones int
	for i := 1; i < 8; i++ {
		if b&(1<<i) != 0 {
			ones++
		}
	}
	if ones%2 == 0 {
		return b | 1
	}
	return b &^ 1
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptoutil: random bytes: %w", err)
	}
	return b, nil
}
