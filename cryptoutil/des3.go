// Package cryptoutil implements the symmetric-crypto primitives the BAC
// profile of ICAO Doc 9303 needs: single- and triple-DES in CBC mode, the
// ISO/IEC 9797-1 MAC algorithm 3 ("retail MAC"), and the ICAO key derivation
// function built on top of them.
package cryptoutil

import (
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"
)

// BlockSize is the DES/3DES block size in bytes.
const BlockSize = 8

// ErrBadPadding is returned when ISO/IEC 7816-4 padding cannot be stripped.
var ErrBadPadding = errors.New("cryptoutil: bad ISO/IEC 7816-4 padding")

// Pad appends ISO/IEC 7816-4 padding: a single 0x80 byte followed by as many
// 0x00 bytes as needed to reach the next 8-byte boundary. If data is already
// block-aligned a full extra block is added, per the method's definition.
func Pad(data []byte) []byte {
	padLen := BlockSize - (len(data) % BlockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// Unpad strips ISO/IEC 7816-4 padding. The last non-zero byte must be 0x80;
// anything else is a malformed-padding error.
func Unpad(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, ErrBadPadding
	}
	return data[:idx], nil
}

// TDESKey is a two-key (K1 ‖ K2) 3DES-EDE key: encrypt with K1, decrypt with
// K2, encrypt with K1 again.
type TDESKey [16]byte

func newTDESCiphers(key []byte) (k1, k2 cipher.Block, err error) {
	if len(key) != 16 {
		return nil, nil, fmt.Errorf("cryptoutil: 3DES key must be 16 bytes, got %d", len(key))
	}
	k1, err = des.NewCipher(key[:8])
	if err != nil {
		return nil, nil, err
	}
	k2, err = des.NewCipher(key[8:16])
	if err != nil {
		return nil, nil, err
	}
	return k1, k2, nil
}

// TDESCBCEncrypt encrypts data under a 16-byte 3DES-EDE key in CBC mode with
// the given 8-byte IV. If pad is true, data is ISO/IEC 7816-4 padded first;
// otherwise len(data) must already be a multiple of BlockSize.
func TDESCBCEncrypt(key, iv, data []byte, pad bool) ([]byte, error) {
	if pad {
		data = Pad(data)
	}
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: data length %d not block-aligned", len(data))
	}
	k1, k2, err := newTDESCiphers(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	blockIV := append([]byte(nil), iv...)
	for off := 0; off < len(data); off += BlockSize {
		block := data[off : off+BlockSize]
		x := xorBytes(block, blockIV)
		k1.Encrypt(x, x)
		k2.Decrypt(x, x)
		k1.Encrypt(x, x)
		copy(out[off:off+BlockSize], x)
		blockIV = x
	}
	return out, nil
}

// TDESCBCDecrypt decrypts data under a 16-byte 3DES-EDE key in CBC mode with
// the given 8-byte IV. If unpad is true, ISO/IEC 7816-4 padding is stripped
// from the plaintext before it is returned.
func TDESCBCDecrypt(key, iv, data []byte, unpad bool) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("cryptoutil: data length %d not block-aligned", len(data))
	}
	k1, k2, err := newTDESCiphers(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	prevCipher := append([]byte(nil), iv...)
	for off := 0; off < len(data); off += BlockSize {
		block := data[off : off+BlockSize]
		x := append([]byte(nil), block...)
		k1.Decrypt(x, x)
		k2.Encrypt(x, x)
		k1.Decrypt(x, x)
		plain := xorBytes(x, prevCipher)
		copy(out[off:off+BlockSize], plain)
		prevCipher = append([]byte(nil), block...)
	}
	if unpad {
		return Unpad(out)
	}
	return out, nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
