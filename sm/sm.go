// Package sm implements the ICAO Doc 9303 part 11 §9.8 Secure Messaging
// wrapper: protecting an outbound command APDU with 3DES-CBC encryption and
// an ISO/IEC 9797-1 MAC algorithm 3 MAC, and unprotecting/verifying the
// card's response. It owns the session keys and the 8-byte send-sequence
// counter (SSC) for one BAC session.
package sm

import (
	"bytes"
	"fmt"

	"github.com/vunguyen2808/go-emrtd/apdu"
	"github.com/vunguyen2808/go-emrtd/cryptoutil"
)

// DO tags used to wrap protected command/response bodies (§9.8 of part 11).
const (
	doEncryptedData  = 0x87
	doLe             = 0x97
	doStatusWord     = 0x99
	doMAC            = 0x8E
	paddingIndicator = 0x01 // DO'87' leading byte: "data is padded"
)

// Keys holds the session key material installed after a successful BAC
// handshake: the 3DES encryption key, the MAC key, and the 8-byte SSC.
type Keys struct {
	KSenc [16]byte
	KSmac [16]byte
	SSC   [8]byte
}

// Engine wraps an unprotected command into a protected one and unwraps a
// protected response, maintaining the SSC across calls. It is purely
// functional over its keys; it holds no reference to the ICC or transport
// (§9 design note: no cyclic ICC<->SM reference).
type Engine struct {
	keys Keys
}

// New creates an SM engine installed with the given session keys.
func New(keys Keys) *Engine {
	return &Engine{keys: keys}
}

// SSC returns the current value of the send-sequence counter.
func (e *Engine) SSC() [8]byte {
	return e.keys.SSC
}

// Keys returns the engine's current session key material, including the
// live SSC. Callers must not mutate the returned value's expectations
// across calls to Protect/Unprotect, since the SSC advances on each.
func (e *Engine) Keys() Keys {
	return e.keys
}

func incrementSSC(ssc *[8]byte) {
	for i := len(ssc) - 1; i >= 0; i-- {
		ssc[i]++
		if ssc[i] != 0 {
			return
		}
	}
}

// Protect increments the SSC and builds a protected command APDU from cmd.
// The returned command's CLA has the SM-indicator bit set (0x0C, no command
// chaining). On error the SSC has still been advanced: per §3 a
// cryptographic failure never rolls the SSC back, so the caller must
// discard the session rather than retry Protect.
func (e *Engine) Protect(cmd apdu.Command) (apdu.Command, error) {
	incrementSSC(&e.keys.SSC)

	header := []byte{cmd.CLA | 0x0C, cmd.INS, cmd.P1, cmd.P2}

	var do87, do97 []byte
	if len(cmd.Data) > 0 {
		padded := cryptoutil.Pad(cmd.Data)
		enc, err := cryptoutil.TDESCBCEncrypt(e.keys.KSenc[:], zeroIV(), padded, false)
		if err != nil {
			return apdu.Command{}, fmt.Errorf("sm: protect: encrypt data: %w", err)
		}
		do87 = apdu.EncodeTLV(doEncryptedData, append([]byte{paddingIndicator}, enc...))
	}
	if cmd.Ne > 0 {
		do97 = apdu.EncodeTLV(doLe, leBytes(cmd.Ne))
	}

	macInput := make([]byte, 0, 8+len(header)+len(do87)+len(do97))
	macInput = append(macInput, e.keys.SSC[:]...)
	macInput = append(macInput, header...)
	macInput = append(macInput, do87...)
	macInput = append(macInput, do97...)

	mac, err := cryptoutil.MAC3(e.keys.KSmac[:], macInput, true)
	if err != nil {
		return apdu.Command{}, fmt.Errorf("sm: protect: compute MAC: %w", err)
	}
	do8E := apdu.EncodeTLV(doMAC, mac)

	data := make([]byte, 0, len(do87)+len(do97)+len(do8E))
	data = append(data, do87...)
	data = append(data, do97...)
	data = append(data, do8E...)

	protected := apdu.Command{
		CLA:  header[0],
		INS:  cmd.INS,
		P1:   cmd.P1,
		P2:   cmd.P2,
		Data: data,
		Ne:   0x100, // outer Le: 0x00 short-form wildcard unless extended forces otherwise
	}
	if len(data) > 255 {
		protected.Ne = 0x10000
	}
	return protected, nil
}

// Unprotect increments the SSC and verifies+decrypts a protected response,
// returning the plaintext apdu.Response. A MAC mismatch or malformed DO
// structure is a fatal SM failure: the caller must discard the session
// (§4.3, §8 S5).
func (e *Engine) Unprotect(wire []byte) (apdu.Response, error) {
	incrementSSC(&e.keys.SSC)

	rsp, err := apdu.Decode(wire)
	if err != nil {
		return apdu.Response{}, fmt.Errorf("sm: unprotect: %w", err)
	}

	var do87Raw, do99Raw, do8ERaw []byte
	rest := rsp.Data
	for len(rest) > 0 {
		hdr, err := apdu.DecodeTLV(rest)
		if err != nil {
			return apdu.Response{}, fmt.Errorf("sm: unprotect: parse DO: %w", err)
		}
		start := hdr.HeaderLen
		end := start + hdr.Length
		if end > len(rest) {
			return apdu.Response{}, fmt.Errorf("sm: unprotect: DO 0x%02X length exceeds response", hdr.Tag)
		}
		whole := rest[:end]
		value := rest[start:end]
		switch byte(hdr.Tag) {
		case doEncryptedData:
			do87Raw = whole
		case doStatusWord:
			do99Raw = whole
			if len(value) != 2 {
				return apdu.Response{}, fmt.Errorf("sm: unprotect: DO'99' must be 2 bytes, got %d", len(value))
			}
		case doMAC:
			do8ERaw = whole
			if len(value) != 8 {
				return apdu.Response{}, fmt.Errorf("sm: unprotect: DO'8E' must be 8 bytes, got %d", len(value))
			}
		}
		rest = rest[end:]
	}

	if do99Raw == nil || do8ERaw == nil {
		return apdu.Response{}, fmt.Errorf("sm: unprotect: response missing mandatory DO'99'/DO'8E'")
	}

	macInput := make([]byte, 0, 8+len(do87Raw)+len(do99Raw))
	macInput = append(macInput, e.keys.SSC[:]...)
	macInput = append(macInput, do87Raw...)
	macInput = append(macInput, do99Raw...)

	expected, err := cryptoutil.MAC3(e.keys.KSmac[:], macInput, true)
	if err != nil {
		return apdu.Response{}, fmt.Errorf("sm: unprotect: compute MAC: %w", err)
	}
	gotMAC := do8ERaw[len(do8ERaw)-8:]
	if !bytes.Equal(expected, gotMAC) {
		return apdu.Response{}, fmt.Errorf("sm: unprotect: MAC mismatch, SM session compromised")
	}

	var plaintext []byte
	if do87Raw != nil {
		hdr, _ := apdu.DecodeTLV(do87Raw)
		cipherWithIndicator := do87Raw[hdr.HeaderLen:]
		if len(cipherWithIndicator) == 0 || cipherWithIndicator[0] != paddingIndicator {
			return apdu.Response{}, fmt.Errorf("sm: unprotect: DO'87' missing padding indicator")
		}
		dec, err := cryptoutil.TDESCBCDecrypt(e.keys.KSenc[:], zeroIV(), cipherWithIndicator[1:], true)
		if err != nil {
			return apdu.Response{}, fmt.Errorf("sm: unprotect: decrypt data: %w", err)
		}
		plaintext = dec
	}

	swHdr, _ := apdu.DecodeTLV(do99Raw)
	swBytes := do99Raw[swHdr.HeaderLen:]
	return apdu.Response{Data: plaintext, SW1: swBytes[0], SW2: swBytes[1]}, nil
}

func zeroIV() []byte {
	return make([]byte, cryptoutil.BlockSize)
}

func leBytes(ne int) []byte {
	if ne <= 256 {
		if ne == 256 {
			return []byte{0x00}
		}
		return []byte{byte(ne)}
	}
	if ne == 65536 {
		return []byte{0x00, 0x00}
	}
	return []byte{byte(ne >> 8), byte(ne)}
}
