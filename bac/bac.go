// Package bac implements the Basic Access Control mutual-authentication
// handshake of ICAO Doc 9303 part 11 §4.3: it exchanges a challenge with
// the card, derives session keys, and installs a Secure Messaging engine.
package bac

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/vunguyen2808/go-emrtd/cryptoutil"
	"github.com/vunguyen2808/go-emrtd/icc"
	"github.com/vunguyen2808/go-emrtd/sm"
)

// Keys are the two DES-EDE keys derived from the DBA key seed, used to
// authenticate with the card and to derive the session keys.
type Keys struct {
	Kenc []byte // 16 bytes
	Kmac []byte // 16 bytes
}

// DeriveKeys computes BAC's Kenc/Kmac from the DBA key seed (document
// number, date of birth, date of expiry — see cryptoutil.DBAKeySeed).
func DeriveKeys(seed []byte) Keys {
	return Keys{Kenc: cryptoutil.DeriveEncKey(seed), Kmac: cryptoutil.DeriveMACKey(seed)}
}

// Error represents a BAC handshake failure: either the card's authenticate
// response failed its MAC check or its echoed RND.IFD did not match.
type Error struct {
	Stage string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bac: %s failed: %v", e.Stage, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Reinitializer recomputes a fresh Secure Messaging engine from the same
// DBA keys, re-running the handshake. It is the only dynamic-dispatch point
// the read loop (package mrtd) needs on a recoverable error (§4.6, §9).
type Reinitializer func() (*sm.Engine, error)

// EstablishSession runs the BAC handshake against c, installs the
// resulting Secure Messaging engine into c, and returns a Reinitializer
// that repeats the handshake on demand (e.g. after a recoverable read
// error forces the session to be discarded).
func EstablishSession(c *icc.ICC, keys Keys) (Reinitializer, error) {
	eng, err := runHandshake(c, keys)
	if err != nil {
		return nil, err
	}
	c.InstallSM(eng)

	reinit := func() (*sm.Engine, error) {
		fresh, err := runHandshake(c, keys)
		if err != nil {
			return nil, err
		}
		c.InstallSM(fresh)
		return fresh, nil
	}
	return reinit, nil
}

func runHandshake(c *icc.ICC, keys Keys) (*sm.Engine, error) {
	rndIFD, err := cryptoutil.RandomBytes(8)
	if err != nil {
		return nil, &Error{Stage: "generate RND.IFD", Cause: err}
	}
	kIFD, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return nil, &Error{Stage: "generate K.IFD", Cause: err}
	}
	return runHandshakeWithRandom(c, keys, rndIFD, kIFD)
}

// runHandshakeWithRandom is the handshake core with RND.IFD/K.IFD supplied
// by the caller instead of drawn from crypto/rand, so tests can replay the
// ICAO Doc 9303 worked example deterministically.
func runHandshakeWithRandom(c *icc.ICC, keys Keys, rndIFD, kIFD []byte) (*sm.Engine, error) {
	// A fresh handshake always runs in plaintext, even when re-initiating
	// after a failed session.
	c.InstallSM(nil)

	rndIC, err := c.GetChallenge()
	if err != nil {
		return nil, &Error{Stage: "get challenge", Cause: err}
	}
	if len(rndIC) != 8 {
		return nil, &Error{Stage: "get challenge", Cause: fmt.Errorf("expected 8 bytes, got %d", len(rndIC))}
	}

	s := make([]byte, 0, 32)
	s = append(s, rndIFD...)
	s = append(s, rndIC...)
	s = append(s, kIFD...)

	eIFD, err := cryptoutil.TDESCBCEncrypt(keys.Kenc, make([]byte, cryptoutil.BlockSize), s, false)
	if err != nil {
		return nil, &Error{Stage: "encrypt S", Cause: err}
	}
	mIFD, err := cryptoutil.MAC3(keys.Kmac, eIFD, true)
	if err != nil {
		return nil, &Error{Stage: "MAC E.IFD", Cause: err}
	}

	authData := append(append([]byte{}, eIFD...), mIFD...)
	resp, err := c.ExternalAuthenticate(authData, 40)
	if err != nil {
		return nil, &Error{Stage: "external authenticate", Cause: err}
	}
	if len(resp) != 40 {
		return nil, &Error{Stage: "external authenticate", Cause: fmt.Errorf("expected 40 bytes, got %d", len(resp))}
	}
	eICC, mICC := resp[:32], resp[32:]

	expectedMAC, err := cryptoutil.MAC3(keys.Kmac, eICC, true)
	if err != nil {
		return nil, &Error{Stage: "MAC E.ICC", Cause: err}
	}
	if !bytes.Equal(expectedMAC, mICC) {
		return nil, &Error{Stage: "verify M.ICC", Cause: fmt.Errorf("MAC mismatch")}
	}

	r, err := cryptoutil.TDESCBCDecrypt(keys.Kenc, make([]byte, cryptoutil.BlockSize), eICC, false)
	if err != nil {
		return nil, &Error{Stage: "decrypt E.ICC", Cause: err}
	}
	rndIFDEcho := r[8:16]
	if !bytes.Equal(rndIFDEcho, rndIFD) {
		return nil, &Error{Stage: "verify RND.IFD", Cause: fmt.Errorf("card echoed a different RND.IFD")}
	}
	kICC := r[16:32]

	keySeed := xor16(kIFD, kICC)
	ksenc := cryptoutil.DeriveEncKey(keySeed)
	ksmac := cryptoutil.DeriveMACKey(keySeed)

	var ssc [8]byte
	copy(ssc[0:4], rndIC[4:8])
	copy(ssc[4:8], rndIFD[4:8])

	slog.Debug("bac session established",
		"ssc", fmt.Sprintf("%X", ssc))

	var keyMaterial sm.Keys
	copy(keyMaterial.KSenc[:], ksenc)
	copy(keyMaterial.KSmac[:], ksmac)
	keyMaterial.SSC = ssc
	return sm.New(keyMaterial), nil
}

func xor16(a, b []byte) []byte {
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}
