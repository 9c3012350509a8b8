// Package transport defines the byte-level transport seam the rest of the
// stack is built on: connect/disconnect plus a single blocking transceive.
// The platform NFC stack, a PC/SC reader (see package pcsc), or a test
// double can all implement it; nothing above this package cares which.
package transport

// Transport is the abstract contactless channel to the card. Connect,
// Disconnect and Transceive are the only suspending operations anywhere in
// this module (§5): Transceive waits for the card, everything else is
// synchronous bookkeeping.
type Transport interface {
	// Connect establishes the link. alertMessage is a cosmetic hint some
	// platforms surface to the user while waiting for a tag; it is ignored
	// where there is no such UI.
	Connect(alertMessage string) error
	// Disconnect tears the link down. Both messages are cosmetic hints,
	// analogous to alertMessage on Connect.
	Disconnect(alertMessage, errorMessage string) error
	// IsConnected reports whether Connect has succeeded and Disconnect has
	// not yet been called.
	IsConnected() bool
	// Transceive sends one APDU and returns the card's raw response bytes.
	// Implementations surface timeouts as errors whose message contains
	// "timeout", and a card leaving the field as an error whose message
	// contains "tag was lost" (§5), so higher layers can classify them
	// without a transport-specific error type.
	Transceive(cmd []byte) ([]byte, error)
	// SetAlertMessage sets the message used by a subsequent Connect/
	// Disconnect call on platforms that render one.
	SetAlertMessage(text string)
}
