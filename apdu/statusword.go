package apdu

// Closed set of status words the higher layers of the stack branch on.
// Thousands of other values exist on real cards; anything not named here
// is handled through the raw uint16 status word carried by icc.Error.
const (
	SWSuccess                    uint16 = 0x9000
	SWWrongLength                uint16 = 0x6700
	SWSecurityStatusNotSatisfied uint16 = 0x6982
	// SWSecurityRemapSource is a card-specific status word some chips
	// return where the standard specifies SWSecurityStatusNotSatisfied;
	// the passport façade remaps it (§4.7, §7).
	SWSecurityRemapSource uint16 = 0x63CF
	SWPossiblyCorrupted   uint16 = 0x6281
	SWUnexpectedEOF       uint16 = 0x6282
)

// IsSuccessWithRemainingBytes reports whether sw is in the 0x61xx class
// ("normal processing, SW2 bytes still available via GET RESPONSE").
func IsSuccessWithRemainingBytes(sw uint16) bool {
	return sw&0xFF00 == 0x6100
}

// IsWrongLengthWithExact reports whether sw is in the 0x6Cxx class ("wrong
// length; SW2 encodes the exact Le the card expected").
func IsWrongLengthWithExact(sw uint16) bool {
	return sw&0xFF00 == 0x6C00
}

// ExactLength extracts SW2 from a 0x6Cxx status word (the Le the card
// wanted). Only meaningful when IsWrongLengthWithExact(sw) is true.
func ExactLength(sw uint16) int {
	return int(sw & 0x00FF)
}

// RemainingBytes extracts SW2 from a 0x61xx status word (the number of
// bytes still available via GET RESPONSE). Only meaningful when
// IsSuccessWithRemainingBytes(sw) is true.
func RemainingBytes(sw uint16) int {
	return int(sw & 0x00FF)
}
