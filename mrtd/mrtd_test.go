package mrtd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vunguyen2808/go-emrtd/apdu"
	"github.com/vunguyen2808/go-emrtd/cryptoutil"
	"github.com/vunguyen2808/go-emrtd/sm"
)

type scriptedTransport struct {
	responses [][]byte
	sent      [][]byte
	connected bool
}

func (f *scriptedTransport) Connect(string) error            { f.connected = true; return nil }
func (f *scriptedTransport) Disconnect(string, string) error { f.connected = false; return nil }
func (f *scriptedTransport) IsConnected() bool                { return f.connected }
func (f *scriptedTransport) SetAlertMessage(string)            {}
func (f *scriptedTransport) Transceive(cmd []byte) ([]byte, error) {
	f.sent = append(f.sent, append([]byte(nil), cmd...))
	if len(f.responses) == 0 {
		return nil, errExhausted
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

type exhausted struct{}

func (*exhausted) Error() string { return "mrtd test: transport script exhausted" }

var errExhausted = &exhausted{}

// TestReadFileBySFIAssemblesFullEF exercises S3: the read-ahead decodes
// tag 0x60, length 0x16, a 2-byte header, leaving 16 bytes still to read.
func TestReadFileBySFIAssemblesFullEF(t *testing.T) {
	readAhead := []byte{0x60, 0x16, 0x5F, 0x01, 0x04, 0x30, 0x31, 0x30}
	rest := make([]byte, 16)
	for i := range rest {
		rest[i] = byte(0xA0 + i)
	}

	ft := &scriptedTransport{responses: [][]byte{
		append(append([]byte{}, readAhead...), 0x90, 0x00),
		append(append([]byte{}, rest...), 0x90, 0x00),
	}}
	s := New(ft)

	data, err := s.ReadFileBySFI(0x01)
	require.NoError(t, err)
	require.Len(t, data, 24) // 2-byte header + 22-byte value
	require.Equal(t, readAhead, data[:8])
	require.Equal(t, rest, data[8:])

	// Continuation read asked for all 16 remaining bytes in one shot
	// (maxRead defaults to 256).
	require.Equal(t, byte(0xB0), ft.sent[1][1])
	require.Equal(t, byte(16), ft.sent[1][4])
}

// TestMaxReadBackoffOnRepeated6282 exercises S4 and testable property #6:
// two consecutive 0x6282 responses step maxRead 256 -> 224 -> 160, exactly
// once per occurrence.
func TestMaxReadBackoffOnRepeated6282(t *testing.T) {
	// tag 0x60, one-byte length form 0x81 0xC8 (200), header is 3 bytes.
	readAhead := []byte{0x60, 0x81, 0xC8, 0x00, 0x00, 0x00, 0x00, 0x00}

	chunk160 := make([]byte, 160)
	chunk35 := make([]byte, 35)

	ft := &scriptedTransport{responses: [][]byte{
		append(append([]byte{}, readAhead...), 0x90, 0x00),
		{0x62, 0x82}, // first chunk attempt: unexpected EOF
		{0x62, 0x82}, // second attempt: unexpected EOF again
		append(append([]byte{}, chunk160...), 0x90, 0x00),
		append(append([]byte{}, chunk35...), 0x90, 0x00),
	}}
	s := New(ft)

	data, err := s.ReadFileBySFI(0x01)
	require.NoError(t, err)
	require.Len(t, data, 3+200)
	require.Equal(t, 160, s.maxRead)

	// Requests after the read-ahead: 195, 195, 160, 35 bytes of Le.
	require.Equal(t, byte(195), ft.sent[1][4])
	require.Equal(t, byte(195), ft.sent[2][4])
	require.Equal(t, byte(160), ft.sent[3][4])
	require.Equal(t, byte(35), ft.sent[4][4])
}

// TestWrongLengthWithExactSetsMaxReadDirectly exercises the 0x6Cxx branch:
// the exact Le the card wants replaces maxRead immediately (no back-off
// stepping), and the very next request carries that Le.
func TestWrongLengthWithExactSetsMaxReadDirectly(t *testing.T) {
	readAhead := []byte{0x60, 0x81, 0x28, 0x00, 0x00, 0x00, 0x00, 0x00} // length 0x28=40
	chunk32 := make([]byte, 32)
	chunk3 := make([]byte, 3)

	ft := &scriptedTransport{responses: [][]byte{
		append(append([]byte{}, readAhead...), 0x90, 0x00),
		{0x6C, 0x20}, // wrong length, card wants exactly 0x20=32
		append(append([]byte{}, chunk32...), 0x90, 0x00),
		append(append([]byte{}, chunk3...), 0x90, 0x00),
	}}
	s := New(ft)

	data, err := s.ReadFileBySFI(0x01)
	require.NoError(t, err)
	require.Len(t, data, 3+40)

	require.Equal(t, byte(32), ft.sent[2][4])
}

// TestReadChunkCrossesToExtendedOffsetForm exercises S6 directly against
// the chunk primitive: above offset 32767, the extended-offset form (INS
// 0xB1, DO'54') is used and the response is unwrapped from DO'53'.
func TestReadChunkCrossesToExtendedOffsetForm(t *testing.T) {
	do53 := append([]byte{0x53, 0x04}, 0xDE, 0xAD, 0xBE, 0xEF)
	ft := &scriptedTransport{responses: [][]byte{append(append([]byte{}, do53...), 0x90, 0x00)}}
	s := New(ft)

	data, sw, err := s.readChunk(32767+1, 4)
	require.NoError(t, err)
	require.Equal(t, apdu.SWSuccess, sw)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)
	require.Equal(t, byte(0xB1), ft.sent[0][1])
}

// TestReadChunkCrossesToExtendedOffsetFormAtExactBoundary exercises S6's own
// worked numbers literally: offset = 32767, nRead = 16 must already take
// the extended-offset path, not degenerate into a zero-length short read.
func TestReadChunkCrossesToExtendedOffsetFormAtExactBoundary(t *testing.T) {
	do53 := append([]byte{0x53, 0x10}, make([]byte, 16)...)
	ft := &scriptedTransport{responses: [][]byte{append(append([]byte{}, do53...), 0x90, 0x00)}}
	s := New(ft)

	data, sw, err := s.readChunk(32767, 16)
	require.NoError(t, err)
	require.Equal(t, apdu.SWSuccess, sw)
	require.Len(t, data, 16)
	require.Equal(t, byte(0xB1), ft.sent[0][1])
}

func TestBackoffMaxReadSchedule(t *testing.T) {
	require.Equal(t, 224, backoffMaxRead(256))
	require.Equal(t, 160, backoffMaxRead(224))
	require.Equal(t, 128, backoffMaxRead(160))
	require.Equal(t, 1, backoffMaxRead(1))
	// Off-schedule value left by a 0x6Cxx response steps to the next
	// smaller schedule entry.
	require.Equal(t, 16, backoffMaxRead(20))
}

func TestReadFailureWithNoDataResetsMaxReadAndFails(t *testing.T) {
	readAhead := []byte{0x60, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00} // length 0x20=32
	ft := &scriptedTransport{responses: [][]byte{
		append(append([]byte{}, readAhead...), 0x90, 0x00),
		{0x6A, 0x82}, // file/record not found, no data, not a recoverable SW
	}}
	s := New(ft)
	s.maxRead = 32 // simulate a prior back-off

	_, err := s.ReadFileBySFI(0x01)
	require.Error(t, err)
	require.Equal(t, defaultMaxRead, s.maxRead)
}

func TestReadErrorWithDataTriggersSMReinit(t *testing.T) {
	// length 0x10=16, header 2 bytes, total 18.
	readAhead := []byte{0x60, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	partial := []byte{0x01, 0x02, 0x03, 0x04}
	rest := make([]byte, 6)

	// After re-init the engine (all-zero keys, SSC 0) protects the next
	// command (SSC 1), so the card's reply must be SM-protected under SSC 2.
	zeroKey := make([]byte, 16)
	enc, err := cryptoutil.TDESCBCEncrypt(zeroKey, make([]byte, cryptoutil.BlockSize), rest, true)
	require.NoError(t, err)
	do87 := apdu.EncodeTLV(0x87, append([]byte{0x01}, enc...))
	do99 := apdu.EncodeTLV(0x99, []byte{0x90, 0x00})
	macInput := append(append([]byte{0, 0, 0, 0, 0, 0, 0, 2}, do87...), do99...)
	mac, err := cryptoutil.MAC3(zeroKey, macInput, true)
	require.NoError(t, err)
	protectedRest := append(append(append(append([]byte{}, do87...), do99...), apdu.EncodeTLV(0x8E, mac)...), 0x90, 0x00)

	ft := &scriptedTransport{responses: [][]byte{
		append(append([]byte{}, readAhead...), 0x90, 0x00),
		append(append([]byte{}, partial...), 0x6A, 0x88), // data + non-recoverable SW
		protectedRest,
	}}
	s := New(ft)

	reinitCalled := false
	s.reinit = func() (*sm.Engine, error) {
		reinitCalled = true
		return sm.New(sm.Keys{}), nil
	}

	data, err := s.ReadFileBySFI(0x01)
	require.NoError(t, err)
	require.True(t, reinitCalled)
	require.Len(t, data, 2+16)
	require.NotNil(t, s.icc.SM())
}
