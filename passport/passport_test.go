package passport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vunguyen2808/go-emrtd/apdu"
	"github.com/vunguyen2808/go-emrtd/mrtd"
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

func (*exhausted) Error() string { return "passport test: transport script exhausted" }

var errExhausted = &exhausted{}

func TestReadDGSelectsDF1OnceThenReadsBySFI(t *testing.T) {
	tinyEF := []byte{0x61, 0x02, 0xAA, 0xBB, 0, 0, 0, 0} // tag 0x61, length 2, header 2

	ft := &scriptedTransport{responses: [][]byte{
		append([]byte{}, 0x90, 0x00),                        // SELECT FILE by DF name
		append(append([]byte{}, tinyEF...), 0x90, 0x00),      // DG1 read-ahead
		append(append([]byte{}, tinyEF...), 0x90, 0x00),      // DG2 read-ahead
	}}
	sess := mrtd.New(ft)
	p := New(sess)

	data1, err := p.ReadDG(1)
	require.NoError(t, err)
	require.Len(t, data1, 4) // 2-byte header + 2-byte value

	data2, err := p.ReadDG(2)
	require.NoError(t, err)
	require.Len(t, data2, 4)

	require.Len(t, ft.sent, 3)
	require.Equal(t, byte(0xA4), ft.sent[0][1]) // SELECT FILE
	require.Equal(t, byte(0xB0), ft.sent[1][1]) // READ BINARY by SFI
	require.Equal(t, byte(0xB0), ft.sent[2][1])
}

func TestReadCardAccessSkipsDFSelection(t *testing.T) {
	tinyEF := []byte{0x61, 0x00, 0, 0, 0, 0, 0, 0} // length 0: whole value already present

	ft := &scriptedTransport{responses: [][]byte{
		append(append([]byte{}, tinyEF...), 0x90, 0x00),
	}}
	sess := mrtd.New(ft)
	p := New(sess)

	data, err := p.ReadCardAccess()
	require.NoError(t, err)
	require.Len(t, data, 2)

	require.Len(t, ft.sent, 1)
	require.Equal(t, byte(0xB0), ft.sent[0][1])
	require.Equal(t, byte(0x80|0x1C), ft.sent[0][2]) // P1 = 0x80 | SFI
}

func TestRemapsNonStandardStatusWord(t *testing.T) {
	ft := &scriptedTransport{responses: [][]byte{{0x63, 0xCF}}}
	sess := mrtd.New(ft)
	p := New(sess)

	_, err := p.ReadCardAccess()
	require.Error(t, err)

	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, apdu.SWSecurityStatusNotSatisfied, pErr.SW)
}

func TestReadDGRejectsOutOfRangeNumber(t *testing.T) {
	ft := &scriptedTransport{}
	sess := mrtd.New(ft)
	p := New(sess)

	_, err := p.ReadDG(0)
	require.Error(t, err)
	_, err = p.ReadDG(17)
	require.Error(t, err)
	require.Empty(t, ft.sent)
}
