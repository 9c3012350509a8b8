package cryptoutil

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestPadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 15, 16, 17} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i + 1)
		}
		padded := Pad(data)
		require.Zero(t, len(padded)%BlockSize)
		got, err := Unpad(padded)
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
}

func TestUnpadRejectsMissingMarker(t *testing.T) {
	_, err := Unpad([]byte{0x01, 0x02, 0x00, 0x00})
	require.ErrorIs(t, err, ErrBadPadding)
}

func TestTDESCBCRoundTrip(t *testing.T) {
	key := mustHex(t, "AB94FDECF2674FDFB9B391F85D7F76F2")
	iv := make([]byte, BlockSize)
	plain := mustHex(t, "781723860C06C2264608F919887022120B795240CB7049B01C19B33E32804F0B")

	ct, err := TDESCBCEncrypt(key, iv, plain, false)
	require.NoError(t, err)
	require.Len(t, ct, 32)

	pt, err := TDESCBCDecrypt(key, iv, ct, false)
	require.NoError(t, err)
	require.Equal(t, plain, pt)
}

// ICAO Doc 9303 part 11 worked example: S = RND.IFD || RND.IC || K.IFD
// encrypted under Kenc yields E.IFD, and MAC3(Kmac, E.IFD) yields M.IFD.
func TestBACWorkedExample(t *testing.T) {
	kenc := mustHex(t, "AB94FDECF2674FDFB9B391F85D7F76F2")
	kmac := mustHex(t, "7962D9ECE03D1ACD4C76089DCE131543")

	rndIFD := mustHex(t, "781723860C06C226")
	rndIC := mustHex(t, "4608F91988702212")
	kIFD := mustHex(t, "0B795240CB7049B01C19B33E32804F0B")

	s := append(append(append([]byte{}, rndIFD...), rndIC...), kIFD...)
	require.Len(t, s, 32)

	eIFD, err := TDESCBCEncrypt(kenc, make([]byte, BlockSize), s, false)
	require.NoError(t, err)
	require.Equal(t, "72c29c2371cc9bdb65b779b8e8d37b29ecc154aa56a8799fae2f498f76ed92f2", hex.EncodeToString(eIFD))

	mIFD, err := MAC3(kmac, eIFD, true)
	require.NoError(t, err)
	require.Equal(t, "5f1448eea8ad90a7", hex.EncodeToString(mIFD))
}

func TestKDFDerivesICAOSessionKeys(t *testing.T) {
	seed := mustHex(t, "239AB9CB282DAF66231DC5A4DF6BFBAE")

	kenc := KDF(seed, 1)
	kmac := KDF(seed, 2)

	require.Equal(t, "ab94fdecf2674fdfb9b391f85d7f76f2", hex.EncodeToString(kenc))
	require.Equal(t, "7962d9ece03d1acd4c76089dce131543", hex.EncodeToString(kmac))
}

func TestDBAKeySeedMatchesICAOWorkedExample(t *testing.T) {
	seed := DBAKeySeed("L898902C<", "690806", "940623")
	require.Equal(t, "239ab9cb282daf66231dc5a4df6bfbae", hex.EncodeToString(seed))
}

func TestCheckDigit(t *testing.T) {
	require.Equal(t, byte('1'), CheckDigit("690806"))
	require.Equal(t, byte('6'), CheckDigit("940623"))
}
