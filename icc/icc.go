// Package icc implements the ISO/IEC 7816-4 command primitives the higher
// layers need: SELECT FILE, GET CHALLENGE, EXTERNAL/INTERNAL AUTHENTICATE,
// and READ BINARY in its short-offset, by-SFI and extended-offset forms.
// Every primitive routes through the installed Secure Messaging engine, if
// any, on both the outbound command and the inbound response.
package icc

import (
	"fmt"

	"github.com/vunguyen2808/go-emrtd/apdu"
	"github.com/vunguyen2808/go-emrtd/sm"
	"github.com/vunguyen2808/go-emrtd/transport"
)

// Error is raised when a response carries a non-success status word. It
// carries the data received before the error was recognized, since the
// read loop (package mrtd) inspects it for partial progress.
type Error struct {
	Command byte
	SW      uint16
	Data    []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("icc: command 0x%02X failed, SW=0x%04X", e.Command, e.SW)
}

// ICC is a thin state carrier around a transport.Transport: it knows the
// command encodings, consults an optional Secure Messaging engine on every
// exchange, and decodes responses. It holds no file-system/DF state — that
// belongs to package mrtd, one layer up.
type ICC struct {
	t  transport.Transport
	sm *sm.Engine
}

// New wraps t with no SM engine installed.
func New(t transport.Transport) *ICC {
	return &ICC{t: t}
}

// InstallSM installs (or replaces) the Secure Messaging engine used for all
// subsequent exchanges. Passing nil reverts to plaintext APDUs.
func (i *ICC) InstallSM(eng *sm.Engine) {
	i.sm = eng
}

// SM returns the currently installed Secure Messaging engine, or nil.
func (i *ICC) SM() *sm.Engine {
	return i.sm
}

// Exchange sends cmd, routing it through the SM engine if installed, and
// returns the decoded response. A non-success status word is returned as
// *Error, still carrying any data received.
func (i *ICC) Exchange(cmd apdu.Command) (apdu.Response, error) {
	outgoing := cmd
	if i.sm != nil {
		protected, err := i.sm.Protect(cmd)
		if err != nil {
			return apdu.Response{}, fmt.Errorf("icc: secure messaging protect: %w", err)
		}
		outgoing = protected
	}

	wire, err := outgoing.Encode()
	if err != nil {
		return apdu.Response{}, fmt.Errorf("icc: encode command: %w", err)
	}

	rawResp, err := i.t.Transceive(wire)
	if err != nil {
		return apdu.Response{}, err
	}

	var rsp apdu.Response
	if i.sm != nil {
		rsp, err = i.sm.Unprotect(rawResp)
		if err != nil {
			return apdu.Response{}, fmt.Errorf("icc: secure messaging unprotect: %w", err)
		}
	} else {
		rsp, err = apdu.Decode(rawResp)
		if err != nil {
			return apdu.Response{}, fmt.Errorf("icc: decode response: %w", err)
		}
	}

	if !rsp.IsSuccess() {
		return rsp, &Error{Command: cmd.INS, SW: rsp.SW(), Data: rsp.Data}
	}
	return rsp, nil
}

// SELECT FILE P1 variants (ISO/IEC 7816-4 §7.1.1).
const (
	insSelectFile           byte = 0xA4
	p1SelectByFID           byte = 0x00
	p1SelectChildDF         byte = 0x01
	p1SelectEF              byte = 0x02
	p1SelectParentDF        byte = 0x03
	p1SelectByDFName        byte = 0x04
	p1SelectFromMF          byte = 0x08
	p1SelectFromCurrentDF   byte = 0x09
	p2FirstOrOnlyOccurrence byte = 0x0C
)

// SelectByFID selects a file by its 2-byte File Identifier relative to the
// current DF.
func (i *ICC) SelectByFID(fid uint16) (apdu.Response, error) {
	data := []byte{byte(fid >> 8), byte(fid)}
	return i.Exchange(apdu.NewCommand(0x00, insSelectFile, p1SelectByFID, p2FirstOrOnlyOccurrence, data))
}

// SelectChildDF selects a dedicated file by FID, one level below the
// current DF.
func (i *ICC) SelectChildDF(fid uint16) (apdu.Response, error) {
	data := []byte{byte(fid >> 8), byte(fid)}
	return i.Exchange(apdu.NewCommand(0x00, insSelectFile, p1SelectChildDF, p2FirstOrOnlyOccurrence, data))
}

// SelectEF selects an elementary file by FID under the current DF.
func (i *ICC) SelectEF(fid uint16) (apdu.Response, error) {
	data := []byte{byte(fid >> 8), byte(fid)}
	return i.Exchange(apdu.NewCommand(0x00, insSelectFile, p1SelectEF, p2FirstOrOnlyOccurrence, data))
}

// SelectParentDF selects the parent of the current DF.
func (i *ICC) SelectParentDF() (apdu.Response, error) {
	return i.Exchange(apdu.NewCommand(0x00, insSelectFile, p1SelectParentDF, p2FirstOrOnlyOccurrence, nil))
}

// SelectByDFName selects an application by its AID (DF name), as in S2.
func (i *ICC) SelectByDFName(aid []byte) (apdu.Response, error) {
	return i.Exchange(apdu.NewCommand(0x00, insSelectFile, p1SelectByDFName, p2FirstOrOnlyOccurrence, aid))
}

// SelectMasterFile selects the Master File (FID 0x3F00).
func (i *ICC) SelectMasterFile() (apdu.Response, error) {
	return i.SelectByFID(0x3F00)
}

// SelectFromMFByPath selects a file given its path of FIDs from the MF.
func (i *ICC) SelectFromMFByPath(path []byte) (apdu.Response, error) {
	return i.Exchange(apdu.NewCommand(0x00, insSelectFile, p1SelectFromMF, p2FirstOrOnlyOccurrence, path))
}

// SelectFromCurrentByPath selects a file given its path of FIDs from the
// current DF.
func (i *ICC) SelectFromCurrentByPath(path []byte) (apdu.Response, error) {
	return i.Exchange(apdu.NewCommand(0x00, insSelectFile, p1SelectFromCurrentDF, p2FirstOrOnlyOccurrence, path))
}

// GetChallenge requests an 8-byte random challenge (RND.IC) from the card.
func (i *ICC) GetChallenge() ([]byte, error) {
	rsp, err := i.Exchange(apdu.Command{CLA: 0x00, INS: 0x84, Ne: 8})
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

// ExternalAuthenticate sends the BAC EXTERNAL AUTHENTICATE command carrying
// E.IFD‖M.IFD and expects the card's E.ICC‖M.ICC (40 bytes) in response.
func (i *ICC) ExternalAuthenticate(data []byte, ne int) ([]byte, error) {
	rsp, err := i.Exchange(apdu.Command{CLA: 0x00, INS: 0x82, Data: data, Ne: ne})
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

// InternalAuthenticate sends the Active Authentication challenge and
// returns the card's signed response.
func (i *ICC) InternalAuthenticate(challenge []byte, ne int) ([]byte, error) {
	rsp, err := i.Exchange(apdu.Command{CLA: 0x00, INS: 0x88, Data: challenge, Ne: ne})
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

// ReadBinary reads le bytes at offset (0..32767) from the currently
// selected EF using the short-offset form of READ BINARY.
func (i *ICC) ReadBinary(offset uint16, le int) (apdu.Response, error) {
	if offset > 0x7FFF {
		return apdu.Response{}, fmt.Errorf("icc: offset %d exceeds short-offset READ BINARY range", offset)
	}
	p1 := byte(offset >> 8) // bit 8 of P1 stays clear: offset < 0x8000
	p2 := byte(offset)
	return i.Exchange(apdu.Command{CLA: 0x00, INS: 0xB0, P1: p1, P2: p2, Ne: le})
}

// ReadBinaryBySFI reads le bytes at offset (0..255) from the EF identified
// by sfi (a 5-bit short file identifier), without a prior SELECT FILE.
func (i *ICC) ReadBinaryBySFI(sfi byte, offset byte, le int) (apdu.Response, error) {
	if sfi > 0x1F {
		return apdu.Response{}, fmt.Errorf("icc: SFI %d out of 5-bit range", sfi)
	}
	p1 := byte(0x80) | sfi
	return i.Exchange(apdu.Command{CLA: 0x00, INS: 0xB0, P1: p1, P2: offset, Ne: le})
}

// ReadBinaryExtended reads le bytes at an offset that exceeds the
// short-offset form's range, using INS 0xB1 with the offset wrapped in
// DO'54' and the data returned unwrapped from DO'53' (S6).
func (i *ICC) ReadBinaryExtended(offset uint32, le int) ([]byte, error) {
	do54 := apdu.EncodeTLV(0x54, encodeOffset(offset))
	rsp, err := i.Exchange(apdu.Command{CLA: 0x00, INS: 0xB1, P1: 0x00, P2: 0x00, Data: do54, Ne: le})
	if err != nil {
		return nil, err
	}
	hdr, err := apdu.DecodeTLV(rsp.Data)
	if err != nil {
		return nil, fmt.Errorf("icc: decode DO'53': %w", err)
	}
	if hdr.Tag != 0x53 {
		return nil, fmt.Errorf("icc: expected DO'53', got tag 0x%02X", hdr.Tag)
	}
	end := hdr.HeaderLen + hdr.Length
	if end > len(rsp.Data) {
		return nil, fmt.Errorf("icc: DO'53' length exceeds response")
	}
	return rsp.Data[hdr.HeaderLen:end], nil
}

func encodeOffset(offset uint32) []byte {
	switch {
	case offset <= 0xFF:
		return []byte{byte(offset)}
	case offset <= 0xFFFF:
		return []byte{byte(offset >> 8), byte(offset)}
	case offset <= 0xFFFFFF:
		return []byte{byte(offset >> 16), byte(offset >> 8), byte(offset)}
	default:
		return []byte{byte(offset >> 24), byte(offset >> 16), byte(offset >> 8), byte(offset)}
	}
}
