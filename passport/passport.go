// Package passport is the typed façade over package mrtd: one read
// operation per elementary file, enforcing the "DF1 selected before a Data
// Group read" invariant and remapping the non-standard 0x63CF status word
// some cards return in place of 0x6982.
package passport

import (
	"errors"
	"fmt"

	"github.com/vunguyen2808/go-emrtd/apdu"
	"github.com/vunguyen2808/go-emrtd/icc"
	"github.com/vunguyen2808/go-emrtd/mrtd"
)

// File identifiers and short file identifiers, per ICAO Doc 9303 part 10/11
// (§3 "File addressing"). EF.CardAccess and EF.CardSecurity live under the
// Master File; EF.COM, EF.SOD and the Data Groups live under the eMRTD
// application (DF1) — the SFI namespaces do not collide across DFs even
// where the numeric values happen to coincide.
const (
	fidCardAccess   uint16 = 0x011C
	fidCardSecurity uint16 = 0x011D
	fidCOM          uint16 = 0x011E
	fidSOD          uint16 = 0x011D

	sfiCardAccess   byte = 0x1C
	sfiCardSecurity byte = 0x1D
	sfiCOM          byte = 0x1E
	sfiSOD          byte = 0x1D
)

// dgFID returns the File Identifier of EF.DGn.
func dgFID(n int) uint16 { return 0x0101 + uint16(n) }

// dgSFI returns the Short File Identifier of EF.DGn.
func dgSFI(n int) byte { return byte(dgFID(n) & 0xFF) }

// Error is the single error type every Passport operation raises. SW is
// the (possibly remapped) status word when the failure came from a
// non-success response; it is zero for failures below the status-word
// level (transport errors, malformed TLV, etc).
type Error struct {
	Op  string
	SW  uint16
	Err error
}

func (e *Error) Error() string {
	if e.SW != 0 {
		return fmt.Sprintf("passport: %s: SW=0x%04X: %v", e.Op, e.SW, e.Err)
	}
	return fmt.Sprintf("passport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Passport wraps an mrtd.Session with typed per-EF read operations.
type Passport struct {
	session *mrtd.Session
}

// New wraps sess. The session must already be connected; BAC may be
// established before or after wrapping, since every read re-checks DF
// selection lazily.
func New(sess *mrtd.Session) *Passport {
	return &Passport{session: sess}
}

// Session exposes the underlying mrtd.Session for operations this façade
// does not wrap directly (e.g. StartSession, SelectMasterFile).
func (p *Passport) Session() *mrtd.Session { return p.session }

// ensureDF1 selects the eMRTD application if it is not already selected.
// Selection is idempotent: repeated calls while DF1 is already current are
// no-ops (§3 invariant: "readFile* over a Data Group requires DF=DF1").
func (p *Passport) ensureDF1() error {
	if p.session.App() == mrtd.AppDF1 {
		return nil
	}
	return p.session.SelectEMrtdApplication()
}

// ReadCOM reads EF.COM (the directory of present Data Groups).
func (p *Passport) ReadCOM() ([]byte, error) {
	if err := p.ensureDF1(); err != nil {
		return nil, wrap("read EF.COM", err)
	}
	data, err := p.session.ReadFileBySFI(sfiCOM)
	if err != nil {
		return nil, wrap("read EF.COM", err)
	}
	return data, nil
}

// ReadSOD reads EF.SOD (the Document Security Object).
func (p *Passport) ReadSOD() ([]byte, error) {
	if err := p.ensureDF1(); err != nil {
		return nil, wrap("read EF.SOD", err)
	}
	data, err := p.session.ReadFileBySFI(sfiSOD)
	if err != nil {
		return nil, wrap("read EF.SOD", err)
	}
	return data, nil
}

// ReadDG reads EF.DGn, n in 1..16. The caller is responsible for knowing
// which Data Groups EF.COM declares present.
func (p *Passport) ReadDG(n int) ([]byte, error) {
	op := fmt.Sprintf("read EF.DG%d", n)
	if n < 1 || n > 16 {
		return nil, wrap(op, fmt.Errorf("data group number %d out of range 1..16", n))
	}
	if err := p.ensureDF1(); err != nil {
		return nil, wrap(op, err)
	}
	data, err := p.session.ReadFileBySFI(dgSFI(n))
	if err != nil {
		return nil, wrap(op, err)
	}
	return data, nil
}

// ReadCardAccess reads EF.CardAccess under the Master File. No DF
// selection is enforced here: a by-SFI read addresses the EF under
// whatever DF is current, and EF.CardAccess lives at the MF level the
// session defaults to on connect (§4.7).
func (p *Passport) ReadCardAccess() ([]byte, error) {
	data, err := p.session.ReadFileBySFI(sfiCardAccess)
	if err != nil {
		return nil, wrap("read EF.CardAccess", err)
	}
	return data, nil
}

// ReadCardSecurity reads EF.CardSecurity under the Master File, under the
// same no-selection-enforced semantics as ReadCardAccess.
func (p *Passport) ReadCardSecurity() ([]byte, error) {
	data, err := p.session.ReadFileBySFI(sfiCardSecurity)
	if err != nil {
		return nil, wrap("read EF.CardSecurity", err)
	}
	return data, nil
}

// wrap converts a lower-layer error into a *Error, remapping the
// non-standard 0x63CF status word to 0x6982 (§4.7, §7).
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var iccErr *icc.Error
	if errors.As(err, &iccErr) {
		return &Error{Op: op, SW: remapStatusWord(iccErr.SW), Err: err}
	}
	return &Error{Op: op, Err: err}
}

func remapStatusWord(sw uint16) uint16 {
	if sw == apdu.SWSecurityRemapSource {
		return apdu.SWSecurityStatusNotSatisfied
	}
	return sw
}
