// Package mrtd sequences the operations a reader needs over a single card
// session: starting Secure Messaging via BAC, selecting the eMRTD
// application or Master File, and reading a file by FID or SFI with the
// chunking / back-off / SM-resync loop real cards need.
package mrtd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/vunguyen2808/go-emrtd/apdu"
	"github.com/vunguyen2808/go-emrtd/bac"
	"github.com/vunguyen2808/go-emrtd/icc"
	"github.com/vunguyen2808/go-emrtd/transport"
)

// State is the connection half of the protocol state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

// AppSelection tracks which DF, if any, is currently selected.
type AppSelection int

const (
	AppNone AppSelection = iota
	AppDF1
	AppMF
)

// eMRTDAID is the AID of the eMRTD LDS1 application (ICAO Doc 9303 part
// 10), selected by DF name to enter DF1.
var eMRTDAID = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

const defaultMaxRead = 256

// maxReadBackoff is the back-off schedule stepped through on a recoverable
// short-read status word, starting from defaultMaxRead.
var maxReadBackoff = []int{256, 224, 160, 128, 96, 64, 32, 16, 8, 1}

// Session sequences connect / BAC / select / read over one transport. It is
// not safe for concurrent use (§5): a single Session owns a single ICC,
// which owns a single transport handle and, after StartSession, a single
// SM engine with a mutable SSC.
type Session struct {
	conn transport.Transport
	icc  *icc.ICC

	state State
	app   AppSelection

	reinit bac.Reinitializer
	// maxRead is instance-local and monotone non-increasing within a
	// single read call; it is reset to defaultMaxRead only when a read
	// fails fatally (§4.6, §5).
	maxRead int
}

// New creates a Session over t, unconnected.
func New(t transport.Transport) *Session {
	return &Session{conn: t, icc: icc.New(t), state: StateDisconnected, maxRead: defaultMaxRead}
}

// ICC exposes the underlying command layer, for callers (e.g. the passport
// façade) that need primitives this Session does not wrap directly.
func (s *Session) ICC() *icc.ICC { return s.icc }

// App reports which DF, if any, is currently selected.
func (s *Session) App() AppSelection { return s.app }

// Connect establishes the transport link. DISCONNECTED -> CONNECTED; SM
// off, DF none.
func (s *Session) Connect(alertMessage string) error {
	if err := s.conn.Connect(alertMessage); err != nil {
		return fmt.Errorf("mrtd: connect: %w", err)
	}
	s.state = StateConnected
	s.app = AppNone
	s.icc.InstallSM(nil)
	s.reinit = nil
	return nil
}

// Disconnect tears the link down. Any state -> DISCONNECTED; SM and DF
// reset.
func (s *Session) Disconnect(alertMessage, errorMessage string) error {
	err := s.conn.Disconnect(alertMessage, errorMessage)
	s.state = StateDisconnected
	s.app = AppNone
	s.icc.InstallSM(nil)
	s.reinit = nil
	if err != nil {
		return fmt.Errorf("mrtd: disconnect: %w", err)
	}
	return nil
}

// StartSession runs the BAC handshake and installs the resulting Secure
// Messaging engine, leaving DF selection unchanged.
func (s *Session) StartSession(keys bac.Keys) error {
	reinit, err := bac.EstablishSession(s.icc, keys)
	if err != nil {
		return err
	}
	s.reinit = reinit
	return nil
}

// SelectEMrtdApplication selects the eMRTD LDS1 application by AID. DF :=
// DF1.
func (s *Session) SelectEMrtdApplication() error {
	if _, err := s.icc.SelectByDFName(eMRTDAID); err != nil {
		return fmt.Errorf("mrtd: select eMRTD application: %w", err)
	}
	s.app = AppDF1
	return nil
}

// SelectMasterFile selects the Master File. DF := MF.
func (s *Session) SelectMasterFile() error {
	if _, err := s.icc.SelectMasterFile(); err != nil {
		return fmt.Errorf("mrtd: select master file: %w", err)
	}
	s.app = AppMF
	return nil
}

// ReadFileBySFI reads a complete EF addressed by its 5-bit short file
// identifier, starting with a read-ahead to learn the BER-TLV length (§4.6
// step 1) and continuing with offset-based reads (step 2-5).
func (s *Session) ReadFileBySFI(sfi byte) ([]byte, error) {
	rsp, err := s.icc.ReadBinaryBySFI(sfi, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("mrtd: read-ahead SFI 0x%02X: %w", sfi, err)
	}
	return s.readRemaining(rsp.Data)
}

// ReadFile selects fid and reads the complete EF using the same
// chunking/back-off loop as ReadFileBySFI, with a plain offset-based
// read-ahead in place of the by-SFI form.
func (s *Session) ReadFile(fid uint16) ([]byte, error) {
	if _, err := s.icc.SelectEF(fid); err != nil {
		return nil, fmt.Errorf("mrtd: select EF 0x%04X: %w", fid, err)
	}
	rsp, err := s.icc.ReadBinary(0, 8)
	if err != nil {
		return nil, fmt.Errorf("mrtd: read-ahead FID 0x%04X: %w", fid, err)
	}
	return s.readRemaining(rsp.Data)
}

// readRemaining decodes the BER-TLV header out of the read-ahead response
// and drives the chunked continuation loop until the declared value length
// has been read, or a fatal error is raised.
func (s *Session) readRemaining(first []byte) ([]byte, error) {
	hdr, err := apdu.DecodeTLV(first)
	if err != nil {
		s.maxRead = defaultMaxRead
		return nil, fmt.Errorf("mrtd: decode EF header: %w", err)
	}

	total := hdr.HeaderLen + hdr.Length
	data := make([]byte, 0, total)
	data = append(data, first...)
	offset := len(first)
	remaining := total - len(first)

	for remaining > 0 {
		respData, sw, stepErr := s.readChunk(offset, remaining)
		if stepErr != nil {
			s.maxRead = defaultMaxRead
			return nil, stepErr
		}

		// The source appends any data received before evaluating the
		// status word, even on an error response; preserved as-is (see
		// DESIGN.md).
		if len(respData) > 0 {
			data = append(data, respData...)
			offset += len(respData)
			remaining -= len(respData)
		}

		switch {
		case sw == apdu.SWSuccess || apdu.IsSuccessWithRemainingBytes(sw):
			// already accounted for above.
		case sw == apdu.SWUnexpectedEOF:
			slog.Warn("mrtd: unexpected EOF reading file", "offset", offset, "remaining", remaining)
			s.maxRead = backoffMaxRead(s.maxRead)
		case sw == apdu.SWPossiblyCorrupted:
			slog.Warn("mrtd: possibly corrupted response", "offset", offset)
		case sw == apdu.SWWrongLength:
			s.maxRead = backoffMaxRead(s.maxRead)
		case apdu.IsWrongLengthWithExact(sw):
			s.maxRead = apdu.ExactLength(sw)
		default:
			if len(respData) == 0 {
				s.maxRead = defaultMaxRead
				return nil, fmt.Errorf("mrtd: read failed, SW=0x%04X", sw)
			}
			if err := s.reinitSM(); err != nil {
				s.maxRead = defaultMaxRead
				return nil, err
			}
		}
	}

	if len(data) > total {
		data = data[:total]
	}
	return data, nil
}

// readChunk issues one READ BINARY (by offset, crossing to extended-offset
// form at or above 32767 — the short form's offset field tops out there,
// and S6 starts the extended read exactly at that boundary) and classifies
// the result into (data, statusWord, fatalError). A non-nil fatalError
// means a failure below the status-word level (transport, secure
// messaging, encoding), not a status-word condition the loop can react to.
func (s *Session) readChunk(offset, remaining int) ([]byte, uint16, error) {
	nRead := remaining
	if nRead > s.maxRead {
		nRead = s.maxRead
	}

	if offset >= 32767 {
		data, err := s.icc.ReadBinaryExtended(uint32(offset), nRead)
		return classifyReadResult(data, err)
	}

	if offset+nRead > 32767 {
		nRead = 32767 - offset
	}
	rsp, err := s.icc.ReadBinary(uint16(offset), nRead)
	if err != nil {
		return classifyReadResult(nil, err)
	}
	return rsp.Data, apdu.SWSuccess, nil
}

func classifyReadResult(data []byte, err error) ([]byte, uint16, error) {
	if err == nil {
		return data, apdu.SWSuccess, nil
	}
	var iccErr *icc.Error
	if errors.As(err, &iccErr) {
		return iccErr.Data, iccErr.SW, nil
	}
	return nil, 0, err
}

// reinitSM re-establishes the SM session via the registered BAC
// reinitializer and installs the resulting engine (§4.6 "SM re-init seam").
func (s *Session) reinitSM() error {
	if s.reinit == nil {
		return fmt.Errorf("mrtd: read error requires SM re-init but none is registered")
	}
	eng, err := s.reinit()
	if err != nil {
		return fmt.Errorf("mrtd: SM re-init: %w", err)
	}
	s.icc.InstallSM(eng)
	return nil
}

// backoffMaxRead steps current down one position in the back-off schedule,
// or to the largest schedule entry smaller than current if current was set
// to an arbitrary value by a prior 0x6Cxx response.
func backoffMaxRead(current int) int {
	for i, v := range maxReadBackoff {
		if v == current {
			if i+1 < len(maxReadBackoff) {
				return maxReadBackoff[i+1]
			}
			return v
		}
	}
	for _, v := range maxReadBackoff {
		if v < current {
			return v
		}
	}
	return maxReadBackoff[len(maxReadBackoff)-1]
}
