// Package pcsc implements the transport seam (package transport) against a
// real PC/SC reader via github.com/ebfe/scard. It is the concrete
// collaborator the demo CLI plugs in; the rest of the module never imports
// ebfe/scard directly, so any other transport.Transport implementation
// (platform NFC stack, PACE-aware transport, test double) drops in
// unmodified.
package pcsc

import (
	"fmt"
	"strings"

	"github.com/ebfe/scard"
)

// Connection is a transport.Transport backed by a PC/SC card connection.
type Connection struct {
	ctx          *scard.Context
	card         *scard.Card
	reader       string
	alertMessage string
	connected    bool
}

// ListReaders enumerates the PC/SC readers visible to the system, without
// connecting to any of them.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}
	defer ctx.Release()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("pcsc: list readers: %w", err)
	}
	return readers, nil
}

// New returns an unconnected Connection bound to the reader at readerIndex
// (the index into ListReaders' result at Connect time).
func New(readerIndex int) *Connection {
	return &Connection{reader: fmt.Sprintf("#%d", readerIndex)}
}

// NewNamed returns an unconnected Connection bound to a reader by its PC/SC
// name, as reported by ListReaders.
func NewNamed(readerName string) *Connection {
	return &Connection{reader: readerName}
}

// Connect implements transport.Transport.
func (c *Connection) Connect(alertMessage string) error {
	if alertMessage != "" {
		c.alertMessage = alertMessage
	}
	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("pcsc: establish context: %w", err)
	}

	readerName := c.reader
	if strings.HasPrefix(readerName, "#") {
		readers, err := ctx.ListReaders()
		if err != nil {
			ctx.Release()
			return fmt.Errorf("pcsc: list readers: %w", err)
		}
		idx, err := parseReaderIndex(readerName)
		if err != nil || idx < 0 || idx >= len(readers) {
			ctx.Release()
			return fmt.Errorf("pcsc: reader index %q out of range (0..%d)", readerName, len(readers)-1)
		}
		readerName = readers[idx]
	}

	card, err := ctx.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return fmt.Errorf("pcsc: connect %q: %w", readerName, err)
	}

	c.ctx = ctx
	c.card = card
	c.reader = readerName
	c.connected = true
	return nil
}

// Disconnect implements transport.Transport.
func (c *Connection) Disconnect(alertMessage, errorMessage string) error {
	if errorMessage != "" {
		return c.disconnect(scard.ResetCard)
	}
	return c.disconnect(scard.LeaveCard)
}

func (c *Connection) disconnect(disposition scard.Disposition) error {
	var firstErr error
	if c.card != nil {
		if err := c.card.Disconnect(disposition); err != nil {
			firstErr = fmt.Errorf("pcsc: disconnect card: %w", err)
		}
		c.card = nil
	}
	if c.ctx != nil {
		if err := c.ctx.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pcsc: release context: %w", err)
		}
		c.ctx = nil
	}
	c.connected = false
	return firstErr
}

// IsConnected implements transport.Transport.
func (c *Connection) IsConnected() bool {
	return c.connected
}

// Transceive implements transport.Transport.
func (c *Connection) Transceive(cmd []byte) ([]byte, error) {
	if !c.connected || c.card == nil {
		return nil, fmt.Errorf("pcsc: transceive: not connected")
	}
	rsp, err := c.card.Transmit(cmd)
	if err != nil {
		return nil, classifyTransmitError(err)
	}
	return rsp, nil
}

// SetAlertMessage implements transport.Transport.
func (c *Connection) SetAlertMessage(text string) {
	c.alertMessage = text
}

// classifyTransmitError normalizes scard errors into the "timeout"/"tag was
// lost" substrings §5 of the design asks the core to react to, regardless
// of exactly which scard sentinel produced them.
func classifyTransmitError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return fmt.Errorf("pcsc: transceive timeout: %w", err)
	case strings.Contains(lower, "removed") || strings.Contains(lower, "no smartcard"):
		return fmt.Errorf("pcsc: tag was lost: %w", err)
	default:
		return fmt.Errorf("pcsc: transceive: %w", err)
	}
}

func parseReaderIndex(s string) (int, error) {
	s = strings.TrimPrefix(s, "#")
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty reader index")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid reader index %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
