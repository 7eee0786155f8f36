// Package wire frames text messages on the control and data connections.
//
// Two codecs are available. LengthPrefixed writes a 4-byte big-endian length
// followed by the body and is the default. Raw writes each message with a
// single Write and reads it back with a single Read of a fixed buffer, which
// relies on the peer never coalescing or splitting messages; it is kept for
// interoperating with clients that do not speak the length-prefixed form.
// Those clients also expect the begin-transfer signal without a port, see
// TransferSignalFor.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// OK acknowledges a greeting or a writable transfer target.
	OK = "OK"
	// NO rejects a transfer target the client could not open.
	NO = "NO"

	// TransferSignal tells the client to open the data connection.
	TransferSignal = "SETUP_FILETRANSFER"

	// DefaultDataPort is the data channel port announced by the bare
	// begin-transfer signal.
	DefaultDataPort = 37778

	// DefaultBufferSize is the shared message and chunk size.
	DefaultBufferSize = 1024

	// DefaultMaxSize bounds a single length-prefixed message.
	DefaultMaxSize = 64 << 10
)

const (
	FramingLength = "length"
	FramingRaw    = "raw"
)

// ErrMessageTooLarge is returned when a peer announces an oversized message.
var ErrMessageTooLarge = errors.New("wire: message too large")

// Codec reads and writes whole text messages on a stream.
type Codec interface {
	WriteMessage(w io.Writer, msg string) error
	ReadMessage(r io.Reader) (string, error)
}

// New returns the codec registered under name. An empty name selects the
// length-prefixed codec.
func New(name string) (Codec, error) {
	switch name {
	case "", FramingLength:
		return LengthPrefixed{}, nil
	case FramingRaw:
		return Raw{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (use %s or %s)", name, FramingLength, FramingRaw)
	}
}

// LengthPrefixed frames messages as a 4-byte big-endian length and body.
type LengthPrefixed struct {
	// MaxSize limits the body length accepted by ReadMessage.
	// Zero means DefaultMaxSize.
	MaxSize int
}

func (c LengthPrefixed) limit() int {
	if c.MaxSize > 0 {
		return c.MaxSize
	}
	return DefaultMaxSize
}

func (c LengthPrefixed) WriteMessage(w io.Writer, msg string) error {
	if len(msg) > c.limit() {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	_, err := w.Write(buf)
	return err
}

func (c LengthPrefixed) ReadMessage(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(c.limit()) {
		return "", fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(body), nil
}

// Raw sends each message with one Write and receives it with one Read.
type Raw struct {
	// BufferSize is the read buffer. Zero means DefaultBufferSize.
	BufferSize int
}

func (c Raw) size() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return DefaultBufferSize
}

func (c Raw) WriteMessage(w io.Writer, msg string) error {
	if len(msg) > c.size() {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	// An empty write would be invisible to the peer.
	if msg == "" {
		msg = "\n"
	}
	_, err := io.WriteString(w, msg)
	return err
}

func (c Raw) ReadMessage(r io.Reader) (string, error) {
	buf := make([]byte, c.size())
	n, err := r.Read(buf)
	if n > 0 {
		return string(buf[:n]), nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return "", err
}

// FormatTransferSignal builds the begin-transfer signal for a data port.
func FormatTransferSignal(port int) string {
	return TransferSignal + " " + strconv.Itoa(port)
}

// TransferSignalFor builds the begin-transfer signal for a channel framed by
// c. On a Raw channel the default data port is announced with the bare
// signal, the only form raw clients match; any other port, or any other
// codec, gets the port suffix.
func TransferSignalFor(c Codec, port int) string {
	if _, raw := c.(Raw); raw && port == DefaultDataPort {
		return TransferSignal
	}
	return FormatTransferSignal(port)
}

// ParseTransferSignal reports whether msg is a begin-transfer signal and
// returns the announced data port. A bare signal carries no port and yields 0,
// meaning the client's configured default.
func ParseTransferSignal(msg string) (port int, ok bool) {
	fields := strings.Fields(msg)
	if len(fields) == 0 || fields[0] != TransferSignal {
		return 0, false
	}
	if len(fields) == 1 {
		return 0, true
	}
	if len(fields) > 2 {
		return 0, false
	}
	p, err := strconv.Atoi(fields[1])
	if err != nil || p <= 0 || p > 65535 {
		return 0, false
	}
	return p, true
}
