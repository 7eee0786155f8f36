package bus

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Socket wire format
// ==================
//
// Every frame is a 4-byte big-endian record mark followed by an XDR encoded
// envelope. The high bit of the record mark is always set (single fragment
// records), the low 31 bits carry the envelope length.
//
//	Op        uint32   one of the op* constants
//	Tag       uint32   destination tag (requests only)
//	Body      string   message body, error code or limit
//
// The conversation is strictly request/response per connection.

const (
	opHello   uint32 = 1
	opSend    uint32 = 2
	opReceive uint32 = 3
	opOK      uint32 = 4
	opMessage uint32 = 5
	opError   uint32 = 6
)

const (
	lastFragment = uint32(1) << 31

	// maxFrameSize bounds a single envelope, well above any legal body.
	maxFrameSize = 64 << 10
)

// Error codes carried in the Body of an opError frame.
const (
	codeClosed     = "closed"
	codeTooLarge   = "too_large"
	codeInvalidTag = "invalid_tag"
)

type envelope struct {
	Op   uint32
	Tag  uint32
	Body string
}

func writeFrame(w io.Writer, env *envelope) error {
	var payload bytes.Buffer
	if _, err := xdr.Marshal(&payload, env); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	frame := make([]byte, 4, 4+payload.Len())
	binary.BigEndian.PutUint32(frame, uint32(payload.Len())|lastFragment)
	frame = append(frame, payload.Bytes()...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (*envelope, error) {
	var mark [4]byte
	if _, err := io.ReadFull(r, mark[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(mark[:]) &^ lastFragment
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var env envelope
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &env, nil
}

func errorFrame(err error) *envelope {
	code := err.Error()
	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		code = codeClosed
	case errors.Is(err, ErrMessageTooLarge):
		code = codeTooLarge
	case errors.Is(err, ErrInvalidTag):
		code = codeInvalidTag
	}
	return &envelope{Op: opError, Body: code}
}

func frameError(env *envelope) error {
	switch env.Body {
	case codeClosed:
		return ErrClosed
	case codeTooLarge:
		return ErrMessageTooLarge
	case codeInvalidTag:
		return ErrInvalidTag
	}
	return fmt.Errorf("bus: remote error: %s", strings.TrimSpace(env.Body))
}
