package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/marmos91/imgpull/pkg/digest"
	"github.com/marmos91/imgpull/pkg/wire"
)

// Opener opens a transfer target for writing.
type Opener func(target string) (io.WriteCloser, error)

// OpenFile creates or truncates target, the way a device or image file is
// overwritten in place.
func OpenFile(target string) (io.WriteCloser, error) {
	return os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// Receiver is the client half of the handshake.
//
// The receiver walks the same states as the sender, seen from the other end
// of the data connection:
//
//	AwaitingClientConnect -> TargetSent   target string read
//	TargetSent            -> Rejected     target cannot be opened, NO sent
//	TargetSent            -> Streaming    target opened, OK sent
//	Streaming             -> Complete     sender closed the connection
//	any                   -> Aborted      I/O error or cancellation
type Receiver struct {
	// Codec frames the target string and the OK/NO answer. Nil means
	// wire.LengthPrefixed.
	Codec wire.Codec

	// Open opens the target for writing. Nil means OpenFile.
	Open Opener

	// Digest selects the checksum computed over the received bytes.
	// Empty means digest.Default.
	Digest digest.Algorithm
}

// Outcome describes what the receiver did.
type Outcome struct {
	Target string
	State  State
	Bytes  int64

	// Digest is the hex checksum of exactly the Bytes written to the
	// target. It is only set for Complete outcomes; the target itself is
	// never re-read, since a device keeps whatever followed the image.
	Digest string

	// OpenErr is set when the target could not be opened and the transfer
	// was rejected.
	OpenErr error
}

// Receive runs the handshake on an established data connection and closes
// it.
//
// Returns the outcome in every case, so callers can report the target and the
// byte count of a failed transfer. The error is nil for Complete and Rejected
// outcomes.
func (r *Receiver) Receive(ctx context.Context, conn net.Conn) (*Outcome, error) {
	defer func() { _ = conn.Close() }()

	h, err := digest.New(r.Digest)
	if err != nil {
		return &Outcome{State: Aborted}, err
	}

	codec := r.Codec
	if codec == nil {
		codec = wire.LengthPrefixed{}
	}
	open := r.Open
	if open == nil {
		open = OpenFile
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	out := &Outcome{State: AwaitingClientConnect}
	fail := func(op string, err error) (*Outcome, error) {
		out.State = Aborted
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("%s: %w", op, err)
	}

	target, err := codec.ReadMessage(conn)
	if err != nil {
		return fail("read target", err)
	}
	out.Target = strings.TrimSpace(target)
	out.State = TargetSent

	w, openErr := open(out.Target)
	if openErr != nil {
		out.OpenErr = openErr
		out.State = Rejected
		if err := codec.WriteMessage(conn, wire.NO); err != nil {
			return fail("reject target", err)
		}
		return out, nil
	}

	if err := codec.WriteMessage(conn, wire.OK); err != nil {
		_ = w.Close()
		return fail("accept target", err)
	}
	out.State = Streaming

	n, err := io.Copy(io.MultiWriter(w, h), conn)
	out.Bytes = n
	closeErr := w.Close()
	if err != nil {
		return fail("receive data", err)
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return fail("close target", closeErr)
	}
	out.Digest = hex.EncodeToString(h.Sum(nil))
	out.State = Complete
	return out, nil
}
