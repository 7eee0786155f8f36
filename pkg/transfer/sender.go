package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/wire"
)

// SenderConfig configures the server half of the handshake.
type SenderConfig struct {
	// Host is the interface the data listener binds to. Empty means all.
	Host string

	// Port is the data port. 0 picks an ephemeral port, which is then
	// announced in the signal.
	Port int

	// ChunkSize is the size of each write on the data channel.
	ChunkSize int

	// AcceptTimeout bounds the wait for the client to connect. 0 waits
	// until the context ends.
	AcceptTimeout time.Duration

	// WriteTimeout bounds each chunk write. 0 disables it.
	WriteTimeout time.Duration

	// Codec frames the target path and the client's reply.
	Codec wire.Codec
}

// Signal tells the client to connect to the data port. It is called once the
// listener is open.
type Signal func(ctx context.Context, port int) error

// Sender is the file service half of the handshake.
//
// A Sender runs at most one handshake at a time. The begin-transfer signal
// carries no correlation id, so a second concurrent handshake could not be
// told apart by the client; Send fails fast with ErrBusy instead of queueing.
//
// Thread safety: Send may be called from several goroutines. All but one
// concurrent call return ErrBusy.
type Sender struct {
	config SenderConfig
	mu     sync.Mutex
}

// NewSender creates a Sender. A zero ChunkSize becomes
// wire.DefaultBufferSize and a nil Codec becomes wire.LengthPrefixed.
func NewSender(config SenderConfig) *Sender {
	if config.ChunkSize <= 0 {
		config.ChunkSize = wire.DefaultBufferSize
	}
	if config.Codec == nil {
		config.Codec = wire.LengthPrefixed{}
	}
	return &Sender{config: config}
}

// Codec returns the codec framing the target and the client's reply.
func (s *Sender) Codec() wire.Codec {
	return s.config.Codec
}

// Send streams src to the client that answers signal, asking it to write the
// content to target.
//
// Handshake steps:
//  1. Bind the data listener (DataSocketOpen)
//  2. Call signal with the bound port, then wait for the client to connect
//     (AwaitingClientConnect)
//  3. Send target as the first message on the data connection (TargetSent)
//  4. Read the client's answer: OK moves to Ready, NO ends in Rejected
//  5. Copy src in ChunkSize writes (Streaming) and close (Complete)
//
// The listener is closed as soon as one client is accepted, so a stray second
// connection is refused by the kernel rather than served.
//
// Parameters:
//   - ctx: cancels the handshake in any state; blocked I/O is interrupted
//   - src: the image content, read until io.EOF
//   - target: the client side path, passed through verbatim
//   - signal: delivers the begin-transfer message to the client
//
// Returns the Result, which is never nil, and an error that is nil only when
// the transfer reached Complete. A rejected target returns ErrRejected, a
// concurrent call returns ErrBusy.
func (s *Sender) Send(ctx context.Context, src io.Reader, target string, signal Signal) (*Result, error) {
	res := &Result{State: Idle}
	if !s.mu.TryLock() {
		res.Err = ErrBusy
		return res, ErrBusy
	}
	defer s.mu.Unlock()

	err := s.run(ctx, res, src, target, signal)
	if err != nil && res.State != Rejected {
		res.State = Aborted
	}
	res.Err = err
	logger.Debug("Transfer of %q ended: state=%s bytes=%d err=%v", target, res.State, res.Bytes, err)
	return res, err
}

// run performs the handshake steps, updating res.State as each one succeeds.
// Send maps any error other than a rejection to Aborted.
func (s *Sender) run(ctx context.Context, res *Result, src io.Reader, target string, signal Signal) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("open data socket on %s: %w", addr, err)
	}
	defer func() { _ = listener.Close() }()

	res.State = DataSocketOpen
	res.Port = listener.Addr().(*net.TCPAddr).Port

	if err := signal(ctx, res.Port); err != nil {
		return fmt.Errorf("signal client: %w", err)
	}
	res.State = AwaitingClientConnect

	conn, err := s.accept(ctx, listener)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	// Only one client may join a handshake.
	_ = listener.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := s.config.Codec.WriteMessage(conn, target); err != nil {
		return s.ioError(ctx, "send target", err)
	}
	res.State = TargetSent

	reply, err := s.config.Codec.ReadMessage(conn)
	if err != nil {
		return s.ioError(ctx, "read target reply", err)
	}
	switch strings.TrimSpace(reply) {
	case wire.OK:
		res.State = Ready
	case wire.NO:
		res.State = Rejected
		return ErrRejected
	default:
		return fmt.Errorf("unexpected target reply %q", reply)
	}

	res.State = Streaming
	if err := s.stream(ctx, conn, src, res); err != nil {
		return err
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close data channel: %w", err)
	}
	res.State = Complete
	return nil
}

// accept waits for the client, bounded by AcceptTimeout when set. Cancelling
// ctx closes the listener to unblock Accept.
func (s *Sender) accept(ctx context.Context, listener net.Listener) (net.Conn, error) {
	if s.config.AcceptTimeout > 0 {
		if tl, ok := listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(s.config.AcceptTimeout))
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	conn, err := listener.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("client did not connect within %v", s.config.AcceptTimeout)
		}
		return nil, fmt.Errorf("accept data connection: %w", err)
	}
	logger.Debug("Data connection from %s", conn.RemoteAddr())
	return conn, nil
}

// stream copies src to conn one ChunkSize read at a time, so each write on
// the wire is at most ChunkSize bytes. res.Bytes counts what the kernel
// accepted, including a short final write before an error.
func (s *Sender) stream(ctx context.Context, conn net.Conn, src io.Reader, res *Result) error {
	buf := make([]byte, s.config.ChunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if s.config.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			}
			w, werr := conn.Write(buf[:n])
			res.Bytes += int64(w)
			if werr != nil {
				return s.ioError(ctx, "write data", werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read source: %w", rerr)
		}
	}
}

// ioError prefers the context error so cancellation is reported as such
// rather than as the deadline error it provoked.
func (s *Sender) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w", op, err)
}
