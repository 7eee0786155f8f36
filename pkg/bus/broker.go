package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/imgpull/internal/logger"
)

// BrokerConfig configures the socket front end of a bus.
type BrokerConfig struct {
	// Network is "unix" or "tcp".
	Network string `mapstructure:"network" yaml:"network" validate:"omitempty,oneof=unix tcp"`

	// Address is a socket path for unix or host:port for tcp.
	Address string `mapstructure:"address" yaml:"address"`
}

// Broker exposes a local Bus to services running in other processes.
//
// Each remote connection carries strictly sequential request/response
// frames (see Remote). The broker answers three operations:
//
//   - hello: returns the bus message size limit so the remote can reject
//     oversized bodies before they cross the socket
//   - send: enqueues the body on the local bus under the frame's tag
//   - receive: blocks on the local bus for the frame's tag and returns the
//     first message
//
// Stopping the broker closes every remote connection, which remote services
// observe as ErrClosed. This mirrors the destructive teardown of the local
// bus: a service process that loses its broker is expected to exit.
//
// Thread safety: every connection is served by its own goroutine. The
// underlying Bus must be safe for concurrent use.
type Broker struct {
	config BrokerConfig
	bus    Bus

	// mu guards listener against a Stop racing with Serve.
	mu       sync.Mutex
	listener net.Listener
	addr     atomic.Value // net.Addr

	// conns tracks live connections so shutdown can close them.
	conns       sync.Map // remote address -> net.Conn
	activeConns sync.WaitGroup
	connCount   atomic.Int32
	connSeq     atomic.Uint64

	// shutdown is closed exactly once by initiateShutdown.
	shutdown     chan struct{}
	shutdownOnce sync.Once

	// requestCtx is cancelled on shutdown to release blocked receives.
	requestCtx     context.Context
	cancelRequests context.CancelFunc
}

// NewBroker wraps b so it can be served over a socket. An empty Network
// defaults to "unix". The broker does not own b: stopping the broker leaves
// the local bus open.
func NewBroker(config BrokerConfig, b Bus) *Broker {
	if config.Network == "" {
		config.Network = "unix"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		config:         config,
		bus:            b,
		shutdown:       make(chan struct{}),
		requestCtx:     ctx,
		cancelRequests: cancel,
	}
}

// Serve accepts remote services until ctx is cancelled or Stop is called.
//
// A stale unix socket file left by a crashed broker is removed before
// binding. Accept errors that are not caused by shutdown are logged and the
// loop continues.
//
// Returns nil on a clean shutdown, after waiting (up to five seconds) for the
// connection goroutines to finish, or an error if the listener cannot be
// created.
func (br *Broker) Serve(ctx context.Context) error {
	if br.config.Network == "unix" {
		if err := os.Remove(br.config.Address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale bus socket %s: %w", br.config.Address, err)
		}
	}

	// Bind before taking the lock; a concurrent Stop that already ran is
	// detected below and the fresh listener is discarded.
	listener, err := net.Listen(br.config.Network, br.config.Address)
	if err != nil {
		return fmt.Errorf("failed to create bus listener on %s %s: %w", br.config.Network, br.config.Address, err)
	}
	br.mu.Lock()
	select {
	case <-br.shutdown:
		br.mu.Unlock()
		_ = listener.Close()
		return nil
	default:
	}
	br.listener = listener
	br.mu.Unlock()
	br.addr.Store(listener.Addr())
	logger.Info("Bus broker listening on %s %s", br.config.Network, listener.Addr())

	go func() {
		select {
		case <-ctx.Done():
			br.initiateShutdown()
		case <-br.shutdown:
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-br.shutdown:
				br.waitConnections()
				return nil
			default:
				logger.Debug("Error accepting bus connection: %v", err)
				continue
			}
		}

		// Unix peers all report the same empty address, so a sequence
		// number keeps the keys unique.
		addr := conn.RemoteAddr().String() + "#" + strconv.FormatUint(br.connSeq.Add(1), 10)
		br.conns.Store(addr, conn)
		br.connCount.Add(1)
		br.activeConns.Add(1)
		logger.Debug("Bus service connected (%s)", addr)

		go func() {
			defer func() {
				br.conns.Delete(addr)
				br.connCount.Add(-1)
				br.activeConns.Done()
				_ = conn.Close()
				logger.Debug("Bus service disconnected (%s)", addr)
			}()
			br.serveConn(conn)
		}()
	}
}

// serveConn answers frames on one connection until the peer disconnects, a
// frame cannot be decoded or a reply cannot be written. Bus errors are sent
// back as error frames; they never end the connection.
func (br *Broker) serveConn(conn net.Conn) {
	for {
		req, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Bus frame error: %v", err)
			}
			return
		}

		// Exactly one reply frame per request frame, in order.
		var resp *envelope
		switch req.Op {
		case opHello:
			resp = &envelope{Op: opOK, Body: strconv.Itoa(br.bus.MaxMessageSize())}
		case opSend:
			if err := br.bus.Send(br.requestCtx, Tag(req.Tag), req.Body); err != nil {
				resp = errorFrame(err)
			} else {
				resp = &envelope{Op: opOK}
			}
		case opReceive:
			body, err := br.receive(conn, Tag(req.Tag))
			if err != nil {
				if errors.Is(err, errPeerGone) {
					return
				}
				resp = errorFrame(err)
			} else {
				resp = &envelope{Op: opMessage, Tag: req.Tag, Body: body}
			}
		default:
			resp = errorFrame(fmt.Errorf("unknown op %d", req.Op))
		}

		if err := writeFrame(conn, resp); err != nil {
			logger.Debug("Bus reply failed: %v", err)
			return
		}
	}
}

// errPeerGone ends serveConn without a reply when the remote left during a
// blocking receive.
var errPeerGone = errors.New("bus: peer disconnected")

// receive blocks on the local bus while watching the connection, so a remote
// service that goes away does not leave a receiver behind that would swallow
// the next message for its tag.
//
// The watcher reads one byte: a well-behaved remote sends nothing while its
// receive is pending, so any read result other than the deadline set below
// means the peer closed or broke the protocol.
//
// Returns errPeerGone when the peer left; a message taken from the bus at
// that moment is dropped and logged.
func (br *Broker) receive(conn net.Conn, tag Tag) (string, error) {
	ctx, cancel := context.WithCancel(br.requestCtx)
	defer cancel()

	gone := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		var b [1]byte
		_, err := conn.Read(b[:])
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		// Either the peer closed or it broke the request/response rule.
		close(gone)
		cancel()
	}()

	body, err := br.bus.Receive(ctx, tag)

	// Stop the watcher with an immediate deadline and restore the
	// connection for the next request frame.
	_ = conn.SetReadDeadline(time.Now())
	<-watchDone
	_ = conn.SetReadDeadline(time.Time{})

	select {
	case <-gone:
		if err == nil {
			logger.Warn("Bus message for %s dropped: receiver disconnected", tag)
		}
		return "", errPeerGone
	default:
	}
	return body, err
}

// initiateShutdown closes the listener, cancels pending receives and closes
// every connection. Safe to call more than once.
func (br *Broker) initiateShutdown() {
	br.shutdownOnce.Do(func() {
		br.mu.Lock()
		close(br.shutdown)
		if br.listener != nil {
			_ = br.listener.Close()
		}
		br.mu.Unlock()
		br.cancelRequests()
		br.conns.Range(func(_, value any) bool {
			_ = value.(net.Conn).Close()
			return true
		})
		if br.config.Network == "unix" {
			_ = os.Remove(br.config.Address)
		}
	})
}

// waitConnections waits for connection goroutines with a fixed bound, logging
// the ones still running when it expires.
func (br *Broker) waitConnections() {
	done := make(chan struct{})
	go func() {
		br.activeConns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("Bus broker: %d connection(s) still active after shutdown", br.connCount.Load())
	}
}

// Stop tears down the socket side. Remote services lose their bus.
//
// Returns nil once every connection goroutine has exited, or ctx.Err() if ctx
// ends first. Stop may be called before, during or after Serve.
func (br *Broker) Stop(ctx context.Context) error {
	br.initiateShutdown()

	done := make(chan struct{})
	go func() {
		br.activeConns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Protocol identifies the broker when it runs as a server adapter.
func (br *Broker) Protocol() string {
	return "BUS"
}

// Port returns the TCP port, or 0 for unix sockets and before Serve.
func (br *Broker) Port() int {
	if tcp, ok := br.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Addr returns the listening address once Serve has started, or nil.
func (br *Broker) Addr() net.Addr {
	addr, _ := br.addr.Load().(net.Addr)
	return addr
}
