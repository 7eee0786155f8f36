// Package router serves the control port: it accepts one client at a time,
// greets it, and feeds its command lines through a session.Session whose
// requests travel over the bus to the auth and file services.
package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/bus"
	"github.com/marmos91/imgpull/pkg/metrics"
	"github.com/marmos91/imgpull/pkg/session"
	"github.com/marmos91/imgpull/pkg/wire"
)

// DefaultPort is the control port.
const DefaultPort = 37777

// Config holds the control port settings.
//
// Timeouts are optional; zero disables them and leaves the success path
// unchanged.
type Config struct {
	// Host is the interface to bind. Empty means all interfaces.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the TCP control port. 0 picks a free port.
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`

	// Framing selects the control channel codec: "length" or "raw".
	Framing string `mapstructure:"framing" yaml:"framing" validate:"omitempty,oneof=length raw"`

	// MaxMessageSize bounds one framed command or reply.
	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size" validate:"min=0"`

	// IdleTimeout closes a session that sends nothing for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"min=0"`

	// ReadTimeout bounds the read of one command once the deadline is armed.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"min=0"`

	// WriteTimeout bounds the write of one reply.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"min=0"`

	// MaxLoginStrikes rejected logins end the session.
	MaxLoginStrikes int `mapstructure:"max_login_strikes" yaml:"max_login_strikes" validate:"min=0"`

	// CommandsPerSecond throttles a session. 0 disables throttling.
	CommandsPerSecond uint `mapstructure:"commands_per_second" yaml:"commands_per_second"`

	// CommandsBurst is the throttle bucket size.
	CommandsBurst uint `mapstructure:"commands_burst" yaml:"commands_burst"`

	// ShutdownTimeout bounds the wait for the active session on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0"`

	// KillServicesOnStop sends KILL to the auth and file services once the
	// router has stopped. Used when the router owns the services.
	KillServicesOnStop bool `mapstructure:"-" yaml:"-"`

	// MetricsLogInterval logs session counters periodically. 0 disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"min=0"`
}

// applyDefaults fills zero values: length framing, wire.DefaultMaxSize,
// session.DefaultMaxLoginStrikes and a ten second shutdown timeout.
func (c *Config) applyDefaults() {
	if c.Framing == "" {
		c.Framing = wire.FramingLength
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = wire.DefaultMaxSize
	}
	if c.MaxLoginStrikes <= 0 {
		c.MaxLoginStrikes = session.DefaultMaxLoginStrikes
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// validate checks the settings applyDefaults cannot repair.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.IdleTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if _, err := wire.New(c.Framing); err != nil {
		return err
	}
	return nil
}

// codec builds the configured control channel codec.
func (c *Config) codec() wire.Codec {
	if c.Framing == wire.FramingRaw {
		return wire.Raw{BufferSize: wire.DefaultBufferSize}
	}
	return wire.LengthPrefixed{MaxSize: c.MaxMessageSize}
}

// Router implements adapter.Adapter for the control port.
//
// Exactly one session is served at a time; a second client stays in the
// accept backlog until the first disconnects.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed and the session context cancelled
//  3. Wait for the active session (up to ShutdownTimeout)
//  4. Force-close it after the timeout
//
// Thread safety: Serve must be called once. Stop, Addr, Port and
// ActiveSessions are safe to call from any goroutine.
type Router struct {
	config  Config
	bus     bus.Bus
	codec   wire.Codec
	metrics metrics.RouterMetrics

	// mu guards listener, which Serve sets and shutdown closes.
	mu       sync.Mutex
	listener net.Listener

	// activeConns counts session goroutines for graceful shutdown.
	activeConns sync.WaitGroup

	// activeConnections maps session id to net.Conn for forced closure.
	activeConnections sync.Map
	connCount         atomic.Int32
	sessionsServed    atomic.Int64

	// connSemaphore holds the single session slot.
	connSemaphore chan struct{}

	// shutdown is closed once by initiateShutdown; shutdownCtx is cancelled
	// at the same time so blocked bus requests of the session return.
	shutdownOnce   sync.Once
	shutdown       chan struct{}
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc
}

// New creates a stopped router forwarding to the services over b. m may be
// nil. New panics on an invalid configuration.
func New(config Config, b bus.Bus, m metrics.RouterMetrics) *Router {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid router config: %v", err))
	}
	if b == nil {
		panic("router: bus cannot be nil")
	}
	if m == nil {
		m = metrics.NewNoopRouterMetrics()
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())
	return &Router{
		config:         config,
		bus:            b,
		codec:          config.codec(),
		metrics:        m,
		connSemaphore:  make(chan struct{}, 1),
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
}

// Serve accepts control connections until ctx is cancelled or Stop is
// called.
//
// The accept loop first takes the single session slot and only then calls
// Accept, so a second client completes the TCP handshake but is not greeted
// until the current session ends.
//
// Returns nil after a graceful shutdown, an error if the listener cannot be
// created, or a timeout error when the active session had to be
// force-closed.
func (r *Router) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(r.config.Host, strconv.Itoa(r.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create router listener on %s: %w", addr, err)
	}

	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()

	logger.Info("Router listening on %s", listener.Addr())
	logger.Debug("Router config: framing=%s idle_timeout=%v read_timeout=%v write_timeout=%v max_login_strikes=%d",
		r.config.Framing, r.config.IdleTimeout, r.config.ReadTimeout, r.config.WriteTimeout, r.config.MaxLoginStrikes)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Router shutdown signal received: %v", ctx.Err())
			r.initiateShutdown()
		case <-r.shutdown:
		}
	}()

	if r.config.MetricsLogInterval > 0 {
		go r.logMetrics(ctx)
	}

	for {
		select {
		case r.connSemaphore <- struct{}{}:
		case <-r.shutdown:
			return r.gracefulShutdown()
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			<-r.connSemaphore
			select {
			case <-r.shutdown:
				return r.gracefulShutdown()
			default:
				logger.Debug("Error accepting control connection: %v", err)
				continue
			}
		}

		r.activeConns.Add(1)
		r.connCount.Add(1)
		r.sessionsServed.Add(1)

		conn := newConnection(r, tcpConn)
		r.activeConnections.Store(conn.id, tcpConn)
		logger.Info("Session %s accepted from %s", conn.id, tcpConn.RemoteAddr())

		go func() {
			defer func() {
				r.activeConnections.Delete(conn.id)
				r.activeConns.Done()
				r.connCount.Add(-1)
				<-r.connSemaphore
			}()
			conn.Serve(r.shutdownCtx)
		}()
	}
}

// initiateShutdown closes the listener and cancels in-flight session
// requests. Safe to call more than once.
func (r *Router) initiateShutdown() {
	r.shutdownOnce.Do(func() {
		logger.Debug("Router shutdown initiated")
		close(r.shutdown)

		r.mu.Lock()
		if r.listener != nil {
			if err := r.listener.Close(); err != nil {
				logger.Debug("Error closing router listener: %v", err)
			}
		}
		r.mu.Unlock()

		r.cancelRequests()
	})
}

// gracefulShutdown waits for the active session, force-closing it after
// ShutdownTimeout, then asks the services to exit when configured to.
func (r *Router) gracefulShutdown() error {
	defer r.killServices()

	logger.Info("Router graceful shutdown: waiting for %d active session(s) (timeout: %v)",
		r.connCount.Load(), r.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		r.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Router graceful shutdown complete")
		return nil
	case <-time.After(r.config.ShutdownTimeout):
		remaining := r.connCount.Load()
		logger.Warn("Router shutdown timeout exceeded: %d session(s) still active, forcing closure", remaining)
		r.forceCloseConnections()
		return fmt.Errorf("router shutdown timeout: %d sessions force-closed", remaining)
	}
}

// forceCloseConnections closes every tracked control connection, which makes
// the blocked session read fail.
func (r *Router) forceCloseConnections() {
	r.activeConnections.Range(func(key, value any) bool {
		if err := value.(net.Conn).Close(); err != nil {
			logger.Debug("Error force-closing session %s: %v", key, err)
		}
		return true
	})
}

// killServices sends KILL to the auth and file services when
// KillServicesOnStop is set. Failures are logged only: a torn down bus has
// already stopped the services.
func (r *Router) killServices() {
	if !r.config.KillServicesOnStop {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for tag, body := range map[bus.Tag]string{bus.TagAuth: "AUTH KILL", bus.TagFile: "FILE KILL"} {
		if err := r.bus.Send(ctx, tag, body); err != nil {
			logger.Debug("Could not send KILL to %s: %v", tag, err)
		}
	}
}

// Stop initiates shutdown and waits for the active session up to ctx.
//
// Returns ctx.Err() if the session is still running when ctx ends. Stop does
// not force-close the session; Serve does that after ShutdownTimeout.
func (r *Router) Stop(ctx context.Context) error {
	r.initiateShutdown()

	done := make(chan struct{})
	go func() {
		r.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn("Router stop: %d session(s) still active: %v", r.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

// logMetrics logs session counters every MetricsLogInterval until shutdown.
func (r *Router) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(r.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			logger.Info("Router metrics: active_sessions=%d sessions_served=%d",
				r.connCount.Load(), r.sessionsServed.Load())
		}
	}
}

// ActiveSessions returns the number of sessions being served.
func (r *Router) ActiveSessions() int32 {
	return r.connCount.Load()
}

// Addr returns the bound address, or nil before Serve has listened.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Port returns the bound port once listening, the configured one before.
func (r *Router) Port() int {
	if addr, ok := r.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return r.config.Port
}

// Protocol identifies the router among the server adapters.
func (r *Router) Protocol() string {
	return "ROUTER"
}
