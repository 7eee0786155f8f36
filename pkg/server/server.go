package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/adapter"
	"github.com/marmos91/imgpull/pkg/bus"
)

// DefaultStopTimeout bounds the Stop() calls issued during shutdown.
const DefaultStopTimeout = 30 * time.Second

// Server manages the lifecycle of the adapters of one imgpull process: the
// control port router, the bus broker and the service loops. All of them
// share the same bus, which the server owns and closes last.
//
// Lifecycle:
//  1. Creation: New() with the bus
//  2. Registration: AddAdapter() for each component
//  3. Startup: Serve() starts all adapters concurrently
//  4. Shutdown: context cancellation, an adapter failure, or every adapter
//     finishing on its own stops the rest in reverse registration order
//
// Register dependencies first: the router after the services it forwards to,
// so that it is stopped before them.
//
// Example usage:
//
//	srv := server.New(b, cfg.Server.ShutdownTimeout)
//	_ = srv.AddAdapter(authService)
//	_ = srv.AddAdapter(fileService)
//	_ = srv.AddAdapter(router)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type Server struct {
	bus         bus.Bus
	stopTimeout time.Duration

	// mu protects adapters
	mu       sync.RWMutex
	adapters []adapter.Adapter

	served atomic.Bool
}

// New creates a server around b. A non-positive stopTimeout selects
// DefaultStopTimeout. Panics if b is nil.
func New(b bus.Bus, stopTimeout time.Duration) *Server {
	if b == nil {
		panic("bus cannot be nil")
	}
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	return &Server{
		bus:         b,
		stopTimeout: stopTimeout,
		adapters:    make([]adapter.Adapter, 0, 3),
	}
}

// AddAdapter registers an adapter to be started by Serve.
//
// Duplicate protocols and conflicting listening ports are rejected. Adapters
// reporting port 0 (service loops, ephemeral listeners) never conflict.
//
// Panics if a is nil or Serve() has already been called.
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}
	if s.served.Load() {
		panic("cannot add adapter after Serve() has been called")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	s.adapters = append(s.adapters, a)

	if port != 0 {
		logger.Info("Registered %s adapter on port %d", protocol, port)
	} else {
		logger.Info("Registered %s adapter", protocol)
	}
	return nil
}

// Serve starts all registered adapters and blocks until they are all stopped.
//
// Returns:
//   - nil when every adapter finished on its own (for example after KILL)
//   - ctx.Err() when shutdown was triggered by the context
//   - the first adapter error otherwise
//
// The bus is closed before Serve returns. Panics if called twice.
func (s *Server) Serve(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		panic("Serve() has already been called on this server instance")
	}
	defer func() {
		if err := s.bus.Close(); err != nil {
			logger.Debug("Closing bus: %v", err)
		}
	}()

	s.mu.RLock()
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.RUnlock()

	if len(adapters) == 0 {
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}

	logger.Info("Starting imgpull with %d adapter(s)", len(adapters))

	// Buffered so that every adapter can report without blocking.
	errChan := make(chan adapterError, len(adapters))
	var wg sync.WaitGroup

	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			err := a.Serve(ctx)
			switch {
			case err == nil:
				logger.Info("%s adapter stopped", protocol)
			case errors.Is(err, context.Canceled) || ctx.Err() != nil:
				logger.Debug("%s adapter stopped by context: %v", protocol, err)
			default:
				logger.Error("%s adapter failed: %v", protocol, err)
				errChan <- adapterError{protocol: protocol, err: err}
			}
		}(adp)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		s.stopAllAdapters(adapters)
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		s.stopAllAdapters(adapters)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)

	case <-allDone:
		// Every adapter finished; report a failure that raced with the
		// last one returning.
		select {
		case adapterErr := <-errChan:
			shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
		default:
			shutdownErr = ctx.Err()
		}
	}

	logger.Debug("Waiting for all adapters to complete shutdown")
	<-allDone

	logger.Info("imgpull stopped")
	return shutdownErr
}

// adapterError pairs an adapter protocol name with its error.
type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters calls Stop() on every adapter in reverse registration
// order, sharing one stopTimeout deadline. Errors are logged and do not
// prevent the remaining adapters from being stopped.
func (s *Server) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		protocol := adp.Protocol()

		logger.Debug("Stopping %s adapter", protocol)
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", protocol, err)
		}
	}
}

// Adapters returns a snapshot of currently registered adapters.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
