package adapter

import (
	"context"
)

// Adapter is a long-running component managed by server.Server: the control
// port router, the bus broker, or a service loop reading from the bus.
//
// Lifecycle:
//  1. Creation: the adapter is built from its configuration
//  2. Startup: Serve() runs until the context is cancelled
//  3. Shutdown: Stop() initiates graceful shutdown with a timeout
//
// Implementations must be safe for concurrent use; Stop() may be called
// concurrently with Serve().
type Adapter interface {
	// Serve runs the component and blocks until ctx is cancelled, Stop is
	// called, or an unrecoverable error occurs.
	//
	// Returns:
	//   - nil on graceful shutdown or when the component finished on its own
	//   - context.Canceled if cancelled via context
	//   - error on failure; the server then stops every other adapter
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown. It must be idempotent, safe to call
	// concurrently with Serve and respect the ctx deadline.
	Stop(ctx context.Context) error

	// Protocol returns a constant human-readable name for logs and metrics.
	Protocol() string

	// Port returns the TCP port the adapter listens on, or 0 for adapters
	// without a listener.
	Port() int
}
