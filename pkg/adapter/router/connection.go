package router

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/internal/ratelimiter"
	"github.com/marmos91/imgpull/pkg/session"
	"github.com/marmos91/imgpull/pkg/wire"
)

// ReplyThrottled is sent instead of running a command over the rate limit.
const ReplyThrottled = "[SERVER_MAIN]: too many commands, slow down\n"

// connection serves one control session.
type connection struct {
	id      string
	router  *Router
	conn    net.Conn
	session *session.Session
	limiter *ratelimiter.RateLimiter
}

func newConnection(r *Router, conn net.Conn) *connection {
	return &connection{
		id:     uuid.NewString(),
		router: r,
		conn:   conn,
		session: session.New(r.bus, session.Config{
			MaxLoginStrikes: r.config.MaxLoginStrikes,
			Metrics:         r.metrics,
		}),
		limiter: ratelimiter.New(r.config.CommandsPerSecond, r.config.CommandsBurst),
	}
}

// Serve greets the client and runs commands until the session ends.
func (c *connection) Serve(ctx context.Context) {
	start := time.Now()
	reason := "disconnect"
	c.router.metrics.RecordSessionStarted()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic in session %s from %s: %v", c.id, c.conn.RemoteAddr(), rec)
			reason = "error"
		}
		_ = c.conn.Close()
		c.router.metrics.RecordSessionEnded(reason, time.Since(start))
		logger.Info("Session %s ended (%s) after %v", c.id, reason, time.Since(start).Round(time.Millisecond))
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.write(wire.OK); err != nil {
		logger.Debug("Session %s: greeting failed: %v", c.id, err)
		reason = "error"
		return
	}

	for {
		line, err := c.read()
		if err != nil {
			reason = c.classify(ctx, err)
			return
		}
		logger.Debug("Session %s: command %q", c.id, line)

		if !c.limiter.Allow() {
			logger.Debug("Session %s: command throttled", c.id)
			if err := c.write(ReplyThrottled); err != nil {
				reason = c.classify(ctx, err)
				return
			}
			continue
		}

		cmdStart := time.Now()
		out, err := c.session.Handle(ctx, line, func(_ context.Context, msg string) error {
			return c.write(msg)
		})
		c.router.metrics.RecordCommand(out.Command, time.Since(cmdStart), err)
		if err != nil {
			if ctx.Err() != nil {
				reason = "shutdown"
			} else {
				logger.Error("Session %s: %s failed: %v", c.id, out.Command, err)
				reason = "error"
			}
			return
		}

		if out.Reply != "" {
			if err := c.write(out.Reply); err != nil {
				reason = c.classify(ctx, err)
				return
			}
		}
		if out.Close {
			reason = out.Reason
			return
		}
	}
}

func (c *connection) read() (string, error) {
	switch {
	case c.router.config.ReadTimeout > 0:
		_ = c.conn.SetReadDeadline(time.Now().Add(c.router.config.ReadTimeout))
	case c.router.config.IdleTimeout > 0:
		_ = c.conn.SetReadDeadline(time.Now().Add(c.router.config.IdleTimeout))
	}
	return c.router.codec.ReadMessage(c.conn)
}

func (c *connection) write(msg string) error {
	if c.router.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.router.config.WriteTimeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	return c.router.codec.WriteMessage(c.conn, msg)
}

// classify maps a socket error to a session end reason.
func (c *connection) classify(ctx context.Context, err error) string {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		logger.Debug("Session %s closed by shutdown", c.id)
		return "shutdown"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.Debug("Session %s closed by client", c.id)
		return "disconnect"
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Debug("Session %s timed out: %v", c.id, err)
		return "timeout"
	default:
		logger.Debug("Session %s I/O error: %v", c.id, err)
		return "error"
	}
}
