// Package client is the interactive counterpart of the router. It connects
// to the control port, forwards command lines, and when the server announces
// a transfer it opens the data connection, writes the image to the requested
// target and reports what was written.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/digest"
	"github.com/marmos91/imgpull/pkg/transfer"
	"github.com/marmos91/imgpull/pkg/wire"
)

// Defaults used when Config leaves a field empty.
const (
	DefaultControlPort     = 37777
	DefaultDataPort        = wire.DefaultDataPort
	DefaultConnectAttempts = 3
	DefaultRetryDelay      = time.Second
)

// ErrRefused is returned when the server does not greet with OK.
var ErrRefused = errors.New("client: connection refused by server")

// ErrServerClosed is returned when the control connection drops.
var ErrServerClosed = errors.New("client: server closed the connection")

// Config configures a Client.
type Config struct {
	// Server is host[:port] of the control port.
	Server string

	// Framing must match the router: "length" or "raw".
	Framing string

	// ConnectAttempts bounds dialing the control and data ports.
	ConnectAttempts int

	// RetryDelay is one step of the 3-2-1 countdown between attempts.
	RetryDelay time.Duration

	// Digest is computed over the bytes received during a transfer.
	Digest digest.Algorithm

	// DataPort is used when the transfer signal carries no port.
	DataPort int

	// Out receives replies and transfer reports; Err receives local errors.
	Out io.Writer
	Err io.Writer

	// Open opens transfer targets. Default: transfer.OpenFile.
	Open transfer.Opener
}

func (c *Config) applyDefaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Digest == "" {
		c.Digest = digest.Default
	}
	if c.DataPort <= 0 {
		c.DataPort = DefaultDataPort
	}
	if c.Out == nil {
		c.Out = io.Discard
	}
	if c.Err == nil {
		c.Err = c.Out
	}
	if c.Open == nil {
		c.Open = transfer.OpenFile
	}
}

// Client holds one control connection.
type Client struct {
	config Config
	codec  wire.Codec
	host   string
	port   int
	conn   net.Conn
}

// New validates config and resolves the server address. It does not dial.
func New(config Config) (*Client, error) {
	config.applyDefaults()

	codec, err := wire.New(config.Framing)
	if err != nil {
		return nil, err
	}
	if _, err := digest.New(config.Digest); err != nil {
		return nil, err
	}

	host, port, err := splitServer(config.Server)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		fmt.Fprintf(config.Out, "[CLIENT] WARNING: no port given, using default port (%d)\n", DefaultControlPort)
		port = DefaultControlPort
	}
	return &Client{config: config, codec: codec, host: host, port: port}, nil
}

func splitServer(server string) (string, int, error) {
	if server == "" {
		return "", 0, fmt.Errorf("server address is required")
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		// No port.
		if strings.Contains(err.Error(), "missing port") {
			return server, 0, nil
		}
		return "", 0, fmt.Errorf("invalid server address %q: %w", server, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// Connect dials the control port with retries and waits for the greeting.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx, "SERVER_MAIN", c.port)
	if err != nil {
		return err
	}

	greeting, err := c.codec.ReadMessage(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	if strings.TrimSpace(greeting) != wire.OK {
		_ = conn.Close()
		fmt.Fprintf(c.config.Out, "[SERVER_MAIN]: connection refused\n")
		return ErrRefused
	}

	c.conn = conn
	logger.Debug("Connected to %s", conn.RemoteAddr())
	return nil
}

// dial tries ConnectAttempts times, printing a countdown between attempts.
func (c *Client) dial(ctx context.Context, name string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(port))
	var d net.Dialer

	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("Dial %s (%s) attempt %d failed: %v", name, addr, attempt, err)
		if attempt >= c.config.ConnectAttempts {
			fmt.Fprintf(c.config.Err, "[CLIENT]: %s is not responding, exiting...\n", name)
			return nil, fmt.Errorf("connect to %s at %s: %w", name, addr, err)
		}

		fmt.Fprintf(c.config.Out, "[CLIENT]: failed to connect to %s, retrying in ", name)
		for i := 3; i >= 1; i-- {
			fmt.Fprintf(c.config.Out, "%d...", i)
			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				fmt.Fprintln(c.config.Out)
				return nil, ctx.Err()
			}
		}
		fmt.Fprintln(c.config.Out)
	}
}

// Exec sends one command and returns the server reply. A transfer announced
// by the server is carried out before the final status is returned. After
// "exit" the reply is empty and closed is true.
func (c *Client) Exec(ctx context.Context, line string) (reply string, closed bool, err error) {
	if c.conn == nil {
		return "", true, ErrServerClosed
	}
	line = strings.TrimSpace(line)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.codec.WriteMessage(c.conn, line); err != nil {
		return "", true, fmt.Errorf("send command: %w", err)
	}
	if line == "exit" {
		fmt.Fprintf(c.config.Out, "[CLIENT]: exiting...\n")
		return "", true, nil
	}

	for {
		msg, err := c.codec.ReadMessage(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return "", true, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", true, ErrServerClosed
			}
			return "", true, fmt.Errorf("read reply: %w", err)
		}

		port, ok := wire.ParseTransferSignal(msg)
		if !ok {
			return msg, false, nil
		}
		if port == 0 {
			port = c.config.DataPort
		}
		if err := c.download(ctx, port); err != nil {
			if ctx.Err() != nil {
				return "", true, ctx.Err()
			}
			fmt.Fprintf(c.config.Err, "ERROR: %v\n", err)
		}
	}
}

// Close sends nothing and closes the control connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
