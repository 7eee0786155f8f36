package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imgpull/pkg/transfer"
	"github.com/marmos91/imgpull/pkg/wire"
)

// fakeServer accepts one control connection, greets it and hands it to
// handle.
type fakeServer struct {
	addr string

	mu    sync.Mutex
	lines []string
	done  chan struct{}
}

func startServer(t *testing.T, greeting string, handle func(s *fakeServer, conn net.Conn, line string) bool) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	s := &fakeServer{addr: ln.Addr().String(), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		codec := wire.LengthPrefixed{}
		if err := codec.WriteMessage(conn, greeting); err != nil {
			return
		}
		for {
			line, err := codec.ReadMessage(conn)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.lines = append(s.lines, line)
			s.mu.Unlock()
			if line == "exit" || !handle(s, conn, line) {
				return
			}
		}
	}()
	return s
}

func (s *fakeServer) received(t *testing.T) []string {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func echo(_ *fakeServer, conn net.Conn, line string) bool {
	return wire.LengthPrefixed{}.WriteMessage(conn, "> got: "+line+"\n") == nil
}

// serveDownload answers "file down <id> <target>" by running a real sender.
func serveDownload(content []byte) func(*fakeServer, net.Conn, string) bool {
	return func(_ *fakeServer, conn net.Conn, line string) bool {
		codec := wire.LengthPrefixed{}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return codec.WriteMessage(conn, "syntax\n") == nil
		}
		sender := transfer.NewSender(transfer.SenderConfig{Host: "127.0.0.1", AcceptTimeout: 5 * time.Second})
		res, _ := sender.Send(context.Background(), bytes.NewReader(content), fields[3], func(_ context.Context, port int) error {
			return codec.WriteMessage(conn, wire.FormatTransferSignal(port))
		})
		return codec.WriteMessage(conn, "final "+res.State.String()+"\n") == nil
	}
}

func newClient(t *testing.T, server string, out *bytes.Buffer) *Client {
	t.Helper()
	c, err := New(Config{
		Server:     server,
		Framing:    wire.FramingLength,
		RetryDelay: time.Millisecond,
		Out:        out,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew(t *testing.T) {
	t.Run("DefaultPort", func(t *testing.T) {
		var out bytes.Buffer
		c := newClient(t, "127.0.0.1", &out)
		assert.Equal(t, DefaultControlPort, c.port)
		assert.Equal(t, "127.0.0.1", c.host)
		assert.Contains(t, out.String(), "using default port (37777)")
	})

	t.Run("InvalidPort", func(t *testing.T) {
		_, err := New(Config{Server: "127.0.0.1:notaport"})
		assert.Error(t, err)
	})

	t.Run("EmptyServer", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})

	t.Run("UnknownFraming", func(t *testing.T) {
		_, err := New(Config{Server: "127.0.0.1:1", Framing: "smoke"})
		assert.Error(t, err)
	})
}

func TestConnect(t *testing.T) {
	t.Run("Greeting", func(t *testing.T) {
		srv := startServer(t, wire.OK, echo)
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)
		require.NoError(t, c.Connect(context.Background()))
	})

	t.Run("Refused", func(t *testing.T) {
		srv := startServer(t, wire.NO, echo)
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)

		err := c.Connect(context.Background())
		assert.ErrorIs(t, err, ErrRefused)
		assert.Contains(t, out.String(), "[SERVER_MAIN]: connection refused")
	})

	t.Run("RetriesExhausted", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		var out bytes.Buffer
		c, err := New(Config{Server: addr, ConnectAttempts: 2, RetryDelay: time.Millisecond, Out: &out})
		require.NoError(t, err)

		err = c.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, strings.Count(out.String(), "failed to connect to SERVER_MAIN, retrying in 3...2...1..."))
		assert.Contains(t, out.String(), "SERVER_MAIN is not responding")
	})
}

func TestExec(t *testing.T) {
	t.Run("Reply", func(t *testing.T) {
		srv := startServer(t, wire.OK, echo)
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)
		require.NoError(t, c.Connect(context.Background()))

		reply, closed, err := c.Exec(context.Background(), "  help ")
		require.NoError(t, err)
		assert.False(t, closed)
		assert.Equal(t, "> got: help\n", reply)

		_, closed, err = c.Exec(context.Background(), "exit")
		require.NoError(t, err)
		assert.True(t, closed)
		assert.Equal(t, []string{"help", "exit"}, srv.received(t))
	})

	t.Run("ServerGone", func(t *testing.T) {
		srv := startServer(t, wire.OK, func(*fakeServer, net.Conn, string) bool { return false })
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)
		require.NoError(t, c.Connect(context.Background()))

		_, closed, err := c.Exec(context.Background(), "user ls")
		assert.True(t, closed)
		assert.ErrorIs(t, err, ErrServerClosed)
	})

	t.Run("NotConnected", func(t *testing.T) {
		var out bytes.Buffer
		c := newClient(t, "127.0.0.1:1", &out)
		_, closed, err := c.Exec(context.Background(), "help")
		assert.True(t, closed)
		assert.ErrorIs(t, err, ErrServerClosed)
	})
}

func TestDownload(t *testing.T) {
	t.Run("Complete", func(t *testing.T) {
		content := make([]byte, 2048)
		srv := startServer(t, wire.OK, serveDownload(content))
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)
		require.NoError(t, c.Connect(context.Background()))

		target := filepath.Join(t.TempDir(), "disk.img")
		reply, closed, err := c.Exec(context.Background(), "file down 1 "+target)
		require.NoError(t, err)
		assert.False(t, closed)
		assert.Equal(t, "final complete\n", reply)

		report := out.String()
		assert.Contains(t, report, "[CLIENT]: connecting to SERVER_FILE...done")
		assert.Contains(t, report, "[CLIENT]: transfer complete, total: [2048] bytes")
		assert.Contains(t, report, "[CLIENT]: MD5 is [c99a74c555371a433d121f551d6c6398]")
		assert.Contains(t, report, "no partition table available for files")
	})

	t.Run("DigestCoversWrittenBytesOnly", func(t *testing.T) {
		// A device is opened in place: bytes past the image keep their
		// previous content.
		target := filepath.Join(t.TempDir(), "sdx")
		require.NoError(t, os.WriteFile(target, make([]byte, 8192), 0o644))

		srv := startServer(t, wire.OK, serveDownload(bytes.Repeat([]byte{0xAB}, 1024)))
		var out bytes.Buffer
		c, err := New(Config{
			Server:     srv.addr,
			Framing:    wire.FramingLength,
			RetryDelay: time.Millisecond,
			Out:        &out,
			Open: func(name string) (io.WriteCloser, error) {
				return os.OpenFile(name, os.O_WRONLY, 0)
			},
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		require.NoError(t, c.Connect(context.Background()))

		reply, _, err := c.Exec(context.Background(), "file down 1 "+target)
		require.NoError(t, err)
		assert.Equal(t, "final complete\n", reply)

		report := out.String()
		assert.Contains(t, report, "[CLIENT]: transfer complete, total: [1024] bytes")
		assert.Contains(t, report, "[CLIENT]: MD5 is [024618a120b5d9092c28cbff01eeb692]")

		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.EqualValues(t, 8192, info.Size())
	})

	t.Run("TargetIsDirectory", func(t *testing.T) {
		srv := startServer(t, wire.OK, serveDownload([]byte("hello world")))
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)
		require.NoError(t, c.Connect(context.Background()))

		reply, _, err := c.Exec(context.Background(), "file down 1 "+t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "final rejected\n", reply)
		assert.Contains(t, out.String(), "ERROR: no filename specified")
		assert.NotContains(t, out.String(), "transfer complete")
	})
}

func TestRun(t *testing.T) {
	t.Run("EndOfInputSendsExit", func(t *testing.T) {
		srv := startServer(t, wire.OK, echo)
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)
		require.NoError(t, c.Connect(context.Background()))

		require.NoError(t, c.Run(context.Background(), strings.NewReader("\nhelp\n\nuser ls\n")))
		assert.Equal(t, []string{"help", "user ls", "exit"}, srv.received(t))
		assert.Contains(t, out.String(), "> got: help\n")
		assert.Contains(t, out.String(), "> got: user ls\n")
	})

	t.Run("ExitStops", func(t *testing.T) {
		srv := startServer(t, wire.OK, echo)
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)
		require.NoError(t, c.Connect(context.Background()))

		require.NoError(t, c.Run(context.Background(), strings.NewReader("exit\nhelp\n")))
		assert.Equal(t, []string{"exit"}, srv.received(t))
	})

	t.Run("CanceledSendsExit", func(t *testing.T) {
		srv := startServer(t, wire.OK, echo)
		var out bytes.Buffer
		c := newClient(t, srv.addr, &out)
		require.NoError(t, c.Connect(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		pr, pw := net.Pipe()
		t.Cleanup(func() { _ = pw.Close(); _ = pr.Close() })

		require.NoError(t, c.Run(ctx, pr))
		assert.Equal(t, []string{"exit"}, srv.received(t))
	})
}
