package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imgpull/pkg/digest"
	"github.com/marmos91/imgpull/pkg/wire"
)

// dialOnSignal returns a signal that connects a receiver to the announced
// port, the way the client reacts to the begin-transfer message.
func dialOnSignal(t *testing.T, recv *Receiver, outcome chan<- *Outcome) Signal {
	t.Helper()
	return func(ctx context.Context, port int) error {
		go func() {
			conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				t.Errorf("dial data port: %v", err)
				outcome <- nil
				return
			}
			out, err := recv.Receive(context.Background(), conn)
			if err != nil {
				t.Errorf("receive: %v", err)
			}
			outcome <- out
		}()
		return nil
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "complete", Complete.String())
	assert.Equal(t, "awaiting_client_connect", AwaitingClientConnect.String())
	assert.True(t, Rejected.Terminal())
	assert.False(t, Streaming.Terminal())
}

func TestHandshakeComplete(t *testing.T) {
	for _, codec := range []wire.Codec{wire.LengthPrefixed{}, wire.Raw{}} {
		t.Run(reflectName(codec), func(t *testing.T) {
			content := bytes.Repeat([]byte("0123456789abcdef"), 200) // 3200 bytes
			target := filepath.Join(t.TempDir(), "out.img")

			sender := NewSender(SenderConfig{Host: "127.0.0.1", ChunkSize: 1024, Codec: codec, AcceptTimeout: 5 * time.Second})
			outcomes := make(chan *Outcome, 1)
			recv := &Receiver{Codec: codec}

			res, err := sender.Send(context.Background(), bytes.NewReader(content), target, dialOnSignal(t, recv, outcomes))
			require.NoError(t, err)
			assert.Equal(t, Complete, res.State)
			assert.EqualValues(t, len(content), res.Bytes)
			assert.NotZero(t, res.Port)

			out := <-outcomes
			require.NotNil(t, out)
			assert.Equal(t, Complete, out.State)
			assert.EqualValues(t, len(content), out.Bytes)
			assert.Equal(t, target, out.Target)

			written, err := os.ReadFile(target)
			require.NoError(t, err)
			assert.Equal(t, content, written)
		})
	}
}

func TestHandshakeExactChunk(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 1024)
	target := filepath.Join(t.TempDir(), "out.img")

	sender := NewSender(SenderConfig{Host: "127.0.0.1"})
	outcomes := make(chan *Outcome, 1)

	res, err := sender.Send(context.Background(), bytes.NewReader(content), target, dialOnSignal(t, &Receiver{}, outcomes))
	require.NoError(t, err)
	assert.Equal(t, Complete, res.State)
	assert.EqualValues(t, 1024, res.Bytes)

	out := <-outcomes
	require.NotNil(t, out)
	assert.EqualValues(t, 1024, out.Bytes)
	assert.Equal(t, "024618a120b5d9092c28cbff01eeb692", out.Digest)
}

func TestReceiverDigestIgnoresStaleTargetBytes(t *testing.T) {
	target := filepath.Join(t.TempDir(), "dev")
	require.NoError(t, os.WriteFile(target, make([]byte, 8192), 0o644))

	sender := NewSender(SenderConfig{Host: "127.0.0.1"})
	outcomes := make(chan *Outcome, 1)
	recv := &Receiver{
		Digest: digest.SHA256,
		Open: func(name string) (io.WriteCloser, error) {
			return os.OpenFile(name, os.O_WRONLY, 0)
		},
	}

	res, err := sender.Send(context.Background(), bytes.NewReader(bytes.Repeat([]byte{0xAB}, 1024)), target, dialOnSignal(t, recv, outcomes))
	require.NoError(t, err)
	assert.Equal(t, Complete, res.State)

	out := <-outcomes
	require.NotNil(t, out)
	assert.Equal(t, Complete, out.State)
	assert.Equal(t, "4555555dc68d872c2270ba89ecc5f6f094812f65372b37e50071fe5168031c49", out.Digest)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.EqualValues(t, 8192, info.Size())
}

func TestReceiverUnknownDigest(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = server.Close() }()

	out, err := (&Receiver{Digest: "crc7"}).Receive(context.Background(), client)
	assert.Error(t, err)
	assert.Equal(t, Aborted, out.State)
}

func TestHandshakeRejected(t *testing.T) {
	sender := NewSender(SenderConfig{Host: "127.0.0.1"})
	outcomes := make(chan *Outcome, 1)
	denied := errors.New("permission denied")
	recv := &Receiver{Open: func(string) (io.WriteCloser, error) { return nil, denied }}

	res, err := sender.Send(context.Background(), bytes.NewReader([]byte("data")), "/root/forbidden", dialOnSignal(t, recv, outcomes))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, Rejected, res.State)
	assert.Zero(t, res.Bytes)

	out := <-outcomes
	require.NotNil(t, out)
	assert.Equal(t, Rejected, out.State)
	assert.ErrorIs(t, out.OpenErr, denied)
	assert.Zero(t, out.Bytes)
}

func TestHandshakeBusy(t *testing.T) {
	sender := NewSender(SenderConfig{Host: "127.0.0.1"})

	signalled := make(chan int, 1)
	release := make(chan struct{})
	done := make(chan *Result, 1)
	go func() {
		res, _ := sender.Send(context.Background(), bytes.NewReader(nil), "/tmp/x", func(ctx context.Context, port int) error {
			signalled <- port
			<-release
			return errors.New("client went away")
		})
		done <- res
	}()
	<-signalled

	res, err := sender.Send(context.Background(), bytes.NewReader(nil), "/tmp/y", func(context.Context, int) error {
		t.Error("second handshake must not signal")
		return nil
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, Idle, res.State)

	close(release)
	first := <-done
	assert.Equal(t, Aborted, first.State)
}

func TestHandshakeAcceptTimeout(t *testing.T) {
	sender := NewSender(SenderConfig{Host: "127.0.0.1", AcceptTimeout: 50 * time.Millisecond})

	res, err := sender.Send(context.Background(), bytes.NewReader(nil), "/tmp/x", func(context.Context, int) error { return nil })
	assert.Error(t, err)
	assert.Equal(t, Aborted, res.State)
}

func TestHandshakeCancelledWhileWaiting(t *testing.T) {
	sender := NewSender(SenderConfig{Host: "127.0.0.1"})
	ctx, cancel := context.WithCancel(context.Background())

	res, err := sender.Send(ctx, bytes.NewReader(nil), "/tmp/x", func(context.Context, int) error {
		time.AfterFunc(20*time.Millisecond, cancel)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Aborted, res.State)
}

func TestHandshakeClientDisconnects(t *testing.T) {
	sender := NewSender(SenderConfig{Host: "127.0.0.1"})

	var wg sync.WaitGroup
	res, err := sender.Send(context.Background(), bytes.NewReader([]byte("data")), "/tmp/x", func(ctx context.Context, port int) error {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				return
			}
			_, _ = wire.LengthPrefixed{}.ReadMessage(conn)
			_ = conn.Close()
		}()
		return nil
	})
	wg.Wait()

	assert.Error(t, err)
	assert.Equal(t, Aborted, res.State)
	assert.Zero(t, res.Bytes)
}

func reflectName(c wire.Codec) string {
	switch c.(type) {
	case wire.Raw:
		return "raw"
	default:
		return "length"
	}
}
