package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Remote is a Bus reached through a Broker socket.
//
// Calls are serialized on a single connection. A call interrupted by its
// context leaves the stream in an unknown state, so the Remote closes itself
// and every later call fails with ErrClosed.
type Remote struct {
	conn    net.Conn
	maxSize int

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to a broker and negotiates the message size limit.
func Dial(ctx context.Context, network, address string) (*Remote, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("connect to bus %s %s: %w", network, address, err)
	}

	r := &Remote{conn: conn, closed: make(chan struct{})}
	resp, err := r.call(ctx, &envelope{Op: opHello})
	if err != nil {
		return nil, fmt.Errorf("bus handshake: %w", err)
	}
	size, err := strconv.Atoi(resp.Body)
	if err != nil || size <= 0 {
		_ = r.Close()
		return nil, fmt.Errorf("bus handshake: invalid message size %q", resp.Body)
	}
	r.maxSize = size
	return r, nil
}

func (r *Remote) MaxMessageSize() int {
	return r.maxSize
}

func (r *Remote) Send(ctx context.Context, tag Tag, body string) error {
	if !tag.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTag, uint32(tag))
	}
	if len(body) > r.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(body), r.maxSize)
	}
	_, err := r.call(ctx, &envelope{Op: opSend, Tag: uint32(tag), Body: body})
	return err
}

func (r *Remote) Receive(ctx context.Context, tag Tag) (string, error) {
	if !tag.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidTag, uint32(tag))
	}
	resp, err := r.call(ctx, &envelope{Op: opReceive, Tag: uint32(tag)})
	if err != nil {
		return "", err
	}
	if resp.Op != opMessage {
		return "", fmt.Errorf("bus: unexpected reply op %d to receive", resp.Op)
	}
	return resp.Body, nil
}

func (r *Remote) call(ctx context.Context, req *envelope) (*envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := writeFrame(r.conn, req); err != nil {
		return nil, r.fail(ctx, err)
	}
	resp, err := readFrame(r.conn)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	if resp.Op == opError {
		err := frameError(resp)
		if errors.Is(err, ErrClosed) {
			_ = r.Close()
		}
		return nil, err
	}
	return resp, nil
}

func (r *Remote) fail(ctx context.Context, err error) error {
	_ = r.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

// Close drops the connection to the broker.
func (r *Remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.conn.Close()
	})
	return err
}
