package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process broker with one FIFO inbox per tag.
//
// Any number of goroutines may send and receive concurrently. A receiver
// waiting on one tag is never woken by traffic on another.
type MemoryBus struct {
	maxSize int

	mu      sync.Mutex
	inboxes map[Tag][]string
	// waiters holds a channel per tag that is closed when a message arrives.
	waiters map[Tag]chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemoryBus creates a bus accepting bodies up to maxSize bytes.
// A non-positive maxSize selects DefaultMaxMessageSize.
func NewMemoryBus(maxSize int) *MemoryBus {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &MemoryBus{
		maxSize: maxSize,
		inboxes: make(map[Tag][]string),
		waiters: make(map[Tag]chan struct{}),
		closed:  make(chan struct{}),
	}
}

// MaxMessageSize returns the largest body Send accepts.
func (b *MemoryBus) MaxMessageSize() int {
	return b.maxSize
}

// Send appends body to the inbox of tag and wakes any receiver waiting on it.
// Send never blocks: inboxes are unbounded.
//
// Returns ErrInvalidTag for an unknown tag, ErrMessageTooLarge when body
// exceeds MaxMessageSize, ErrClosed after Close, or ctx.Err() if ctx is
// already done. Nothing is enqueued on error.
func (b *MemoryBus) Send(ctx context.Context, tag Tag, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !tag.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTag, uint32(tag))
	}
	if len(body) > b.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(body), b.maxSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		return ErrClosed
	}

	b.inboxes[tag] = append(b.inboxes[tag], body)
	if ch, ok := b.waiters[tag]; ok {
		close(ch)
		delete(b.waiters, tag)
	}
	return nil
}

// Receive removes and returns the oldest message for tag, blocking until one
// is available.
//
// Each message is delivered to exactly one receiver. When several goroutines
// wait on the same tag, all are woken by a send and one wins the race for the
// message; the others go back to waiting.
//
// Returns ErrClosed if the bus is torn down before or while waiting, and
// ctx.Err() on cancellation.
func (b *MemoryBus) Receive(ctx context.Context, tag Tag) (string, error) {
	if !tag.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidTag, uint32(tag))
	}

	for {
		b.mu.Lock()
		if b.isClosed() {
			b.mu.Unlock()
			return "", ErrClosed
		}
		if queue := b.inboxes[tag]; len(queue) > 0 {
			body := queue[0]
			queue[0] = ""
			b.inboxes[tag] = queue[1:]
			b.mu.Unlock()
			return body, nil
		}
		ch, ok := b.waiters[tag]
		if !ok {
			ch = make(chan struct{})
			b.waiters[tag] = ch
		}
		b.mu.Unlock()

		select {
		case <-ch:
		case <-b.closed:
			return "", ErrClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Pending returns the number of queued messages for tag.
func (b *MemoryBus) Pending(tag Tag) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inboxes[tag])
}

// Close discards every queued message and fails all current and future
// operations with ErrClosed.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.closed)
		b.inboxes = make(map[Tag][]string)
		b.waiters = make(map[Tag]chan struct{})
		b.mu.Unlock()
	})
	return nil
}

// Done is closed once the bus has been torn down.
func (b *MemoryBus) Done() <-chan struct{} {
	return b.closed
}

func (b *MemoryBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
