// Package bus implements the tag-routed message relay that connects the
// session router with the auth and file services.
//
// A message is a bounded text body addressed to a Tag. Receive(tag) only ever
// sees messages sent to that tag, in the order they were sent. Closing a bus
// is destructive: receivers blocked on it and any later sender get ErrClosed,
// which services treat as fatal.
//
// Two implementations are provided:
//   - MemoryBus: an in-process broker with one FIFO inbox per tag
//   - Broker/Remote: the same broker exposed over a unix or TCP socket so the
//     services can run as separate processes
package bus

import (
	"context"
	"errors"
	"fmt"
)

// Tag addresses a message to exactly one component.
type Tag uint32

const (
	// TagMain carries replies back to the session router.
	TagMain Tag = 1
	// TagAuth carries requests for the auth service.
	TagAuth Tag = 5
	// TagFile carries requests for the file service.
	TagFile Tag = 7
)

// DefaultMaxMessageSize is the largest body accepted by default.
const DefaultMaxMessageSize = 1024

func (t Tag) String() string {
	switch t {
	case TagMain:
		return "MAIN"
	case TagAuth:
		return "AUTH"
	case TagFile:
		return "FILE"
	default:
		return fmt.Sprintf("TAG(%d)", uint32(t))
	}
}

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	return t == TagMain || t == TagAuth || t == TagFile
}

var (
	// ErrClosed is returned by every operation on a torn-down bus.
	ErrClosed = errors.New("bus: closed")

	// ErrMessageTooLarge is returned by Send when a body exceeds the limit.
	ErrMessageTooLarge = errors.New("bus: message too large")

	// ErrInvalidTag is returned for tags outside the known set.
	ErrInvalidTag = errors.New("bus: invalid tag")
)

// Bus is the contract shared by the in-memory and socket implementations.
type Bus interface {
	// Send appends body to the inbox of tag. It does not wait for a receiver.
	Send(ctx context.Context, tag Tag, body string) error

	// Receive blocks until a message for tag is available, then removes and
	// returns it. It returns ctx.Err() if ctx ends first and ErrClosed if the
	// bus is torn down while waiting.
	Receive(ctx context.Context, tag Tag) (string, error)

	// MaxMessageSize is the largest body Send accepts.
	MaxMessageSize() int

	// Close tears the bus down. It is safe to call more than once.
	Close() error
}

// Fit shortens body so that it fits in limit bytes, marking the cut.
func Fit(body string, limit int) string {
	if limit <= 0 || len(body) <= limit {
		return body
	}
	const marker = "...\n"
	if limit <= len(marker) {
		return body[:limit]
	}
	return body[:limit-len(marker)] + marker
}
