package bus

import (
	"context"
	"fmt"

	"github.com/marmos91/imgpull/internal/logger"
)

// Handler processes one request body taken from a service inbox.
//
// The returned reply is sent to TagMain unless stop is true, in which case
// the serving loop ends without replying. A non-nil error is a transport
// failure and ends the loop.
type Handler interface {
	Handle(ctx context.Context, body string) (reply string, stop bool, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body string) (string, bool, error)

func (f HandlerFunc) Handle(ctx context.Context, body string) (string, bool, error) {
	return f(ctx, body)
}

// Serve runs the receive, handle, reply loop for one service tag.
//
// Requests are handled strictly one at a time in arrival order. Serve returns
// nil when the handler asks to stop, ctx.Err() on cancellation, and the bus
// error (typically ErrClosed) when the bus goes away.
func Serve(ctx context.Context, b Bus, tag Tag, h Handler) error {
	for {
		body, err := b.Receive(ctx, tag)
		if err != nil {
			return err
		}
		logger.Debug("[%s] request: %q", tag, body)

		reply, stop, err := h.Handle(ctx, body)
		if err != nil {
			return fmt.Errorf("%s handler: %w", tag, err)
		}
		if stop {
			logger.Info("[%s] stop requested", tag)
			return nil
		}

		if err := b.Send(ctx, TagMain, Fit(reply, b.MaxMessageSize())); err != nil {
			return fmt.Errorf("%s reply: %w", tag, err)
		}
	}
}
