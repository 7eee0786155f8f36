package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/bus"
)

// Service runs a bus.Handler as an Adapter: it drains one tag of the bus
// until the handler asks to stop, the bus goes away, or Stop is called.
type Service struct {
	name    string
	bus     bus.Bus
	tag     bus.Tag
	handler bus.Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

// NewService wires handler to the inbox of tag on b.
func NewService(name string, b bus.Bus, tag bus.Tag, handler bus.Handler) *Service {
	if b == nil || handler == nil {
		panic("adapter: service requires a bus and a handler")
	}
	return &Service{
		name:    name,
		bus:     b,
		tag:     tag,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Serve returns nil after a KILL request or Stop, ctx.Err() on cancellation
// and the bus error otherwise. bus.ErrClosed is always an error: a service
// whose bus is torn down must exit non-zero.
func (s *Service) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	defer close(s.done)
	defer s.cancel()

	logger.Info("%s service waiting for requests on %s", s.name, s.tag)
	err := bus.Serve(ctx, s.bus, s.tag, s.handler)

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels the serving loop and waits for it to return.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Protocol() string { return s.name }

func (s *Service) Port() int { return 0 }
