package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imgpull/pkg/adapter"
	"github.com/marmos91/imgpull/pkg/bus"
)

// fakeAdapter blocks in Serve until stopped or told to exit. It ignores the
// context so that the server has to stop it explicitly.
type fakeAdapter struct {
	protocol string
	port     int

	exit     chan error
	stopped  chan struct{}
	stopOnce sync.Once
	order    *[]string
	mu       *sync.Mutex
}

func newFake(protocol string, port int, order *[]string, mu *sync.Mutex) *fakeAdapter {
	return &fakeAdapter{
		protocol: protocol,
		port:     port,
		exit:     make(chan error, 1),
		stopped:  make(chan struct{}),
		order:    order,
		mu:       mu,
	}
}

func (f *fakeAdapter) Serve(context.Context) error {
	select {
	case <-f.stopped:
		return nil
	case err := <-f.exit:
		return err
	}
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.stopOnce.Do(func() {
		if f.mu != nil {
			f.mu.Lock()
			*f.order = append(*f.order, f.protocol)
			f.mu.Unlock()
		}
		close(f.stopped)
	})
	return nil
}

func (f *fakeAdapter) Protocol() string { return f.protocol }
func (f *fakeAdapter) Port() int        { return f.port }

var _ adapter.Adapter = (*fakeAdapter)(nil)

func serveAsync(ctx context.Context, s *Server) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestAddAdapter(t *testing.T) {
	t.Run("DuplicateProtocol", func(t *testing.T) {
		s := New(bus.NewMemoryBus(0), 0)
		require.NoError(t, s.AddAdapter(newFake("AUTH", 0, nil, nil)))
		assert.Error(t, s.AddAdapter(newFake("AUTH", 0, nil, nil)))
	})

	t.Run("PortConflict", func(t *testing.T) {
		s := New(bus.NewMemoryBus(0), 0)
		require.NoError(t, s.AddAdapter(newFake("ROUTER", 37777, nil, nil)))
		err := s.AddAdapter(newFake("BUS", 37777, nil, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "port 37777")
	})

	t.Run("PortZeroNeverConflicts", func(t *testing.T) {
		s := New(bus.NewMemoryBus(0), 0)
		require.NoError(t, s.AddAdapter(newFake("AUTH", 0, nil, nil)))
		require.NoError(t, s.AddAdapter(newFake("FILE", 0, nil, nil)))
		assert.Len(t, s.Adapters(), 2)
	})

	t.Run("NilPanics", func(t *testing.T) {
		s := New(bus.NewMemoryBus(0), 0)
		assert.Panics(t, func() { _ = s.AddAdapter(nil) })
	})

	t.Run("NilBusPanics", func(t *testing.T) {
		assert.Panics(t, func() { New(nil, 0) })
	})
}

func TestServe(t *testing.T) {
	t.Run("NoAdapters", func(t *testing.T) {
		s := New(bus.NewMemoryBus(0), 0)
		assert.Error(t, s.Serve(context.Background()))
	})

	t.Run("ContextStopsInReverseOrder", func(t *testing.T) {
		var (
			order []string
			mu    sync.Mutex
		)
		b := bus.NewMemoryBus(0)
		s := New(b, time.Second)
		for _, name := range []string{"AUTH", "FILE", "ROUTER"} {
			require.NoError(t, s.AddAdapter(newFake(name, 0, &order, &mu)))
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := serveAsync(ctx, s)
		cancel()

		err := waitResult(t, done)
		assert.ErrorIs(t, err, context.Canceled)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"ROUTER", "FILE", "AUTH"}, order)

		select {
		case <-b.Done():
		default:
			t.Error("expected the bus to be closed")
		}
	})

	t.Run("AdapterFailureStopsOthers", func(t *testing.T) {
		b := bus.NewMemoryBus(0)
		s := New(b, time.Second)
		failing := newFake("ROUTER", 37777, nil, nil)
		other := newFake("AUTH", 0, nil, nil)
		require.NoError(t, s.AddAdapter(other))
		require.NoError(t, s.AddAdapter(failing))

		done := serveAsync(context.Background(), s)
		boom := errors.New("address already in use")
		failing.exit <- boom

		err := waitResult(t, done)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "ROUTER")

		select {
		case <-other.stopped:
		default:
			t.Error("expected the other adapter to be stopped")
		}
	})

	t.Run("AllFinishOnTheirOwn", func(t *testing.T) {
		s := New(bus.NewMemoryBus(0), time.Second)
		auth := newFake("AUTH", 0, nil, nil)
		require.NoError(t, s.AddAdapter(auth))

		done := serveAsync(context.Background(), s)
		auth.exit <- nil

		assert.NoError(t, waitResult(t, done))
	})

	t.Run("ServeTwicePanics", func(t *testing.T) {
		s := New(bus.NewMemoryBus(0), time.Second)
		auth := newFake("AUTH", 0, nil, nil)
		require.NoError(t, s.AddAdapter(auth))
		auth.exit <- nil
		require.NoError(t, s.Serve(context.Background()))

		assert.Panics(t, func() { _ = s.Serve(context.Background()) })
		assert.Panics(t, func() { _ = s.AddAdapter(newFake("FILE", 0, nil, nil)) })
	})
}
