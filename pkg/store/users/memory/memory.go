// Package memory provides an in-process user store, used by tests and by
// deployments that do not need records to survive a restart.
package memory

import (
	"context"
	"sync"

	"github.com/marmos91/imgpull/pkg/store/users"
)

// MemoryUserStore keeps records in insertion order.
type MemoryUserStore struct {
	mu      sync.RWMutex
	records []users.User
	index   map[string]int
}

// NewMemoryUserStore returns a store holding a copy of initial.
func NewMemoryUserStore(initial ...users.User) (*MemoryUserStore, error) {
	s := &MemoryUserStore{index: make(map[string]int)}
	for _, u := range initial {
		if err := s.Create(context.Background(), u); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MemoryUserStore) Get(ctx context.Context, name string) (*users.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[name]
	if !ok {
		return nil, users.NotFound(name)
	}
	u := s.records[i]
	return &u, nil
}

func (s *MemoryUserStore) List(ctx context.Context) ([]users.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]users.User, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *MemoryUserStore) Create(ctx context.Context, u users.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := users.Validate(u); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[u.Name]; ok {
		return users.AlreadyExists(u.Name)
	}
	s.index[u.Name] = len(s.records)
	s.records = append(s.records, u)
	return nil
}

func (s *MemoryUserStore) Update(ctx context.Context, name string, fn func(*users.User) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[name]
	if !ok {
		return users.NotFound(name)
	}
	updated := s.records[i]
	if err := fn(&updated); err != nil {
		return err
	}
	updated.Name = name
	if err := users.Validate(updated); err != nil {
		return err
	}
	s.records[i] = updated
	return nil
}

func (s *MemoryUserStore) Close() error {
	return nil
}
