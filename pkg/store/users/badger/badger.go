// Package badger implements users.Store on BadgerDB.
//
// Key layout:
//
//	u:<name>   ->  users.User (JSON)
//
// Records are listed in key order, which is name order.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/store/users"
)

const prefixUser = "u:"

func keyUser(name string) []byte {
	return []byte(prefixUser + name)
}

// BadgerUserStoreConfig configures the BadgerDB backend.
type BadgerUserStoreConfig struct {
	// DBPath is the directory holding the database files.
	DBPath string `mapstructure:"db_path" validate:"required"`

	// InMemory runs BadgerDB without touching disk. Used by tests.
	InMemory bool `mapstructure:"in_memory"`
}

// BadgerUserStore implements users.Store using BadgerDB transactions.
type BadgerUserStore struct {
	db *badger.DB
}

// NewBadgerUserStore opens (or creates) the database at cfg.DBPath.
func NewBadgerUserStore(ctx context.Context, cfg BadgerUserStoreConfig) (*BadgerUserStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("badger db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}
	logger.Debug("User store opened (badger, path=%q, in_memory=%v)", cfg.DBPath, cfg.InMemory)
	return &BadgerUserStore{db: db}, nil
}

func (s *BadgerUserStore) Get(ctx context.Context, name string) (*users.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *users.User
	err := s.db.View(func(txn *badger.Txn) error {
		u, err := getUser(txn, name)
		out = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerUserStore) List(ctx context.Context) ([]users.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []users.User
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixUser), PrefetchValues: true, PrefetchSize: 32})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var u users.User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			}); err != nil {
				return fmt.Errorf("decode user %q: %w", it.Item().Key(), err)
			}
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerUserStore) Create(ctx context.Context, u users.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := users.Validate(u); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyUser(u.Name))
		if err == nil {
			return users.AlreadyExists(u.Name)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to get user: %w", err)
		}
		return putUser(txn, u)
	})
}

func (s *BadgerUserStore) Update(ctx context.Context, name string, fn func(*users.User) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			return updateUser(txn, name, fn)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Debug("Retrying update of user %q after transaction conflict", name)
	}
}

func updateUser(txn *badger.Txn, name string, fn func(*users.User) error) error {
	u, err := getUser(txn, name)
	if err != nil {
		return err
	}
	if err := fn(u); err != nil {
		return err
	}
	u.Name = name
	if err := users.Validate(*u); err != nil {
		return err
	}
	return putUser(txn, *u)
}

func (s *BadgerUserStore) Close() error {
	return s.db.Close()
}

func getUser(txn *badger.Txn, name string) (*users.User, error) {
	item, err := txn.Get(keyUser(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, users.NotFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	var u users.User
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &u)
	}); err != nil {
		return nil, fmt.Errorf("decode user %q: %w", name, err)
	}
	return &u, nil
}

func putUser(txn *badger.Txn, u users.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user %q: %w", u.Name, err)
	}
	return txn.Set(keyUser(u.Name), data)
}
