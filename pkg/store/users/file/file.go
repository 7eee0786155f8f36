// Package file stores user records in a plain text file, one record per line:
//
//	<name> <password> <strikes> <banned 0|1>
//
// Every mutation rewrites the whole file into a temporary sibling, syncs it
// and renames it over the original, so readers see either the old or the new
// content.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/store/users"
)

// FileUserStoreConfig configures the text file backend.
type FileUserStoreConfig struct {
	// Path of the record file. It is created on first write.
	Path string `mapstructure:"path" validate:"required"`
}

// FileUserStore implements users.Store on a text file.
type FileUserStore struct {
	path string
	mu   sync.Mutex
}

// NewFileUserStore opens the store, checking that an existing file parses.
func NewFileUserStore(ctx context.Context, cfg FileUserStoreConfig) (*FileUserStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("user file path is required")
	}
	s := &FileUserStore{path: cfg.Path}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileUserStore) Get(ctx context.Context, name string) (*users.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, u := range records {
		if u.Name == name {
			return &u, nil
		}
	}
	return nil, users.NotFound(name)
}

func (s *FileUserStore) List(ctx context.Context) ([]users.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileUserStore) Create(ctx context.Context, u users.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := users.Validate(u); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range records {
		if existing.Name == u.Name {
			return users.AlreadyExists(u.Name)
		}
	}
	return s.save(append(records, u))
}

func (s *FileUserStore) Update(ctx context.Context, name string, fn func(*users.User) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].Name != name {
			continue
		}
		updated := records[i]
		if err := fn(&updated); err != nil {
			return err
		}
		updated.Name = name
		if err := users.Validate(updated); err != nil {
			return err
		}
		records[i] = updated
		logger.Debug("Updating user record %q in %s", name, s.path)
		return s.save(records)
	}
	return users.NotFound(name)
}

func (s *FileUserStore) Close() error {
	return nil
}

// load parses the record file. A missing file is an empty store.
func (s *FileUserStore) load() ([]users.User, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open user database: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []users.User
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		u, err := parseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("user database %s line %d: %w", s.path, line, err)
		}
		records = append(records, u)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read user database: %w", err)
	}
	return records, nil
}

func parseRecord(text string) (users.User, error) {
	fields := strings.Fields(text)
	if len(fields) != 4 {
		return users.User{}, fmt.Errorf("out of format: want 4 fields, got %d", len(fields))
	}
	strikes, err := strconv.Atoi(fields[2])
	if err != nil {
		return users.User{}, fmt.Errorf("invalid strike count %q", fields[2])
	}
	banned, err := strconv.Atoi(fields[3])
	if err != nil || (banned != 0 && banned != 1) {
		return users.User{}, fmt.Errorf("invalid ban flag %q", fields[3])
	}
	return users.User{Name: fields[0], Password: fields[1], Strikes: strikes, Banned: banned == 1}, nil
}

func formatRecord(u users.User) string {
	ban := 0
	if u.Banned {
		ban = 1
	}
	return fmt.Sprintf("%s %s %d %d\n", u.Name, u.Password, u.Strikes, ban)
}

func (s *FileUserStore) save(records []users.User) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create user database directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary user database: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, u := range records {
		if _, err := w.WriteString(formatRecord(u)); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write user database: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write user database: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync user database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close user database: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace user database: %w", err)
	}
	committed = true
	return nil
}
