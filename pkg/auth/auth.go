// Package auth implements the authentication service: it owns the user
// records and answers the AUTH vocabulary received on the bus.
//
//	AUTH LOG <user> <pass>   log in, resetting the strike count on success
//	AUTH LS                  table of users (never passwords)
//	AUTH PASS <new>          change the password of the logged-in user
//	AUTH KILL                stop the service loop
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/internal/table"
	"github.com/marmos91/imgpull/pkg/store/users"
)

// Verb is the first word of every request addressed to the service.
const Verb = "AUTH"

// DefaultMaxPasswordLength is the longest password PASS accepts by default.
const DefaultMaxPasswordLength = 15

// Replies sent to the router.
const (
	// FailurePrefix starts every rejected login reply. The router matches
	// on it to count strikes.
	FailurePrefix = "[SERVER_AUTH]: incorrect"

	replyLoginFailed   = "[SERVER_AUTH]: incorrect user and/or password, try again\n"
	replyWelcome       = "[SERVER_AUTH]: welcome back %s!\n"
	replyPasswordError = "[SERVER_AUTH]: ERROR changing password (maybe too long)\n"
	replyPasswordOK    = "[SERVER_AUTH]: password successfully changed\n"
	replyListError     = "[SERVER_AUTH]: ERROR reading user list\n"
	replyWrongAddress  = "[SERVER_AUTH] who was THAT for???\n"
)

// Config configures the service.
type Config struct {
	// MaxPasswordLength bounds PASS. Default: 15.
	MaxPasswordLength int

	// Escalation is applied to a record on password mismatch.
	// Default: NoEscalation.
	Escalation EscalationPolicy
}

func (c *Config) applyDefaults() {
	if c.MaxPasswordLength <= 0 {
		c.MaxPasswordLength = DefaultMaxPasswordLength
	}
	if c.Escalation == nil {
		c.Escalation = NoEscalation{}
	}
}

// Service answers AUTH requests one at a time. It implements bus.Handler.
//
// The service remembers the last successfully authenticated user; PASS always
// targets that user. The router guarantees a session is authenticated before
// it forwards PASS.
type Service struct {
	store  users.Store
	config Config

	current string
}

// New creates the service on top of store.
func New(store users.Store, config Config) *Service {
	if store == nil {
		panic("auth: user store cannot be nil")
	}
	config.applyDefaults()
	return &Service{store: store, config: config}
}

// CurrentUser returns the name of the logged-in user, or "".
func (s *Service) CurrentUser() string {
	return s.current
}

// Handle processes one request body. Store failures are reported to the
// client as domain errors and never stop the loop.
func (s *Service) Handle(ctx context.Context, body string) (string, bool, error) {
	args := strings.Fields(body)
	if len(args) < 2 || args[0] != Verb {
		logger.Warn("Auth service received a request for someone else: %q", body)
		return replyWrongAddress, false, nil
	}

	switch args[1] {
	case "LOG":
		return s.login(ctx, args[2:]), false, nil
	case "LS":
		return s.list(ctx), false, nil
	case "PASS":
		return s.changePassword(ctx, args[2:]), false, nil
	case "KILL":
		logger.Info("Auth service exiting")
		return "", true, nil
	default:
		logger.Warn("Auth service received unknown request: %q", body)
		return replyWrongAddress, false, nil
	}
}

func (s *Service) login(ctx context.Context, args []string) string {
	s.current = ""
	if len(args) != 2 {
		return replyLoginFailed
	}
	name, password := args[0], args[1]

	var (
		accepted bool
		banned   bool
	)
	err := s.store.Update(ctx, name, func(u *users.User) error {
		if u.Banned {
			banned = true
			return errUnchanged
		}
		if u.Password == password {
			accepted = true
			if u.Strikes == 0 {
				return errUnchanged
			}
			u.Strikes = 0
			return nil
		}
		if !s.config.Escalation.OnFailure(u) {
			return errUnchanged
		}
		if u.Banned {
			logger.Info("User %q is now banned after %d strikes", u.Name, u.Strikes)
		}
		return nil
	})

	switch {
	case err == nil, errors.Is(err, errUnchanged):
	case users.IsCode(err, users.ErrNotFound):
		logger.Info("Login for unknown user %q", name)
		return replyLoginFailed
	default:
		logger.Error("Login for %q failed on the user store: %v", name, err)
		return replyLoginFailed
	}

	if banned {
		logger.Info("User %q tried to log in but is banned", name)
		return replyLoginFailed
	}
	if !accepted {
		logger.Info("User %q entered a wrong password", name)
		return replyLoginFailed
	}

	s.current = name
	logger.Info("User %q logged in", name)
	return fmt.Sprintf(replyWelcome, name)
}

func (s *Service) list(ctx context.Context) string {
	records, err := s.store.List(ctx)
	if err != nil {
		logger.Error("Listing users failed: %v", err)
		return replyListError
	}

	rows := make([][]string, 0, len(records))
	for _, u := range records {
		banned := "0"
		if u.Banned {
			banned = "1"
		}
		rows = append(rows, []string{u.Name, strconv.Itoa(u.Strikes), banned})
	}
	return "> user list:\n" + table.Render([]string{"name", "strikes", "banned"}, rows) + "\n"
}

func (s *Service) changePassword(ctx context.Context, args []string) string {
	if len(args) != 1 || s.current == "" {
		return replyPasswordError
	}
	password := args[0]
	if len(password) > s.config.MaxPasswordLength {
		logger.Debug("Rejected new password for %q: %d chars exceeds %d", s.current, len(password), s.config.MaxPasswordLength)
		return replyPasswordError
	}

	err := s.store.Update(ctx, s.current, func(u *users.User) error {
		u.Password = password
		return nil
	})
	if err != nil {
		logger.Error("Changing password of %q failed: %v", s.current, err)
		return replyPasswordError
	}
	logger.Info("User %q changed their password", s.current)
	return replyPasswordOK
}

// errUnchanged aborts an Update without writing when the record stays as is.
var errUnchanged = errors.New("auth: record unchanged")
