// Package users defines the persistence contract for user records.
//
// The auth service is the only writer on the service path. Every mutation
// goes through Update, which applies a read-modify-write on one record
// atomically, so a crash can never leave a half-written record behind.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// User is the persisted record of one account.
//
// Password is compared as an opaque string and is never returned to clients.
type User struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Strikes  int    `json:"strikes"`
	Banned   bool   `json:"banned"`
}

// Store is implemented by every user record backend.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record for name or a StoreError with ErrNotFound.
	Get(ctx context.Context, name string) (*User, error)

	// List returns every record in a stable order.
	List(ctx context.Context) ([]User, error)

	// Create adds a new record. It fails with ErrAlreadyExists if the name
	// is taken.
	Create(ctx context.Context, user User) error

	// Update loads the record for name, passes it to fn and persists the
	// result as one atomic replace. If fn returns an error nothing is
	// written and the error is returned unchanged.
	Update(ctx context.Context, name string, fn func(*User) error) error

	// Close releases the backend.
	Close() error
}

// ErrorCode classifies StoreError values.
type ErrorCode int

const (
	// ErrNotFound means no record exists for the name.
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists means Create found an existing record.
	ErrAlreadyExists

	// ErrInvalidRecord means the record cannot be stored by this backend.
	ErrInvalidRecord
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "not found"
	case ErrAlreadyExists:
		return "already exists"
	case ErrInvalidRecord:
		return "invalid record"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// StoreError is a domain error returned by Store implementations.
type StoreError struct {
	Code    ErrorCode
	Message string
	Name    string
}

func (e *StoreError) Error() string {
	if e.Name != "" {
		return e.Message + ": " + e.Name
	}
	return e.Message
}

// IsCode reports whether err is a StoreError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.Code == code
}

// NotFound builds the ErrNotFound error for name.
func NotFound(name string) error {
	return &StoreError{Code: ErrNotFound, Message: "user not found", Name: name}
}

// AlreadyExists builds the ErrAlreadyExists error for name.
func AlreadyExists(name string) error {
	return &StoreError{Code: ErrAlreadyExists, Message: "user already exists", Name: name}
}

// Validate checks the fields every backend relies on. Names and passwords
// may not be empty or contain whitespace since the command grammar splits on
// it and the text backend stores one record per line.
func Validate(u User) error {
	if u.Name == "" || strings.ContainsFunc(u.Name, isSpace) {
		return &StoreError{Code: ErrInvalidRecord, Message: "invalid user name", Name: u.Name}
	}
	if u.Password == "" || strings.ContainsFunc(u.Password, isSpace) {
		return &StoreError{Code: ErrInvalidRecord, Message: "invalid password", Name: u.Name}
	}
	if u.Strikes < 0 {
		return &StoreError{Code: ErrInvalidRecord, Message: "negative strike count", Name: u.Name}
	}
	return nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

// DefaultUsers returns the records a fresh installation is seeded with.
func DefaultUsers() []User {
	return []User{
		{Name: "usuario", Password: "1234"},
		{Name: "admin", Password: "admin"},
		{Name: "alumno", Password: "alu1234"},
		{Name: "seba", Password: "1234"},
		{Name: "client", Password: "client"},
	}
}

// Seed creates every record in records that does not exist yet and returns
// how many were added.
func Seed(ctx context.Context, s Store, records []User) (int, error) {
	added := 0
	for _, u := range records {
		err := s.Create(ctx, u)
		switch {
		case err == nil:
			added++
		case IsCode(err, ErrAlreadyExists):
		default:
			return added, fmt.Errorf("seed %s: %w", u.Name, err)
		}
	}
	return added, nil
}
