package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is one immutable entry in a user's conversation log.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists per-user conversation history with a bounded retention cap.
//
// Append assigns the next sequence for the user and trims everything older than
// the retention cap in the same atomic unit. Recent returns up to limit of the
// newest messages ordered oldest-first.
type Store interface {
	Append(ctx context.Context, userID string, role Role, text string) (int64, error)
	Recent(ctx context.Context, userID string, limit int) ([]Message, error)
	Count(ctx context.Context, userID string) (int, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

var (
	// ErrStoreUnavailable marks storage-layer I/O failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidMessage marks appends rejected before any I/O.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvariantViolation marks retention or ordering bugs detected at runtime.
	ErrInvariantViolation = errors.New("invariant violation")
)

// StoreError wraps a backend failure for a single operation.
type StoreError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// InvariantError reports a retention or ordering violation for one user.
type InvariantError struct {
	UserID string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation for user %q: %s", e.UserID, e.Detail)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariantViolation }

func unavailable(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var inv *InvariantError
	if errors.As(err, &inv) {
		return err
	}
	return &StoreError{Op: op, Backend: backend, Err: err}
}

func validateAppend(userID string, role Role, text string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidMessage)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, role)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidMessage)
	}
	return nil
}

func checkRetained(userID string, count, maxMemory int) error {
	if count > maxMemory {
		return &InvariantError{
			UserID: userID,
			Detail: fmt.Sprintf("%d messages retained, cap is %d", count, maxMemory),
		}
	}
	return nil
}

// CheckOrdered verifies that msgs are in strictly increasing sequence order.
func CheckOrdered(userID string, msgs []Message) error {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Sequence <= msgs[i-1].Sequence {
			return &InvariantError{
				UserID: userID,
				Detail: fmt.Sprintf("sequence %d follows %d", msgs[i].Sequence, msgs[i-1].Sequence),
			}
		}
	}
	return nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
