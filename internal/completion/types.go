package completion

import (
	"context"
	"errors"
	"fmt"
)

// Role of a prompt message as understood by completion providers.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a prompt.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"content"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
}

// Response carries the assistant reply.
type Response struct {
	Text     string
	Model    string
	Provider string
}

// Client produces one assistant reply for a prompt.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Provider() string
}

// ErrCompletionFailure marks any failed completion, including empty replies.
var ErrCompletionFailure = errors.New("completion failure")

// errEmptyReply is returned when a provider answers without any text.
var errEmptyReply = errors.New("empty reply")

// Error describes a failed provider call.
type Error struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s completion status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s completion: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrCompletionFailure }

func failure(provider string, status int, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Provider: provider, StatusCode: status, Err: err}
}
