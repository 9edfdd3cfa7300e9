// Package llm streams chat completions from language model providers.
//
// Every provider exposes the same pull-style TokenStream so the cascaded
// pipeline can forward tokens to the sentence chunker as they arrive and
// cancel a turn at any point.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role Role
	Text string
}

// Request is a streaming completion request.
type Request struct {
	// System is the fixed system instruction.
	System string
	// Messages is the conversation, oldest first.
	Messages []Message

	Temperature float64
	MaxTokens   int
}

// TokenStream yields text deltas until the model ends its turn.
//
//	for s.Next() {
//	    use(s.Token())
//	}
//	if err := s.Err(); err != nil { ... }
type TokenStream interface {
	// Next blocks until a token is available. It returns false at end of
	// turn or on error.
	Next() bool
	Token() string
	Err() error
	Close() error
}

// Provider is implemented by each language model backend.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (TokenStream, error)
}

// ErrEmptyRequest is returned when a request carries no messages.
var ErrEmptyRequest = errors.New("llm: request has no messages")

// Error wraps a provider failure.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
