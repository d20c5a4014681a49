// Package llm is the Completion Provider boundary: an ordered list of
// role-tagged messages goes out, text comes back either as a stream of
// fragments or as one completed body.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role is the wire role of a message sent upstream.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged turn sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries the conversation plus sampling parameters. Sampling is
// always set by the server, never by clients.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSON asks for a single JSON object body (response_format json_object).
	JSON bool
}

// Stream yields fragments in the order the provider emits them.
//
// Recv returns io.EOF after the provider's explicit end signal. Any other
// error means the stream ended abnormally. Close is safe to call more than
// once and releases the underlying connection.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider is a completion backend. Implementations are safe for concurrent
// use and hold no per-request state.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (string, error)
}

var (
	// ErrNotConfigured means no API key is available; callers report it as
	// service unavailable.
	ErrNotConfigured = errors.New("llm: provider not configured")
	// ErrTruncated means the connection ended before the end signal.
	ErrTruncated = errors.New("llm: stream ended without terminator")
	// ErrEmptyCompletion means a non-streaming call returned no content.
	ErrEmptyCompletion = errors.New("llm: empty completion")
)

const maxErrorBody = 512

// HTTPError is a non-2xx answer from the provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm: upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("llm: upstream status %d: %s", e.StatusCode, e.Body)
}

// APIError is an error object delivered inside an otherwise successful
// stream.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return "llm: upstream error " + e.Code + ": " + e.Message
	}
	return "llm: upstream error: " + e.Message
}
