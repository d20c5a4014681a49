package counsel

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"gabriel/cmd/internal/llm"
)

// Role is a client-suppliable turn role. System turns exist only upstream.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

var (
	// ErrUnauthenticated is returned when no principal is attached.
	ErrUnauthenticated = errors.New("counsel: unauthenticated")
	// ErrProviderUnavailable is returned when no completion provider is
	// configured.
	ErrProviderUnavailable = errors.New("counsel: completion provider unavailable")
	// ErrIdleTimeout is the cancel cause when the provider goes quiet for
	// longer than the idle timeout.
	ErrIdleTimeout = errors.New("counsel: provider idle timeout")
)

// ValidationError describes a rejected conversation.
type ValidationError struct {
	Index  int // -1 when the list as a whole is invalid
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return "counsel: invalid conversation: " + e.Reason
	}
	return fmt.Sprintf("counsel: invalid turn %d: %s", e.Index, e.Reason)
}

// UpstreamError wraps a provider failure. Delivered reports whether any
// fragment reached the client before it.
type UpstreamError struct {
	Err       error
	Delivered int
}

func (e *UpstreamError) Error() string { return "counsel: upstream: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func validateTurns(turns []Turn, maxTurns, maxChars int) error {
	if len(turns) == 0 {
		return &ValidationError{Index: -1, Reason: "messages are required"}
	}
	if maxTurns > 0 && len(turns) > maxTurns {
		return &ValidationError{Index: -1, Reason: fmt.Sprintf("at most %d messages", maxTurns)}
	}
	for i, t := range turns {
		switch t.Role {
		case RoleUser, RoleAssistant:
		case "system":
			return &ValidationError{Index: i, Reason: "system role is not allowed"}
		default:
			return &ValidationError{Index: i, Reason: fmt.Sprintf("unsupported role %q", t.Role)}
		}
		if strings.TrimSpace(t.Content) == "" {
			return &ValidationError{Index: i, Reason: "content is required"}
		}
		if maxChars > 0 && utf8.RuneCountInString(t.Content) > maxChars {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("content exceeds %d characters", maxChars)}
		}
	}
	return nil
}

// lastUserTurn returns the most recent user turn, if any.
func lastUserTurn(turns []Turn) (Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i], true
		}
	}
	return Turn{}, false
}

// upstreamMessages prepends the system turn to the caller's conversation.
func upstreamMessages(system string, turns []Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}
