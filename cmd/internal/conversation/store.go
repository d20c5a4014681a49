// Package conversation is the append-only transcript of chat turns, keyed
// by user id. The relay only writes; nothing in the request path reads it
// back.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Message is one persisted chat turn.
type Message struct {
	ID            string
	UserID        string
	Content       string
	IsUserMessage bool
	CreatedAt     time.Time
}

// Store appends chat turns.
type Store interface {
	AppendUserMessage(ctx context.Context, userID, content string) (Message, error)
	AppendAssistantMessage(ctx context.Context, userID, content string) (Message, error)
}

// ErrInvalidMessage is returned for a missing user id.
var ErrInvalidMessage = errors.New("conversation: invalid message")

func validate(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidMessage
	}
	return nil
}
