package conversation

import (
	"context"
	"sync"
	"time"

	"gabriel/cmd/identity/ids"
)

// MemoryStore keeps transcripts in process.
type MemoryStore struct {
	mu     sync.Mutex
	byUser map[string][]Message
	now    func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byUser: make(map[string][]Message), now: time.Now}
}

// AppendUserMessage implements Store.
func (s *MemoryStore) AppendUserMessage(ctx context.Context, userID, content string) (Message, error) {
	return s.append(ctx, userID, content, true)
}

// AppendAssistantMessage implements Store.
func (s *MemoryStore) AppendAssistantMessage(ctx context.Context, userID, content string) (Message, error) {
	return s.append(ctx, userID, content, false)
}

func (s *MemoryStore) append(ctx context.Context, userID, content string, isUser bool) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := validate(userID); err != nil {
		return Message{}, err
	}
	now := s.now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}
	m := Message{ID: id, UserID: userID, Content: content, IsUserMessage: isUser, CreatedAt: now}

	s.mu.Lock()
	s.byUser[userID] = append(s.byUser[userID], m)
	s.mu.Unlock()
	return m, nil
}

// Messages returns a copy of userID's transcript in append order.
func (s *MemoryStore) Messages(userID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.byUser[userID]...)
}
