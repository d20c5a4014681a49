package conversation

import (
	"context"
	"fmt"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore appends to <schema>.messages. The pool is owned by the caller.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("conversation: nil pool")
	}
	if schema == "" {
		schema = identity.DefaultSchema
	}
	if !identity.ValidIdentifier(schema) {
		return nil, fmt.Errorf("conversation: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, table: pgx.Identifier{schema, "messages"}.Sanitize()}, nil
}

// AppendUserMessage implements Store.
func (s *PostgresStore) AppendUserMessage(ctx context.Context, userID, content string) (Message, error) {
	return s.append(ctx, userID, content, true)
}

// AppendAssistantMessage implements Store.
func (s *PostgresStore) AppendAssistantMessage(ctx context.Context, userID, content string) (Message, error) {
	return s.append(ctx, userID, content, false)
}

func (s *PostgresStore) append(ctx context.Context, userID, content string, isUser bool) (Message, error) {
	if err := validate(userID); err != nil {
		return Message{}, err
	}
	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (id, user_id, content, is_user_message, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, userID, content, isUser, now,
	); err != nil {
		return Message{}, fmt.Errorf("conversation: append: %w", err)
	}
	return Message{ID: id, UserID: userID, Content: content, IsUserMessage: isUser, CreatedAt: now}, nil
}
