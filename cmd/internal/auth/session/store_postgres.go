package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over the sessions table. The pool is owned
// by the caller.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore creates a Postgres-backed session store in schema.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = identity.DefaultSchema
	}
	if !identity.ValidIdentifier(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier")
	}
	return &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{schema, "sessions"}.Sanitize(),
	}, nil
}

const rowColumns = `id, user_id, refresh_token_hash,
			created_at, last_used_at, expires_at, revoked_at,
			replaced_by_session_id, platform`

func scanRow(r pgx.Row) (Row, error) {
	var (
		row      Row
		platform string
	)
	err := r.Scan(
		&row.ID,
		&row.UserID,
		&row.RefreshTokenHash,
		&row.CreatedAt,
		&row.LastUsedAt,
		&row.ExpiresAt,
		&row.RevokedAt,
		&row.ReplacedBySessionID,
		&platform,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}
	row.Platform = Platform(platform)
	return row, nil
}

// insert runs on tx when non-nil, on the pool otherwise.
func (s *PostgresStore) insert(ctx context.Context, tx pgx.Tx, in NewSession) (Row, error) {
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Row{}, err
	}

	var ip any
	if in.Device.IP != nil {
		ip = in.Device.IP.String()
	}
	platform := in.Device.Platform
	if platform == "" {
		platform = PlatformUnknown
	}

	sql := `INSERT INTO ` + s.table + ` (
			id, user_id, refresh_token_hash,
			created_at, last_used_at, expires_at,
			user_agent, ip, platform
		) VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8)
		RETURNING ` + rowColumns
	args := []any{id, in.UserID, in.RefreshHash, in.Now, in.ExpiresAt, nullIfEmpty(in.Device.UserAgent), ip, string(platform)}

	if tx != nil {
		return scanRow(tx.QueryRow(ctx, sql, args...))
	}
	return scanRow(s.pool.QueryRow(ctx, sql, args...))
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, in NewSession) (Row, error) {
	return s.insert(ctx, nil, in)
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	return scanRow(s.pool.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+s.table+` WHERE id = $1`, sessionID))
}

// Rotate locks the row by refresh hash (SELECT ... FOR UPDATE) so that
// concurrent refreshes of the same token serialize.
func (s *PostgresStore) Rotate(ctx context.Context, refreshHash string, next NewSession) (Row, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Row{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+s.table+` WHERE refresh_token_hash = $1 FOR UPDATE`, refreshHash))
	if err != nil {
		return Row{}, err
	}

	if err := classifyForRotation(old, next.Now); err != nil {
		if !errors.Is(err, ErrRefreshReuseDetected) {
			return Row{}, err
		}
		if _, rerr := tx.Exec(ctx, `
			UPDATE `+s.table+`
			SET revoked_at = COALESCE(revoked_at, $2),
			    revocation_reason = COALESCE(revocation_reason, 'reuse_detected')
			WHERE user_id = $1
		`, old.UserID, next.Now); rerr != nil {
			return Row{}, rerr
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return Row{}, cerr
		}
		return old, err
	}

	next.UserID = old.UserID
	row, err := s.insert(ctx, tx, next)
	if err != nil {
		return Row{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE `+s.table+`
		SET last_used_at = $2,
		    revoked_at = $2,
		    replaced_by_session_id = $3,
		    revocation_reason = 'rotation'
		WHERE id = $1
	`, old.ID, next.Now, row.ID); err != nil {
		return Row{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Row{}, err
	}
	return row, nil
}

// Touch updates last_used_at for a session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+s.table+` SET last_used_at = $2 WHERE id = $1`, sessionID, now)
	return err
}

// Revoke revokes a single session (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, sessionID, now, reason)
	return err
}

// RevokeAll revokes all sessions for a user (idempotent).
func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE user_id = $1
	`, userID, now, reason)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
