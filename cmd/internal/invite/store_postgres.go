package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gabriel/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const inviteColumns = `id, COALESCE(created_by, ''), created_at, expires_at, max_uses, used_count, revoked_at, last_used_at, COALESCE(note, '')`

// PostgresStore persists invites in <schema>.invites. The pool is owned by
// the caller.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore constructs a PostgresStore. An empty schema selects
// identity.DefaultSchema.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("invite: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = identity.DefaultSchema
	}
	if !identity.ValidIdentifier(schema) {
		return nil, fmt.Errorf("invite: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, table: pgx.Identifier{schema, "invites"}.Sanitize()}, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Invite, error) {
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.CodeHash) == "" || in.MaxUses <= 0 {
		return Invite{}, ErrInvalidInput
	}
	if len(in.Note) > maxNoteLen {
		return Invite{}, ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (
		     id, code_hash, created_by, created_at, expires_at, max_uses, used_count, note
		   ) VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
		in.ID, in.CodeHash, nilIfEmpty(in.CreatedBy), in.CreatedAt, in.ExpiresAt, in.MaxUses, nilIfEmpty(in.Note),
	)
	if err != nil {
		return Invite{}, fmt.Errorf("invite: create: %w", err)
	}
	return Invite{
		ID:        in.ID,
		CreatedBy: in.CreatedBy,
		CreatedAt: in.CreatedAt,
		ExpiresAt: in.ExpiresAt,
		MaxUses:   in.MaxUses,
		Note:      in.Note,
	}, nil
}

// GetByCodeHash implements Store.
func (s *PostgresStore) GetByCodeHash(ctx context.Context, codeHash string) (Invite, error) {
	if strings.TrimSpace(codeHash) == "" {
		return Invite{}, ErrInvalidInput
	}
	row := s.pool.QueryRow(ctx, `SELECT `+inviteColumns+` FROM `+s.table+` WHERE code_hash = $1`, codeHash)
	inv, err := scanInvite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invite{}, ErrNotFound
	}
	return inv, err
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Invite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+inviteColumns+` FROM `+s.table+` ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("invite: list: %w", err)
	}
	defer rows.Close()

	var out []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("invite: list: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Redeem implements Store. The guarded UPDATE keeps concurrent redemptions
// from exceeding max_uses.
func (s *PostgresStore) Redeem(ctx context.Context, codeHash string, now time.Time) (Invite, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE `+s.table+`
		    SET used_count = used_count + 1,
		        last_used_at = $1
		  WHERE code_hash = $2
		    AND revoked_at IS NULL
		    AND expires_at > $1
		    AND used_count < max_uses
		RETURNING `+inviteColumns,
		now, codeHash,
	)
	inv, err := scanInvite(row)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invite{}, fmt.Errorf("invite: redeem: %w", err)
	}

	if _, err := s.GetByCodeHash(ctx, codeHash); err != nil {
		return Invite{}, err
	}
	return Invite{}, ErrNotActive
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table+` SET used_count = GREATEST(used_count - 1, 0) WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("invite: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke implements Store.
func (s *PostgresStore) Revoke(ctx context.Context, id string, now time.Time) (Invite, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE `+s.table+`
		    SET revoked_at = COALESCE(revoked_at, $2)
		  WHERE id = $1
		RETURNING `+inviteColumns,
		id, now,
	)
	inv, err := scanInvite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invite{}, ErrNotFound
	}
	if err != nil {
		return Invite{}, fmt.Errorf("invite: revoke: %w", err)
	}
	return inv, nil
}

func scanInvite(row pgx.Row) (Invite, error) {
	var inv Invite
	err := row.Scan(
		&inv.ID,
		&inv.CreatedBy,
		&inv.CreatedAt,
		&inv.ExpiresAt,
		&inv.MaxUses,
		&inv.UsedCount,
		&inv.RevokedAt,
		&inv.LastUsedAt,
		&inv.Note,
	)
	return inv, err
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
