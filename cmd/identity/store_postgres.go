package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pool is owned by the caller; this store never closes it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultSchema is the schema used when WithSchema is not given.
const DefaultSchema = "gabriel"

// WithSchema sets the Postgres schema holding the users table.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !ValidIdentifier(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const userColumns = `id, email, name, role, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, extra ...any) (User, error) {
	var (
		u    User
		role string
	)
	dest := append([]any{&u.ID, &u.Email, &u.Name, &role, &u.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return User{}, err
	}
	u.Role = Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// CreateUser inserts a new account.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	in, email, hash, err := prepareCreate(op, in)
	if err != nil {
		return User{}, err
	}

	id, err := NewULID(in.Now)
	if err != nil {
		return User{}, err
	}

	users := pgIdent(s.schema, "users")
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+users+` (id, email, email_norm, name, role, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING `+userColumns,
		id, strings.TrimSpace(in.Email), email, in.Name, string(in.Role), hash, in.Now,
	)
	u, err := scanUser(row)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}
	return u, nil
}

// GetUserByID returns the user with id.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetUserByID"
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, invalid(op, "missing user_id")
	}

	users := pgIdent(s.schema, "users")
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, err
	}
	return u, nil
}

// GetUserAuthByEmail looks up an account by normalized email.
func (s *PostgresStore) GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error) {
	const op = "identity.GetUserAuthByEmail"
	email = NormalizeEmail(email)
	if email == "" {
		return UserAuth{}, invalid(op, "missing email")
	}

	users := pgIdent(s.schema, "users")
	var hash string
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+`, password_hash FROM `+users+` WHERE email_norm = $1`, email), &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserAuth{}, NotFoundError{Op: op, Resource: "user"}
		}
		return UserAuth{}, err
	}
	return UserAuth{User: u, PasswordHash: hash}, nil
}

// ListUsers returns every account, newest first.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	users := pgIdent(s.schema, "users")
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM `+users+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]User, 0, 16)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateRole sets the role of user id.
func (s *PostgresStore) UpdateRole(ctx context.Context, id string, role Role, now time.Time) (User, error) {
	const op = "identity.UpdateRole"
	if !role.Valid() {
		return User{}, invalid(op, "unknown role")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	users := pgIdent(s.schema, "users")
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE `+users+` SET role = $1, updated_at = $2 WHERE id = $3 RETURNING `+userColumns,
		string(role), now, strings.TrimSpace(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, err
	}
	return u, nil
}

// UpdatePasswordHash replaces the stored hash of user id.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"
	if strings.TrimSpace(hash) == "" {
		return invalid(op, "empty hash")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	users := pgIdent(s.schema, "users")
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET password_hash = $1, updated_at = $2 WHERE id = $3`,
		hash, now, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// ValidIdentifier reports whether s is a plain PostgreSQL identifier.
func ValidIdentifier(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_email_norm", strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
