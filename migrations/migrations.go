// Package migrations embeds the Postgres schema and applies it in order.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Names returns the embedded migration file names in apply order.
func Names() ([]string, error) {
	entries, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	return entries, nil
}

// Render returns the SQL of migration name with the schema placeholder
// replaced by the quoted schema identifier.
func Render(name, schema string) (string, error) {
	if !identRe.MatchString(schema) {
		return "", fmt.Errorf("migrations: invalid schema identifier %q", schema)
	}
	raw, err := files.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(raw), "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// Apply runs every migration not yet recorded in <schema>.schema_migrations.
// Each file runs in its own transaction.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) ([]string, error) {
	if pool == nil {
		return nil, fmt.Errorf("migrations: nil pool")
	}
	if !identRe.MatchString(schema) {
		return nil, fmt.Errorf("migrations: invalid schema identifier %q", schema)
	}

	quoted := pgx.Identifier{schema}.Sanitize()
	table := pgx.Identifier{schema, "schema_migrations"}.Sanitize()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoted); err != nil {
		return nil, fmt.Errorf("migrations: create schema: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return nil, fmt.Errorf("migrations: create ledger: %w", err)
	}

	names, err := Names()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range names {
		var exists bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE name = $1)`, name,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("migrations: check %s: %w", name, err)
		}
		if exists {
			continue
		}

		sql, err := Render(name, schema)
		if err != nil {
			return applied, err
		}

		if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO `+table+` (name) VALUES ($1)`, name)
			return err
		}); err != nil {
			return applied, fmt.Errorf("migrations: apply %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}
