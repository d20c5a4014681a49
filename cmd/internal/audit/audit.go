// Package audit records security-relevant events (logins, logouts, role
// changes). Events go to the audit_log table when Postgres is enabled and
// to the structured log otherwise.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event actions.
const (
	LoginSuccess     = "auth.login.success"
	LoginFailed      = "auth.login.failed"
	LoginRateLimited = "auth.login.rate_limited"
	RefreshSuccess   = "auth.refresh.success"
	RefreshReuse     = "auth.refresh.reuse_detected"
	Logout           = "auth.logout"
	LogoutAll        = "auth.logout_all"
	AdminRoleChanged = "admin.user.role_changed"
	InviteCreated    = "admin.invite.created"
	InviteRevoked    = "admin.invite.revoked"
	RegisterSuccess  = "auth.register.success"
	RegisterFailed   = "auth.register.failed"
)

// Event is one audit record. Meta must not contain secrets.
type Event struct {
	Action    string
	UserID    string
	SessionID string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// Sink receives audit events. Record never fails the caller; sinks log
// their own errors.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink writes events to a slog.Logger.
type LogSink struct {
	Log *slog.Logger
}

// Record implements Sink.
func (s LogSink) Record(_ context.Context, ev Event) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{"action", ev.Action}
	if ev.UserID != "" {
		attrs = append(attrs, "user_id", ev.UserID)
	}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	if ev.IP != nil {
		attrs = append(attrs, "ip", ev.IP.String())
	}
	for k, v := range ev.Meta {
		attrs = append(attrs, k, v)
	}
	log.Info("audit.event", attrs...)
}

// PostgresSink appends events to <schema>.audit_log.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table string
	log   *slog.Logger
}

// NewPostgresSink constructs a PostgresSink. The pool is owned by the caller.
func NewPostgresSink(pool *pgxpool.Pool, schema string, log *slog.Logger) (*PostgresSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("audit: nil pool")
	}
	if !identity.ValidIdentifier(schema) {
		return nil, fmt.Errorf("audit: invalid schema identifier")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresSink{
		pool:  pool,
		table: pgx.Identifier{schema, "audit_log"}.Sanitize(),
		log:   log,
	}, nil
}

// Record implements Sink.
func (s *PostgresSink) Record(ctx context.Context, ev Event) {
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	id, err := ids.NewULID(at)
	if err != nil {
		s.log.Error("audit.insert.fail", "err", err, "action", action)
		return
	}

	var ipVal any
	if ev.IP != nil {
		ipVal = ev.IP.String()
	}
	meta := "{}"
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			meta = string(b)
		}
	}

	_, err = s.pool.Exec(context.WithoutCancel(ctx), `
		INSERT INTO `+s.table+` (
			id, action, user_id, session_id, ip, user_agent, meta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, id, action, nilIfEmpty(ev.UserID), nilIfEmpty(ev.SessionID), ipVal, nilIfEmpty(strings.TrimSpace(ev.UserAgent)), meta, at)
	if err != nil {
		s.log.Error("audit.insert.fail", "err", err, "action", action)
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recorder is an in-memory Sink for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (r *Recorder) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Actions returns the recorded actions in order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}
