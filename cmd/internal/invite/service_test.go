package invite

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gabriel/cmd/security/token"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	svc, err := NewService(st, token.NewHasher([]byte("0123456789abcdef0123456789abcdef")), Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, st
}

func TestService_CreateAppliesDefaults(t *testing.T) {
	svc, st := newTestService(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	inv, code, err := svc.Create(context.Background(), CreateInput{CreatedBy: "admin-1", Note: "  youth group  ", Now: now})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(code) < 40 || strings.ContainsAny(code, "+/=") {
		t.Fatalf("code should be unpadded base64url, got %q", code)
	}
	if inv.MaxUses != 1 || !inv.ExpiresAt.Equal(now.Add(7*24*time.Hour)) || inv.Note != "youth group" {
		t.Fatalf("unexpected invite: %+v", inv)
	}

	// Only the digest is persisted.
	if _, err := st.GetByCodeHash(context.Background(), code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("plain code must not be a lookup key, got %v", err)
	}
}

func TestService_CreateRejectsOutOfRange(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []CreateInput{
		{TTL: -time.Hour},
		{TTL: 365 * 24 * time.Hour},
		{MaxUses: -1},
		{MaxUses: 5000},
		{Note: strings.Repeat("n", maxNoteLen+1)},
	}
	for i, in := range cases {
		if _, _, err := svc.Create(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestService_RedeemLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	inv, code, err := svc.Create(ctx, CreateInput{MaxUses: 2, TTL: time.Hour, Now: now})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Redeem(ctx, "not-a-code", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown code: %v", err)
	}
	if _, err := svc.Redeem(ctx, "  ", now); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank code: %v", err)
	}

	got, err := svc.Redeem(ctx, code, now.Add(time.Minute))
	if err != nil || got.UsedCount != 1 || got.LastUsedAt == nil {
		t.Fatalf("first redeem: %+v %v", got, err)
	}
	if err := svc.Release(ctx, inv.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.Redeem(ctx, code, now.Add(time.Minute)); err != nil {
			t.Fatalf("redeem %d: %v", i, err)
		}
	}
	if _, err := svc.Redeem(ctx, code, now.Add(time.Minute)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("exhausted invite: %v", err)
	}

	_, code2, err := svc.Create(ctx, CreateInput{TTL: time.Hour, Now: now})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Redeem(ctx, code2, now.Add(time.Hour)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expired invite: %v", err)
	}
}

func TestService_RevokeIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	inv, code, err := svc.Create(ctx, CreateInput{Now: now})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, err := svc.Revoke(ctx, inv.ID, now.Add(time.Minute))
	if err != nil || first.RevokedAt == nil {
		t.Fatalf("Revoke: %+v %v", first, err)
	}
	second, err := svc.Revoke(ctx, inv.ID, now.Add(time.Hour))
	if err != nil || !second.RevokedAt.Equal(*first.RevokedAt) {
		t.Fatalf("second revoke changed timestamp: %+v %v", second, err)
	}
	if _, err := svc.Redeem(ctx, code, now.Add(2*time.Minute)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("revoked invite: %v", err)
	}
	if _, err := svc.Revoke(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing invite: %v", err)
	}
}

func TestService_ConcurrentRedeemRespectsMaxUses(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, code, err := svc.Create(ctx, CreateInput{MaxUses: 3, Now: now})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Redeem(ctx, code, now); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 3 {
		t.Fatalf("expected exactly 3 redemptions, got %d", ok)
	}
}

func TestService_ListNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	var last string
	for i := 0; i < 3; i++ {
		inv, _, err := svc.Create(ctx, CreateInput{Now: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		last = inv.ID
	}
	got, err := svc.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != last {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("GABRIEL_INVITE_TTL", "48h")
	t.Setenv("GABRIEL_INVITE_MAX_USES", "5")
	cfg := LoadConfigFromEnv()
	if cfg.DefaultTTL != 48*time.Hour || cfg.DefaultMaxUses != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("GABRIEL_INVITE_TTL", "bogus")
	t.Setenv("GABRIEL_INVITE_MAX_USES", "-3")
	if cfg := LoadConfigFromEnv(); cfg != DefaultConfig() {
		t.Fatalf("invalid values should fall back: %+v", cfg)
	}
}
