package scripture

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"gabriel/cmd/identity/ids"
)

func TestRedisCache_RoundTrip(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: REDIS_ADDR is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewRedisCache(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		if os.Getenv("CI") == "" {
			t.Skipf("integration test skipped: %v", err)
		}
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer c.Close()

	key := "it:" + ids.Must()
	if _, ok, err := c.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get before Set = %v, %v", ok, err)
	}
	if err := c.Set(ctx, key, []byte(`{"id":"kjv"}`), 5*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := c.Get(ctx, key)
	if err != nil || !ok || string(v) != `{"id":"kjv"}` {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	_ = c.rdb.Del(ctx, c.prefix+key).Err()
}
