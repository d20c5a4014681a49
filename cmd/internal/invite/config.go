package invite

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the defaults applied to new invites.
type Config struct {
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	DefaultMaxUses int
	MaxUses        int
}

// DefaultConfig returns one-use invites valid for a week.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:     7 * 24 * time.Hour,
		MaxTTL:         90 * 24 * time.Hour,
		DefaultMaxUses: 1,
		MaxUses:        1000,
	}
}

// LoadConfigFromEnv reads GABRIEL_INVITE_*.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("GABRIEL_INVITE_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DefaultTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("GABRIEL_INVITE_MAX_USES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultMaxUses = n
		}
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		cfg.DefaultTTL = cfg.MaxTTL
	}
	if cfg.DefaultMaxUses > cfg.MaxUses {
		cfg.DefaultMaxUses = cfg.MaxUses
	}
	return cfg
}
