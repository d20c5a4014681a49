package counsel

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config tunes the relay. Zero values fall back to defaults.
type Config struct {
	IdleTimeout    time.Duration
	PersistTimeout time.Duration
	MaxTurns       int
	MaxChars       int
	MaxBodyBytes   int64
	PersonaFile    string
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    60 * time.Second,
		PersistTimeout: 10 * time.Second,
		MaxTurns:       100,
		MaxChars:       8000,
		MaxBodyBytes:   1 << 20,
	}
}

// LoadConfigFromEnv reads GABRIEL_CHAT_* and GABRIEL_PERSONA_FILE.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = envDuration("GABRIEL_CHAT_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.PersistTimeout = envDuration("GABRIEL_CHAT_PERSIST_TIMEOUT", cfg.PersistTimeout)
	cfg.MaxTurns = envInt("GABRIEL_CHAT_MAX_TURNS", cfg.MaxTurns, 1, 1000)
	cfg.MaxChars = envInt("GABRIEL_CHAT_MAX_CHARS", cfg.MaxChars, 1, 100000)
	cfg.PersonaFile = strings.TrimSpace(os.Getenv("GABRIEL_PERSONA_FILE"))
	return cfg
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.MaxChars <= 0 {
		c.MaxChars = d.MaxChars
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envInt(key string, def, lo, hi int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return def
	}
	return n
}
