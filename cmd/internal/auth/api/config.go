package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and login throttling.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Per-IP sliding window over failed logins.
	LoginIPMax    int
	LoginIPWindow time.Duration

	// Per-email progressive lockout. Failures are counted over
	// LoginUserWindow; LoginUserMax is the first lockout tier.
	LoginUserMax    int
	LoginUserWindow time.Duration

	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:             envBool("GABRIEL_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:           envInt64("GABRIEL_AUTH_MAX_BODY_BYTES", 64<<10),
		LoginIPMax:             envInt("GABRIEL_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow:          envDuration("GABRIEL_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
		LoginUserMax:           envInt("GABRIEL_AUTH_LOGIN_USER_MAX", 5),
		LoginUserWindow:        envDuration("GABRIEL_AUTH_LOGIN_USER_WINDOW", 15*time.Minute),
		LockoutShortDuration:   envDuration("GABRIEL_AUTH_LOGIN_LOCKOUT_SHORT_DURATION", 5*time.Minute),
		LockoutLongThreshold:   envInt("GABRIEL_AUTH_LOGIN_LOCKOUT_LONG_THRESHOLD", 10),
		LockoutLongDuration:    envDuration("GABRIEL_AUTH_LOGIN_LOCKOUT_LONG_DURATION", 30*time.Minute),
		LockoutSevereThreshold: envInt("GABRIEL_AUTH_LOGIN_LOCKOUT_SEVERE_THRESHOLD", 20),
		LockoutSevereDuration:  envDuration("GABRIEL_AUTH_LOGIN_LOCKOUT_SEVERE_DURATION", 2*time.Hour),
	}

	// Tiers must escalate.
	if cfg.LockoutLongThreshold <= cfg.LoginUserMax {
		cfg.LockoutLongThreshold = cfg.LoginUserMax * 2
	}
	if cfg.LockoutSevereThreshold <= cfg.LockoutLongThreshold {
		cfg.LockoutSevereThreshold = cfg.LockoutLongThreshold * 2
	}
	return cfg
}

// lockoutTiers returns the progressive lockout tiers, most severe first.
func (c Config) lockoutTiers() []lockoutTier {
	return []lockoutTier{
		{Threshold: c.LockoutSevereThreshold, Duration: c.LockoutSevereDuration},
		{Threshold: c.LockoutLongThreshold, Duration: c.LockoutLongDuration},
		{Threshold: c.LoginUserMax, Duration: c.LockoutShortDuration},
	}
}

// failureRetention is how long the tracker must remember a failure.
func (c Config) failureRetention() time.Duration {
	d := c.LoginIPWindow
	if c.LoginUserWindow > d {
		d = c.LoginUserWindow
	}
	return d
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
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
