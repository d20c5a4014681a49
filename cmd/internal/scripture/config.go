package scripture

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config configures the Bible API client and its cache.
type Config struct {
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration

	// Redis is used for the cache when RedisAddr is set; otherwise the
	// cache lives in process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

const (
	DefaultBaseURL  = "https://api.scripture.api.bible/v1"
	DefaultTimeout  = 15 * time.Second
	DefaultCacheTTL = time.Hour
)

// LoadConfigFromEnv reads BIBLE_API_*, GABRIEL_SCRIPTURE_* and REDIS_*.
func LoadConfigFromEnv() Config {
	cfg := Config{
		APIKey:        strings.TrimSpace(os.Getenv("BIBLE_API_KEY")),
		BaseURL:       DefaultBaseURL,
		Timeout:       DefaultTimeout,
		CacheTTL:      DefaultCacheTTL,
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}
	if v := strings.TrimSpace(os.Getenv("BIBLE_API_URL")); v != "" {
		if u, err := url.Parse(v); err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != "" {
			cfg.BaseURL = strings.TrimRight(v, "/")
		}
	}
	if v := strings.TrimSpace(os.Getenv("GABRIEL_SCRIPTURE_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Timeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("GABRIEL_SCRIPTURE_CACHE_TTL")); v != "" {
		// 0 disables caching.
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.CacheTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 15 {
			cfg.RedisDB = n
		}
	}
	return cfg
}
