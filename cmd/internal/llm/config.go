package llm

import (
	"net/url"
	"os"
	"strings"
	"time"
)

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey  string
	BaseURL string
	// Timeout bounds non-streaming calls and the wait for response headers
	// on streaming calls. Stream bodies are bounded by the caller's context.
	Timeout time.Duration
}

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 120 * time.Second
)

// LoadConfigFromEnv reads OPENAI_API_KEY, OPENAI_BASE_URL and OPENAI_TIMEOUT.
func LoadConfigFromEnv() Config {
	cfg := Config{
		APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
		if u, err := url.Parse(v); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			cfg.BaseURL = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Timeout = d
		}
	}
	return cfg
}
