package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 5 * time.Minute

	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config tunes the gateway. LoadConfigFromEnv fills it from GABRIEL_WS_*.
type Config struct {
	// DevInsecure skips the coder/websocket origin check entirely.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloTimeout    time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// LoadConfigFromEnv reads the GABRIEL_WS_* variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		DevInsecure:      envBoolWS("GABRIEL_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("GABRIEL_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
		AllowedOrigins:   envCSVWS("GABRIEL_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     envDurationWS("GABRIEL_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		ReadIdleTimeout:  envDurationWS("GABRIEL_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle),
		HelloTimeout:     envDurationWS("GABRIEL_WS_HELLO_TIMEOUT", helloTimeout),
		SendQueueSize:    envIntWS("GABRIEL_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		HeartbeatEvery:   envDurationWS("GABRIEL_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDurationWS("GABRIEL_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),
		RateEvents:       envIntWS("GABRIEL_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow:       envDurationWS("GABRIEL_WS_RATE_WINDOW", rateLimitWindow),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = helloTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

func envBoolWS(key string, def bool) bool {
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

func envIntWS(key string, def int) int {
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

func envDurationWS(key string, def time.Duration) time.Duration {
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

func envCSVWS(key, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
