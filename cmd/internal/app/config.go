package app

import (
	"time"

	"gabriel/cmd/identity"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ServiceName    string
	ServiceVersion string
	Environment    string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	// WriteTimeout stays 0 by default: chat replies stream for as long as
	// the model produces text, and per-fragment deadlines are set by the
	// chat handler instead.
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	ShutdownTimeout time.Duration

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, GABRIEL_TOKEN_HMAC_KEY must be set (>= 32 bytes) and refresh
	// tokens are stored as HMAC digests.
	RequireTokenHMAC bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	ScriptureCacheEntries int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("GABRIEL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("GABRIEL_LOG_LEVEL", "info"),
		LogFormat: EnvString("GABRIEL_LOG_FORMAT", "json"),

		ServiceName:    EnvString("GABRIEL_SERVICE_NAME", "gabriel"),
		ServiceVersion: EnvString("GABRIEL_VERSION", "dev"),
		Environment:    EnvString("GABRIEL_ENV", "development"),

		ReadHeaderTimeout: EnvDuration("GABRIEL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("GABRIEL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("GABRIEL_HTTP_WRITE_TIMEOUT", 0),
		IdleTimeout:       EnvDuration("GABRIEL_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("GABRIEL_HTTP_MAX_HEADER_BYTES", 1<<20),

		ShutdownTimeout: EnvDuration("GABRIEL_SHUTDOWN_TIMEOUT", 15*time.Second),

		DatabaseURL:   EnvString("GABRIEL_DATABASE_URL", ""),
		DBSchema:      EnvString("GABRIEL_DB_SCHEMA", identity.DefaultSchema),
		DBMaxConns:    EnvInt32("GABRIEL_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("GABRIEL_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("GABRIEL_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: EnvBool("GABRIEL_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("GABRIEL_REQUIRE_TOKEN_HMAC", false),

		CORSAllowedOrigins:   EnvCSV("GABRIEL_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("GABRIEL_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("GABRIEL_CORS_MAX_AGE", 600),

		ScriptureCacheEntries: EnvInt("GABRIEL_SCRIPTURE_CACHE_ENTRIES", 2048),
	}
}
