package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the bugtrap server.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Limits      LimitsConfig
	Net         NetConfig
	Fingerprint FingerprintConfig
	Scheduler   SchedulerConfig
	Auth        AuthConfig
	Log         LogConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Compression     string
}

// RedisConfig is optional; an empty URL disables rate limiting, the shared
// source-map byte cache and the digest publication.
type RedisConfig struct {
	URL string
}

// LimitsConfig bounds inbound payloads.
type LimitsConfig struct {
	MaxEventBytes     int
	MaxStackChars     int
	MaxStackFrames    int
	StackFramesPolicy string
	MaxUAChars        int
	MaxURIChars       int
	MaxMessageChars   int
}

// NetConfig is the network policy for source map fetches.
type NetConfig struct {
	MaxFileBytes       int64
	Retry              int
	Timeout            time.Duration
	SymbolicateTimeout time.Duration
	SourceMapCacheSize int
}

type FingerprintConfig struct {
	Seed uint64
}

type SchedulerConfig struct {
	Interval     time.Duration
	Retention    time.Duration
	KeepResolved bool
}

type AuthConfig struct {
	SessionTTL        time.Duration
	AdminUsername     string
	AdminPasswordHash string
}

type LogConfig struct {
	Level string
	File  string
}

type TelemetryConfig struct {
	Stdout bool
}

const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"

	FramesPolicyTruncate = "truncate"
	FramesPolicyReject   = "reject"
)

var validCompression = map[string]bool{
	CompressionNone: true,
	CompressionGzip: true,
	CompressionZstd: true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is applied first; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env from working directory")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("BUGTRAP_PORT", 8080),
			Env:             envString("BUGTRAP_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 600),
			TrustProxy:      envBool("TRUST_PROXY", false),
		},
		Database: DatabaseConfig{
			URL:             envString("DATABASE_URL", "sqlite:data/bugtrap.db"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			Compression:     strings.ToLower(envString("DB_COMPRESSION", CompressionNone)),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Limits: LimitsConfig{
			MaxEventBytes:     envInt("MAX_EVENT_BYTES", 64*1024),
			MaxStackChars:     envInt("MAX_STACK_CHARS", 16*1024),
			MaxStackFrames:    envInt("MAX_STACK_FRAMES", 50),
			StackFramesPolicy: strings.ToLower(envString("STACK_FRAMES_POLICY", FramesPolicyTruncate)),
			MaxUAChars:        envInt("MAX_UA_CHARS", 512),
			MaxURIChars:       envInt("MAX_URI_CHARS", 2048),
			MaxMessageChars:   envInt("MAX_MESSAGE_CHARS", 4096),
		},
		Net: NetConfig{
			MaxFileBytes:       int64(envInt("NET_MAX_FILE_BYTES", 10*1024*1024)),
			Retry:              envInt("NET_RETRY", 2),
			Timeout:            envDuration("NET_TIMEOUT", 5*time.Second),
			SymbolicateTimeout: envDuration("SYMBOLICATE_TIMEOUT", 15*time.Second),
			SourceMapCacheSize: envInt("SOURCEMAP_CACHE_SIZE", 128),
		},
		Fingerprint: FingerprintConfig{
			Seed: envUint64("FINGERPRINT_SEED", 0),
		},
		Scheduler: SchedulerConfig{
			Interval:     envDuration("SCHEDULED_JOB_INTERVAL", time.Hour),
			Retention:    envDuration("RETENTION", 90*24*time.Hour),
			KeepResolved: envBool("KEEP_RESOLVED", false),
		},
		Auth: AuthConfig{
			SessionTTL:        envDuration("SESSION_TTL", 12*time.Hour),
			AdminUsername:     os.Getenv("ADMIN_USERNAME"),
			AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		},
		Log: LogConfig{
			Level: envString("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
		Telemetry: TelemetryConfig{
			Stdout: envBool("OTEL_STDOUT", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !validCompression[c.Database.Compression] {
		return fmt.Errorf("DB_COMPRESSION must be one of none, gzip, zstd; got %q", c.Database.Compression)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Limits.MaxEventBytes <= 0 {
		return fmt.Errorf("MAX_EVENT_BYTES must be positive")
	}
	if c.Limits.MaxStackFrames <= 0 {
		return fmt.Errorf("MAX_STACK_FRAMES must be positive")
	}
	if c.Limits.StackFramesPolicy != FramesPolicyTruncate && c.Limits.StackFramesPolicy != FramesPolicyReject {
		return fmt.Errorf("STACK_FRAMES_POLICY must be truncate or reject; got %q", c.Limits.StackFramesPolicy)
	}

	if c.Net.Retry < 0 {
		return fmt.Errorf("NET_RETRY must not be negative")
	}
	if c.Net.Timeout <= 0 {
		return fmt.Errorf("NET_TIMEOUT must be positive")
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULED_JOB_INTERVAL must be positive")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	if (c.Auth.AdminUsername == "") != (c.Auth.AdminPasswordHash == "") {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD_HASH must be set together")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envUint64(key string, defaultVal uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	u, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return defaultVal
	}
	return u
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envDuration accepts Go duration strings ("90s", "1h") or a bare number of seconds.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
