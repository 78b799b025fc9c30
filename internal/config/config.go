// Package config reads the service settings from environment variables.
//
// Every setting has a default, so an empty environment gives a working
// development server on :8080 with a local SQLite file. Invalid values are
// reported by FromEnv instead of being silently replaced by the default.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the server.
type Config struct {
	Port   int
	DBPath string
	// Env is "production" or "development". Development adds internal error
	// detail to error responses.
	Env string

	SessionCookieName string
	// TokenHMACKey switches refresh-token hashing to HMAC-SHA256 when set.
	TokenHMACKey []byte

	ChallengeTTL time.Duration
	StoreTimeout time.Duration

	// RedisAddr enables rate limiting when non-empty.
	RedisAddr         string
	RedisDB           int
	RateLimitRequests int
	RateLimitWindow   time.Duration

	LogLevel  slog.Level
	LogFormat string // "text" or "json"
}

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Defaults returns the configuration used for every unset variable.
func Defaults() Config {
	return Config{
		Port:              8080,
		DBPath:            "data/userbase.db",
		Env:               EnvProduction,
		SessionCookieName: "userbase_refresh",
		ChallengeTTL:      10 * time.Minute,
		StoreTimeout:      3 * time.Second,
		RedisDB:           0,
		RateLimitRequests: 30,
		RateLimitWindow:   time.Minute,
		LogLevel:          slog.LevelInfo,
		LogFormat:         "text",
	}
}

// Debug reports whether error responses may carry internal detail.
func (c Config) Debug() bool {
	return c.Env == EnvDevelopment
}

// RateLimitEnabled reports whether a Redis limiter should be built.
func (c Config) RateLimitEnabled() bool {
	return c.RedisAddr != ""
}

// FromEnv builds a Config from getenv (normally os.Getenv) on top of
// Defaults. All invalid variables are reported together.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Defaults()
	var errs []error

	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int, least int) {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < least {
			errs = append(errs, fmt.Errorf("%s: want an integer >= %d, got %q", name, least, v))
			return
		}
		*dst = n
	}
	duration := func(name string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: want a positive duration such as 30s, got %q", name, v))
			return
		}
		*dst = d
	}

	integer("PORT", &cfg.Port, 1)
	if cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: %d is out of range", cfg.Port))
	}
	str("DB_PATH", &cfg.DBPath)
	str("SESSION_COOKIE_NAME", &cfg.SessionCookieName)
	str("REDIS_ADDR", &cfg.RedisAddr)
	integer("REDIS_DB", &cfg.RedisDB, 0)
	integer("RATE_LIMIT_REQUESTS", &cfg.RateLimitRequests, 1)
	duration("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	duration("CHALLENGE_TTL", &cfg.ChallengeTTL)
	duration("STORE_TIMEOUT", &cfg.StoreTimeout)

	str("APP_ENV", &cfg.Env)
	cfg.Env = strings.ToLower(cfg.Env)
	if cfg.Env != EnvProduction && cfg.Env != EnvDevelopment {
		errs = append(errs, fmt.Errorf("APP_ENV: want %s or %s, got %q", EnvProduction, EnvDevelopment, cfg.Env))
	}

	// Not trimmed: whitespace is valid key material.
	if key := getenv("TOKEN_HMAC_KEY"); key != "" {
		if len(key) < 32 {
			errs = append(errs, fmt.Errorf("TOKEN_HMAC_KEY: want at least 32 bytes, got %d", len(key)))
		} else {
			cfg.TokenHMACKey = []byte(key)
		}
	}

	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: want debug, info, warn or error, got %q", v))
		}
	}
	str("LOG_FORMAT", &cfg.LogFormat)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT: want text or json, got %q", cfg.LogFormat))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
