package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/go-authgate/scan-cli/session"
)

// config holds the resolved settings of one CLI run.
type config struct {
	ServerURL      string
	CredentialFile string
	Backend        string
	RedisAddr      string
	SealKey        string
	RequestTimeout time.Duration
	Retries        int
	LogLevel       slog.Level
}

var (
	flagServerURL      *string
	flagCredentialFile *string
	flagBackend        *string
	flagRedisAddr      *string
	flagRequestTimeout *string
	flagRetries        *string
	flagLogLevel       *string
)

const (
	backendFile   = "file"
	backendRedis  = "redis"
	backendMemory = "memory"
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"Scanner API URL (default: http://localhost:8000 or SERVER_URL env)",
	)
	flagCredentialFile = flag.String(
		"credential-file",
		"",
		"Credential storage file (default: .scan-credentials.json or CREDENTIAL_FILE env)",
	)
	flagBackend = flag.String(
		"credential-backend",
		"",
		"Credential backend: file, redis or memory (default: file or CREDENTIAL_BACKEND env)",
	)
	flagRedisAddr = flag.String(
		"redis-addr",
		"",
		"Redis address for the redis backend (default: localhost:6379 or REDIS_ADDR env)",
	)
	flagRequestTimeout = flag.String(
		"timeout",
		"",
		"Per-request timeout (default: 30s or REQUEST_TIMEOUT env)",
	)
	flagRetries = flag.String(
		"retries",
		"",
		"Transport retries for 5xx and connection errors (default: 0 or TRANSPORT_RETRIES env)",
	)
	flagLogLevel = flag.String(
		"log-level",
		"",
		"Log level: debug, info, warn or error (default: warn or LOG_LEVEL env)",
	)
}

// initConfig parses flags and resolves configuration.
// Separated from init() to avoid conflicts with test flag parsing.
func initConfig() (*config, error) {
	flag.Parse()

	// Priority: flag > env > default
	cfg := &config{
		ServerURL:      getConfig(*flagServerURL, "SERVER_URL", "http://localhost:8000"),
		CredentialFile: getConfig(*flagCredentialFile, "CREDENTIAL_FILE", ".scan-credentials.json"),
		Backend:        strings.ToLower(getConfig(*flagBackend, "CREDENTIAL_BACKEND", backendFile)),
		RedisAddr:      getConfig(*flagRedisAddr, "REDIS_ADDR", "localhost:6379"),
		// The sealing secret is never taken from a flag so it stays out of
		// shell history and process listings.
		SealKey: getEnv("CREDENTIAL_KEY", ""),
	}

	var err error
	if cfg.RequestTimeout, err = parseTimeout(
		getConfig(*flagRequestTimeout, "REQUEST_TIMEOUT", session.DefaultTimeout.String()),
	); err != nil {
		return nil, err
	}
	if cfg.Retries, err = parseRetries(getConfig(*flagRetries, "TRANSPORT_RETRIES", "0")); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = parseLogLevel(getConfig(*flagLogLevel, "LOG_LEVEL", "warn")); err != nil {
		return nil, err
	}

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	switch cfg.Backend {
	case backendFile, backendRedis, backendMemory:
	default:
		return nil, fmt.Errorf("unknown CREDENTIAL_BACKEND %q (want file, redis or memory)", cfg.Backend)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(cfg.ServerURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Passwords and tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}
	return cfg, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("REQUEST_TIMEOUT must be positive, got: %s", s)
	}
	return d, nil
}

func parseRetries(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid TRANSPORT_RETRIES: %w", err)
	}
	if n < 0 || n > 10 {
		return 0, fmt.Errorf("TRANSPORT_RETRIES must be between 0 and 10, got: %d", n)
	}
	return n, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return level, nil
}

// newLogger writes structured logs to stderr.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
