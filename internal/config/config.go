// Package config loads process configuration from environment variables.
// Per-repository settings live in .atomic/config.toml and are handled by the
// repository package; this covers everything that belongs to the process, not
// the repository.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process configuration.
type Config struct {
	// Remote sync settings.
	RemoteTimeout      time.Duration // Per-call deadline for non-streaming remote requests.
	DownloadRetryDelay time.Duration // First retry delay in the downloader.

	// Change store settings.
	ChangeCacheSize int // Max parsed change files held in memory.

	// Serve settings.
	ListenAddr string // Address for `atomic serve`.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool // Use HTTP instead of HTTPS for the OTEL exporter.
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Missing variables use defaults; only malformed values are rejected.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		ListenAddr:   envStr("ATOMIC_LISTEN_ADDR", ":8183"),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "atomic"),
		LogLevel:     envStr("ATOMIC_LOG_LEVEL", "info"),
	}

	cfg.ChangeCacheSize, errs = collectInt(errs, "ATOMIC_CHANGE_CACHE_SIZE", 128)
	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)
	cfg.RemoteTimeout, errs = collectDuration(errs, "ATOMIC_REMOTE_TIMEOUT", 30*time.Second)
	cfg.DownloadRetryDelay, errs = collectDuration(errs, "ATOMIC_DOWNLOAD_RETRY_DELAY", time.Second)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is sane.
func (c Config) Validate() error {
	var errs []error
	if c.ChangeCacheSize <= 0 {
		errs = append(errs, errors.New("config: ATOMIC_CHANGE_CACHE_SIZE must be positive"))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("config: ATOMIC_REMOTE_TIMEOUT must be positive"))
	}
	if c.DownloadRetryDelay <= 0 {
		errs = append(errs, errors.New("config: ATOMIC_DOWNLOAD_RETRY_DELAY must be positive"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("config: ATOMIC_LISTEN_ADDR must not be empty"))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not a boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not a duration", key, v)
	}
	return d, nil
}

func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}
