// Package config loads the env-var-driven configuration for the demo binary
// (cmd/fedcoredemo), exiting loudly when a required variable is missing.
// Library embedders that don't want environment variables at all should use
// federation.NewBuilder's functional options instead; this package only
// wires together a runnable server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the demo server.
type Config struct {
	LocalDomain       string
	Port              string
	DatabaseURL       string
	DatabaseDriver    string // "sqlite" or "postgres"
	RedisURL          string // optional; when set, KV uses Redis instead of SQL
	RSAPrivateKeyPath string
	RSAPublicKeyPath  string
	Ed25519KeyPath    string

	SignatureTimeWindow    time.Duration
	ActivityIdempotenceTTL time.Duration
	BackoffSchedule        []time.Duration
	TrustForwardedHeaders  bool
}

// BaseURL joins LocalDomain with path.
func (c *Config) BaseURL(path string) string {
	return strings.TrimSuffix(c.LocalDomain, "/") + path
}

// Load reads configuration from environment variables, exiting loudly on a
// missing required variable.
func Load() *Config {
	domain := os.Getenv("LOCAL_DOMAIN")
	if domain == "" {
		fmt.Fprintln(os.Stderr, "ERROR: LOCAL_DOMAIN is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the externally reachable https:// origin of this server.")
		os.Exit(1)
	}

	cfg := &Config{
		LocalDomain:       domain,
		Port:              envDefault("PORT", "8080"),
		DatabaseURL:       envDefault("DATABASE_URL", "fedcore.db"),
		DatabaseDriver:    envDefault("DATABASE_DRIVER", "sqlite"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RSAPrivateKeyPath: envDefault("RSA_PRIVATE_KEY_PATH", "data/rsa_private.pem"),
		RSAPublicKeyPath:  envDefault("RSA_PUBLIC_KEY_PATH", "data/rsa_public.pem"),
		Ed25519KeyPath:    envDefault("ED25519_KEY_PATH", "data/ed25519_private.pem"),

		SignatureTimeWindow:    envDuration("SIGNATURE_TIME_WINDOW", time.Minute),
		ActivityIdempotenceTTL: envDuration("ACTIVITY_IDEMPOTENCE_TTL", 7*24*time.Hour),
		TrustForwardedHeaders:  envBool("TRUST_FORWARDED_HEADERS", false),
	}
	cfg.BackoffSchedule = envBackoff("BACKOFF_SCHEDULE")

	return cfg
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: invalid %s=%q, using default %v\n", key, v, def)
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envBackoff parses a comma-separated duration list, e.g. "3s,15s,60s,15m,60m".
// Empty/unset returns nil so callers fall back to sender.DefaultBackoffSchedule.
func envBackoff(key string) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: invalid duration %q in %s, skipping\n", p, key)
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
