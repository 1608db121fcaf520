package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all runtime configuration.
type Config struct {
	// HTTP
	ListenAddr string `koanf:"listen_addr"`
	TrustProxy bool   `koanf:"trust_proxy"`

	// Counting
	Prefix      string `koanf:"prefix"`       // "" = per-request hostname
	WithoutDate bool   `koanf:"without_date"` // suppress date suffix on ids
	Timezone    string `koanf:"timezone"`     // "utc" or "local"

	// Counter store
	Store           string `koanf:"store"` // memory | bolt | mongo
	DataDir         string `koanf:"data_dir"`
	MongoURI        string `koanf:"mongo_uri"`
	MongoDatabase   string `koanf:"mongo_database"`
	MongoCollection string `koanf:"mongo_collection"`

	// Distributed claim store
	ClaimStore string        `koanf:"claim_store"` // "" (disabled) | redis | bolt
	RedisAddr  string        `koanf:"redis_addr"`
	ClaimTTL   time.Duration `koanf:"claim_ttl"`

	// Sessions
	SessionSecret string `koanf:"session_secret"`
	SessionCookie string `koanf:"session_cookie"`

	// Operational
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// defaults is the lowest-priority layer.
var defaults = map[string]any{
	"listen_addr":      ":8080",
	"trust_proxy":      false,
	"prefix":           "",
	"without_date":     false,
	"timezone":         "utc",
	"store":            "memory",
	"data_dir":         "/data",
	"mongo_uri":        "",
	"mongo_database":   "visitor_counter",
	"mongo_collection": "counters",
	"claim_store":      "",
	"redis_addr":       "",
	"claim_ttl":        48 * time.Hour,
	"session_secret":   "",
	"session_cookie":   "vcsid",
	"log_level":        "info",
	"log_format":       "json",
}

// Load reads configuration from (lowest → highest priority):
//  1. Built-in defaults
//  2. YAML file at CONFIG_FILE env var path (if set)
//  3. Environment variables (always highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	// Layer 2: optional YAML file.
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", cfgFile, err)
		}
	}

	// Layer 3: environment variables.
	// Transform: "LISTEN_ADDR" → "listen_addr".
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Normalise string fields.
	cfg.Timezone = strings.TrimSpace(strings.ToLower(cfg.Timezone))
	cfg.Store = strings.TrimSpace(strings.ToLower(cfg.Store))
	cfg.ClaimStore = strings.TrimSpace(strings.ToLower(cfg.ClaimStore))
	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.LogFormat = strings.TrimSpace(strings.ToLower(cfg.LogFormat))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Location resolves the configured timezone policy. Validate guarantees the
// value is "utc" or "local".
func (c *Config) Location() *time.Location {
	if c.Timezone == "local" {
		return time.Local
	}
	return time.UTC
}

func (c *Config) validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "LISTEN_ADDR is required (e.g., :8080)")
	}
	if c.SessionSecret == "" {
		errs = append(errs, "SESSION_SECRET is required (any long random string)")
	}
	switch c.Timezone {
	case "utc", "local":
	default:
		errs = append(errs, `TIMEZONE must be "utc" or "local"`)
	}
	switch c.Store {
	case "memory", "bolt":
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, "MONGO_URI is required when STORE is mongo")
		}
	default:
		errs = append(errs, `STORE must be "memory", "bolt" or "mongo"`)
	}
	switch c.ClaimStore {
	case "", "bolt":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR is required when CLAIM_STORE is redis")
		}
	default:
		errs = append(errs, `CLAIM_STORE must be empty, "redis" or "bolt"`)
	}
	if c.ClaimTTL < 0 {
		errs = append(errs, "CLAIM_TTL must not be negative")
	}

	// DataDir path sanitisation: reject traversal sequences and null bytes.
	if strings.Contains(c.DataDir, "..") {
		errs = append(errs, `DATA_DIR must not contain ".." (directory traversal)`)
	}
	if strings.ContainsRune(c.DataDir, 0) {
		errs = append(errs, "DATA_DIR must not contain null bytes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d configuration error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}
