// Package config loads tagged's configuration from a YAML file and the
// environment. It is built once at startup and passed to whatever needs it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/tagged/pkg/backoff"
	"github.com/daviddao/tagged/pkg/cache"
	"github.com/daviddao/tagged/pkg/optimistic"
)

// EnvDevelopment enables raw error detail in logs.
const EnvDevelopment = "development"

// MaxRetriesLimit bounds api.max_retries. At the default base the tenth
// retry alone waits over eight minutes.
const MaxRetriesLimit = 10

// Config is the whole configuration.
type Config struct {
	Env    string       `yaml:"env"`
	API    APIConfig    `yaml:"api"`
	Store  StoreConfig  `yaml:"store"`
	Cache  CacheConfig  `yaml:"cache"`
	Google GoogleConfig `yaml:"google"`
	Server ServerConfig `yaml:"server"`
}

// APIConfig configures the backend and the retry policy.
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig holds per-category staleness windows.
type CacheConfig struct {
	LikeStaleAfter    time.Duration `yaml:"like_stale_after"`
	ContentStaleAfter time.Duration `yaml:"content_stale_after"`
}

// GoogleConfig holds the OAuth client used by the auth route.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	TokenURL     string `yaml:"token_url"`
}

// ServerConfig configures `tg serve`.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env: "production",
		API: APIConfig{
			BaseURL:    "http://localhost:8000",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Store: StoreConfig{Path: filepath.Join(".tagged", "tagged.db")},
		Cache: CacheConfig{
			LikeStaleAfter:    0,
			ContentStaleAfter: 5 * time.Minute,
		},
		Google: GoogleConfig{TokenURL: "https://oauth2.googleapis.com/token"},
		Server: ServerConfig{ListenAddr: "127.0.0.1:3000"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// path is non-empty, then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("TAGGED_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("TAGGED_DB"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TAGGED_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("TAGGED_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TAGGED_TIMEOUT %q: %w", v, err)
		}
		cfg.API.Timeout = d
	}
	if v := os.Getenv("TAGGED_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TAGGED_MAX_RETRIES %q: %w", v, err)
		}
		cfg.API.MaxRetries = n
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("GOOGLE_REDIRECT_URI"); v != "" {
		cfg.Google.RedirectURI = v
	}
	if v := os.Getenv("TAGGED_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	return nil
}

// Validate checks the configuration for values the client cannot run with.
// Google settings are checked separately by ValidateGoogle, since only the
// auth route needs them.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url %q must be an absolute http(s) URL", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must not be negative")
	}
	if c.API.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("api.max_retries must be at most %d", MaxRetriesLimit)
	}
	if c.API.BaseDelay <= 0 {
		return errors.New("api.base_delay must be positive")
	}
	if c.API.MaxDelay < 0 {
		return errors.New("api.max_delay must not be negative")
	}
	if c.Store.Path == "" {
		return errors.New("store.path must be set")
	}
	if c.Cache.LikeStaleAfter < 0 || c.Cache.ContentStaleAfter < 0 {
		return errors.New("cache staleness windows must not be negative")
	}
	return nil
}

// ValidateGoogle checks the OAuth client settings.
func (c Config) ValidateGoogle() error {
	if c.Google.ClientID == "" {
		return errors.New("google.client_id must be set (GOOGLE_CLIENT_ID)")
	}
	if c.Google.ClientSecret == "" {
		return errors.New("google.client_secret must be set (GOOGLE_CLIENT_SECRET)")
	}
	if c.Google.RedirectURI == "" {
		return errors.New("google.redirect_uri must be set (GOOGLE_REDIRECT_URI)")
	}
	if c.Google.TokenURL == "" {
		return errors.New("google.token_url must be set")
	}
	return nil
}

// Development reports whether raw error detail may be logged.
func (c Config) Development() bool { return c.Env == EnvDevelopment }

// Policy returns the dispatcher retry policy.
func (c Config) Policy() backoff.Policy {
	return backoff.Policy{MaxRetries: c.API.MaxRetries, Base: c.API.BaseDelay, Max: c.API.MaxDelay}
}

// LikeCache returns the cache options for like state.
func (c Config) LikeCache() cache.Options {
	return cache.Options{StaleAfter: map[string]time.Duration{optimistic.CacheCategory: c.Cache.LikeStaleAfter}}
}

// ContentCache returns the cache options for content reads. Content keys
// come from request parameters, so entries are dropped once stale; a zero
// window still evicts after a minute.
func (c Config) ContentCache() cache.Options {
	evict := c.Cache.ContentStaleAfter
	if evict <= 0 {
		evict = time.Minute
	}
	return cache.Options{DefaultStaleAfter: c.Cache.ContentStaleAfter, EvictAfter: evict}
}
