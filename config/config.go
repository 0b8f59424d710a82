// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/Hamidon94/ultra.dogwalking-sub001/cache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/credentials"
	"github.com/Hamidon94/ultra.dogwalking-sub001/snapshot"
)

// snapshotEntryOverhead bounds the per-entry bytes a snapshot adds around an
// image data URI: the URL key and the entry metadata.
const snapshotEntryOverhead = 4096

// Storage types.
const (
	StorageFile   = "file"
	StorageBolt   = "bolt"
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Cache names. Each names one cache and its admin route.
const (
	CacheAPI    = "api"
	CacheImages = "images"
	CacheUsers  = "users"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level server configuration.
type Config struct {
	Server          ServerConfig    `yaml:"server"`
	Storage         StorageConfig   `yaml:"storage"`
	Caches          CachesConfig    `yaml:"caches"`
	Upstream        UpstreamConfig  `yaml:"upstream"`
	Images          ImagesConfig    `yaml:"images"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
	CredentialsFile string          `yaml:"credentials_file"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AuthToken       string        `yaml:"auth_token"` // empty disables auth
}

// StorageConfig selects the durable store behind persistent caches.
type StorageConfig struct {
	Type string `yaml:"type"` // file, bolt, sqlite or memory
	Path string `yaml:"path"` // directory for file, database file otherwise
}

// CachesConfig holds one section per cache.
type CachesConfig struct {
	API    CacheConfig `yaml:"api"`
	Images CacheConfig `yaml:"images"`
	Users  CacheConfig `yaml:"users"`
}

// CacheConfig mirrors cache.Config in YAML.
type CacheConfig struct {
	MaxSize         int           `yaml:"max_size"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Persistence     bool          `yaml:"persistence"`
	StorageKey      string        `yaml:"storage_key"`
	PersistDelay    time.Duration `yaml:"persist_delay"`
}

// ToCache converts the section into a cache.Config named name.
func (c CacheConfig) ToCache(name string) cache.Config {
	return cache.Config{
		Name:               name,
		MaxSize:            c.MaxSize,
		DefaultTTL:         c.DefaultTTL,
		CleanupInterval:    c.CleanupInterval,
		PersistenceEnabled: c.Persistence,
		StorageKey:         c.StorageKey,
		PersistDelay:       c.PersistDelay,
	}
}

// UpstreamConfig points the query consumers at the hosted backend.
type UpstreamConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	DNSRefresh time.Duration `yaml:"dns_refresh"`
}

// ImagesConfig bounds the image consumer.
type ImagesConfig struct {
	MaxBytes       int64 `yaml:"max_bytes"`
	MaxInlineBytes int   `yaml:"max_inline_bytes"`

	// AllowedHosts limits image downloads to these hosts, which may then be
	// private. Empty allows any public host.
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	Prometheus   bool   `yaml:"prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // OTLP gRPC endpoint, empty disables
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when a file omits a setting.
func Default() *Config {
	general := CacheConfig{
		MaxSize:         100,
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
		Persistence:     true,
	}
	api, users, images := general, general, general
	api.StorageKey = "pawcache/api"
	users.StorageKey = "pawcache/users"
	images.StorageKey = "pawcache/images"
	images.DefaultTTL = 24 * time.Hour
	images.MaxSize = 50

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageFile,
			Path: "./pawcache-data",
		},
		Caches: CachesConfig{
			API:    api,
			Images: images,
			Users:  users,
		},
		Upstream: UpstreamConfig{
			Timeout:    30 * time.Second,
			DNSRefresh: 5 * time.Minute,
		},
		Images: ImagesConfig{
			MaxBytes:       10 << 20,
			MaxInlineBytes: 128 << 10,
		},
		Telemetry: TelemetryConfig{
			Prometheus:  true,
			ServiceName: "pawcache",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, parses and validates a YAML config file. An empty path returns
// the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, applies it over the defaults
// and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyCredentials overrides secrets with resolved credentials. Empty
// credential fields keep the configured value.
func (c *Config) ApplyCredentials(creds *credentials.Credentials) {
	if creds == nil {
		return
	}
	if creds.AuthToken != "" {
		c.Server.AuthToken = creds.AuthToken
	}
	if creds.UpstreamAPIKey != "" {
		c.Upstream.APIKey = creds.UpstreamAPIKey
	}
}

// Validate reports the first unusable setting. Invalid values fail fast
// rather than falling back to defaults.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}

	switch c.Storage.Type {
	case StorageFile, StorageBolt, StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for %s storage", ErrInvalid, c.Storage.Type)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("%w: unknown storage.type %q", ErrInvalid, c.Storage.Type)
	}

	for name, cc := range c.Caches.All() {
		if err := cc.ToCache(name).Validate(); err != nil {
			return fmt.Errorf("%w: caches.%s: %w", ErrInvalid, name, err)
		}
	}

	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: upstream.base_url must be an http or https URL, got %q", ErrInvalid, c.Upstream.BaseURL)
		}
	}
	if c.Upstream.Timeout < 0 || c.Upstream.DNSRefresh < 0 {
		return fmt.Errorf("%w: upstream durations must not be negative", ErrInvalid)
	}

	if c.Images.MaxBytes <= 0 || c.Images.MaxInlineBytes <= 0 {
		return fmt.Errorf("%w: images limits must be positive", ErrInvalid)
	}
	if img := c.Caches.Images; img.Persistence {
		worst := int64(img.MaxSize) * int64(c.Images.MaxInlineBytes+snapshotEntryOverhead)
		if worst > snapshot.MaxPayloadSize {
			return fmt.Errorf("%w: caches.images.max_size %d * images.max_inline_bytes %d can exceed the %d byte snapshot limit",
				ErrInvalid, img.MaxSize, c.Images.MaxInlineBytes, snapshot.MaxPayloadSize)
		}
	}
	return nil
}

// All returns the cache sections keyed by cache name.
func (c CachesConfig) All() map[string]CacheConfig {
	return map[string]CacheConfig{
		CacheAPI:    c.API,
		CacheImages: c.Images,
		CacheUsers:  c.Users,
	}
}
