package cache

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by New and Config.Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid cache config")

// Config configures one Cache.
type Config struct {
	// Name identifies the cache in logs, metrics and admin routes.
	Name string

	// MaxSize is the entry count a sweep trims the cache down to.
	MaxSize int

	// DefaultTTL applies when Set is used or SetWithTTL gets a non-positive ttl.
	DefaultTTL time.Duration

	// CleanupInterval is the period of the background sweep.
	CleanupInterval time.Duration

	// PersistenceEnabled mirrors the cache to a durable backend under StorageKey.
	PersistenceEnabled bool
	StorageKey         string

	// PersistDelay coalesces snapshot writes. Zero writes after every mutation.
	PersistDelay time.Duration
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	case c.MaxSize <= 0:
		return fmt.Errorf("%w: max_size must be positive, got %d", ErrInvalidConfig, c.MaxSize)
	case c.DefaultTTL <= 0:
		return fmt.Errorf("%w: default_ttl must be positive, got %s", ErrInvalidConfig, c.DefaultTTL)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("%w: cleanup_interval must be positive, got %s", ErrInvalidConfig, c.CleanupInterval)
	case c.PersistDelay < 0:
		return fmt.Errorf("%w: persist_delay must not be negative, got %s", ErrInvalidConfig, c.PersistDelay)
	case c.PersistenceEnabled && c.StorageKey == "":
		return fmt.Errorf("%w: storage_key is required when persistence is enabled", ErrInvalidConfig)
	}
	return nil
}
