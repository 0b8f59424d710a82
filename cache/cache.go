// Package cache implements a bounded key-value cache with per-entry expiry,
// soft-LRU eviction and optional mirroring to a durable backend.
//
// Expired entries are removed lazily on Get and in bulk by a background
// sweep, which also trims the cache to MaxSize by evicting the entries with
// the lowest retention score (reads per millisecond since the last read).
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Hamidon94/ultra.dogwalking-sub001/backend"
	"github.com/Hamidon94/ultra.dogwalking-sub001/expiry"
	"github.com/Hamidon94/ultra.dogwalking-sub001/snapshot"
	"github.com/Hamidon94/ultra.dogwalking-sub001/telemetry"
)

// Entry is one cached value with its bookkeeping.
type Entry[V any] struct {
	Data           V
	CreatedAt      time.Time
	ExpiresAt      time.Time
	AccessCount    int
	LastAccessedAt time.Time
}

func (e *Entry[V]) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats summarizes a cache.
type Stats struct {
	Name         string  `json:"name"`
	TotalSize    int     `json:"total_size"`
	ExpiredCount int     `json:"expired_count"`
	MaxSize      int     `json:"max_size"`
	HitRate      float64 `json:"hit_rate"`

	PersistErrors int64 `json:"persist_errors"`
}

// SweepResult describes one sweep.
type SweepResult struct {
	Expired   int           `json:"expired"`
	Evicted   int           `json:"evicted"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration_ns"`
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	backend backend.Backend
	codec   *snapshot.Codec
	logger  *slog.Logger
	now     func() time.Time
}

// WithBackend sets the durable store used when persistence is enabled.
func WithBackend(b backend.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithCodec shares a snapshot codec between caches. The cache does not close it.
func WithCodec(c *snapshot.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Cache is safe for concurrent use. Construct it with New and release it
// with Close.
type Cache[V any] struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	sweeper *expiry.Sweeper
	cancel  context.CancelFunc

	mu      sync.Mutex
	entries map[string]*Entry[V]
	closed  bool

	persist *persister
}

// New validates cfg, restores any persisted state and starts the background
// sweep. ctx bounds hydration only.
func New[V any](ctx context.Context, cfg Config, opts ...Option) (*Cache[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.PersistenceEnabled && o.backend == nil {
		return nil, fmt.Errorf("%w: persistence enabled for %q without a backend", ErrInvalidConfig, cfg.Name)
	}

	c := &Cache[V]{
		cfg:     cfg,
		logger:  o.logger.With("component", "cache", "cache", cfg.Name),
		now:     o.now,
		entries: make(map[string]*Entry[V]),
	}

	if cfg.PersistenceEnabled {
		p, err := newPersister(cfg, o.backend, o.codec, c.logger)
		if err != nil {
			return nil, err
		}
		c.persist = p
		c.hydrate(ctx)
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.sweeper = expiry.NewSweeper(cfg.CleanupInterval, func(ctx context.Context) {
		c.Sweep(ctx)
	}, c.logger)
	if err := c.sweeper.Start(sweepCtx); err != nil {
		cancel()
		return nil, err
	}

	c.logger.Debug("cache ready",
		"max_size", cfg.MaxSize,
		"default_ttl", cfg.DefaultTTL,
		"cleanup_interval", cfg.CleanupInterval,
		"persistence", cfg.PersistenceEnabled,
		"entries", len(c.entries),
	)
	return c, nil
}

// Name returns the configured cache name.
func (c *Cache[V]) Name() string {
	return c.cfg.Name
}

// Set stores data under key with the default TTL.
func (c *Cache[V]) Set(key string, data V) {
	c.SetWithTTL(key, data, 0)
}

// SetWithTTL stores data under key, replacing any previous entry. A
// non-positive ttl uses the default TTL. Empty keys are ignored.
func (c *Cache[V]) SetWithTTL(key string, data V, ttl time.Duration) {
	if key == "" {
		c.logger.Debug("ignoring set with empty key")
		return
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	now := c.now()
	c.entries[key] = &Entry[V]{
		Data:           data,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
	w := c.changedLocked()
	c.mu.Unlock()

	telemetry.RecordCacheOp(context.Background(), c.cfg.Name, "set", "ok")
	c.write(w)
}

// Get returns the value for key and records the access. Expired entries are
// removed and reported as missing.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		telemetry.RecordCacheOp(context.Background(), c.cfg.Name, "get", "miss")
		return zero, false
	}

	now := c.now()
	if e.expired(now) {
		delete(c.entries, key)
		w := c.changedLocked()
		c.mu.Unlock()

		telemetry.RecordCacheOp(context.Background(), c.cfg.Name, "get", "expired")
		c.write(w)
		return zero, false
	}

	e.AccessCount++
	e.LastAccessedAt = now
	data := e.Data
	c.mu.Unlock()

	telemetry.RecordCacheOp(context.Background(), c.cfg.Name, "get", "hit")
	return data, true
}

// Has reports whether key holds an unexpired entry. It does not count as an
// access and never removes anything.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && !e.expired(c.now())
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	if _, ok := c.entries[key]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, key)
	w := c.changedLocked()
	c.mu.Unlock()

	telemetry.RecordCacheOp(context.Background(), c.cfg.Name, "delete", "ok")
	c.write(w)
	return true
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	w := c.changedLocked()
	c.mu.Unlock()

	telemetry.RecordCacheOp(context.Background(), c.cfg.Name, "clear", "ok")
	c.write(w)
}

// Keys returns the unexpired keys in sorted order.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	slices.Sort(keys)
	return keys
}

// Stats returns the current size and access statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	now := c.now()
	var expired, accesses int
	for _, e := range c.entries {
		if e.expired(now) {
			expired++
		}
		accesses += e.AccessCount
	}
	size := len(c.entries)
	c.mu.Unlock()

	s := Stats{
		Name:         c.cfg.Name,
		TotalSize:    size,
		ExpiredCount: expired,
		MaxSize:      c.cfg.MaxSize,
		HitRate:      expiry.HitRate(accesses, size),
	}
	if c.persist != nil {
		s.PersistErrors = c.persist.errors.Load()
	}
	return s
}

// Sweep removes expired entries, then evicts the lowest scoring entries until
// the cache holds at most MaxSize, then persists the result.
func (c *Cache[V]) Sweep(ctx context.Context) SweepResult {
	start := time.Now()

	c.mu.Lock()
	now := c.now()
	candidates := make([]expiry.Candidate, 0, len(c.entries))
	for k, e := range c.entries {
		candidates = append(candidates, expiry.Candidate{
			Key:            k,
			CreatedAt:      e.CreatedAt,
			ExpiresAt:      e.ExpiresAt,
			LastAccessedAt: e.LastAccessedAt,
			AccessCount:    e.AccessCount,
		})
	}

	plan := expiry.PlanSweep(candidates, now, c.cfg.MaxSize)
	for _, k := range plan.Expired {
		delete(c.entries, k)
	}
	for _, k := range plan.Evicted {
		delete(c.entries, k)
	}
	remaining := len(c.entries)
	w := c.changedLocked()
	c.mu.Unlock()

	c.write(w)

	res := SweepResult{
		Expired:   len(plan.Expired),
		Evicted:   len(plan.Evicted),
		Remaining: remaining,
		Duration:  time.Since(start),
	}
	telemetry.RecordSweep(ctx, c.cfg.Name, res.Expired, res.Evicted, res.Remaining, res.Duration)
	if plan.Removed() > 0 {
		c.logger.Debug("sweep removed entries",
			"expired", res.Expired,
			"evicted", res.Evicted,
			"remaining", res.Remaining,
			"duration", res.Duration,
		)
	}
	return res
}

// Flush writes any coalesced snapshot immediately. It returns the write
// error, unlike the best-effort writes triggered by mutations.
func (c *Cache[V]) Flush(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}

	c.mu.Lock()
	if !c.persist.dirty {
		c.mu.Unlock()
		return nil
	}
	w := c.encodeLocked()
	c.mu.Unlock()

	return c.persist.write(ctx, w)
}

// Close stops the background sweep and writes a final snapshot, which also
// captures access counts that reads do not persist. The cache stays usable in
// memory afterwards but no longer persists.
func (c *Cache[V]) Close() error {
	c.sweeper.Stop()
	c.cancel()

	if c.persist == nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.persist.stopTimer()
	w := c.encodeLocked()
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := c.persist.write(ctx, w)

	c.persist.close()
	return err
}
