// Package query caches the results of asynchronous fetches.
//
// A Query binds a fetch function to a cache key derived from a name and
// parameters. Load serves from the cache when it can and fetches otherwise;
// Refetch always fetches. Results are stored as JSON so one cache can hold
// queries of different types.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Hamidon94/ultra.dogwalking-sub001/download"
	"github.com/Hamidon94/ultra.dogwalking-sub001/telemetry"
)

// Store is the subset of a cache a Query needs. *cache.Cache[json.RawMessage]
// implements it.
type Store interface {
	Get(key string) (json.RawMessage, bool)
	SetWithTTL(key string, data json.RawMessage, ttl time.Duration)
	Delete(key string) bool
}

// Fetcher loads fresh data.
type Fetcher[T any] func(ctx context.Context) (T, error)

// State is what a Query last observed.
type State[T any] struct {
	Data      T
	Err       error
	Loading   bool
	FromCache bool
	UpdatedAt time.Time
}

// Flight shares one in-flight fetch between queries with the same key.
type Flight struct {
	d *download.Downloader[json.RawMessage]
}

// NewFlight creates an empty flight group.
func NewFlight(opts ...download.Option) *Flight {
	return &Flight{d: download.New[json.RawMessage](opts...)}
}

// Option configures a Query.
type Option func(*options)

type options struct {
	ttl            time.Duration
	enabled        bool
	refetchOnMount bool
	flight         *Flight
	logger         *slog.Logger
	now            func() time.Time
}

// WithTTL sets the lifetime of stored results. Zero uses the store's default.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithEnabled turns Load into a no-op when false.
func WithEnabled(enabled bool) Option {
	return func(o *options) {
		o.enabled = enabled
	}
}

// WithRefetchOnMount makes the first Load skip the cache and fetch.
func WithRefetchOnMount(refetch bool) Option {
	return func(o *options) {
		o.refetchOnMount = refetch
	}
}

// WithFlight deduplicates concurrent fetches through f.
func WithFlight(f *Flight) Option {
	return func(o *options) {
		o.flight = f
	}
}

// WithLogger sets the logger for the query.
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

// Query is one cached fetch. It is safe for concurrent use.
type Query[T any] struct {
	store Store
	name  string
	key   string
	fetch Fetcher[T]
	opts  options

	mu      sync.Mutex
	state   State[T]
	mounted bool
}

// New creates a query named name with the given parameters. store must not be nil.
func New[T any](store Store, name string, params any, fetch Fetcher[T], opts ...Option) *Query[T] {
	o := options{
		enabled: true,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	key := Key(name, params)
	return &Query[T]{
		store: store,
		name:  name,
		key:   key,
		fetch: fetch,
		opts:  o,
	}
}

// Key returns the cache key the query reads and writes.
func (q *Query[T]) Key() string {
	return q.key
}

// State returns the most recent state.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Load serves the cached result if there is one and fetches otherwise. A
// disabled query returns its current state without doing anything.
func (q *Query[T]) Load(ctx context.Context) State[T] {
	if !q.opts.enabled {
		return q.State()
	}

	q.mu.Lock()
	first := !q.mounted
	q.mounted = true
	q.mu.Unlock()

	if !(first && q.opts.refetchOnMount) {
		if data, ok := q.cached(); ok {
			q.mu.Lock()
			q.state = State[T]{Data: data, FromCache: true, UpdatedAt: q.opts.now()}
			s := q.state
			q.mu.Unlock()
			return s
		}
	}

	return q.run(ctx)
}

// Refetch fetches regardless of the cache and stores the result on success.
func (q *Query[T]) Refetch(ctx context.Context) State[T] {
	return q.run(ctx)
}

// Invalidate removes the cached result without fetching.
func (q *Query[T]) Invalidate() bool {
	return q.store.Delete(q.key)
}

func (q *Query[T]) cached() (T, bool) {
	var data T
	raw, ok := q.store.Get(q.key)
	if !ok {
		return data, false
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		q.opts.logger.Warn("dropping undecodable cached result", "query", q.name, "key", q.key, "error", err)
		q.store.Delete(q.key)
		var zero T
		return zero, false
	}
	return data, true
}

func (q *Query[T]) run(ctx context.Context) State[T] {
	q.mu.Lock()
	q.state.Loading = true
	q.mu.Unlock()

	start := time.Now()
	data, shared, err := q.fetchAndStore(ctx)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordQueryFetch(ctx, q.name, outcome, shared, time.Since(start))

	q.mu.Lock()
	defer q.mu.Unlock()
	q.state.Loading = false
	if err != nil {
		q.opts.logger.Debug("query fetch failed", "query", q.name, "key", q.key, "error", err)
		q.state.Err = err
		return q.state
	}
	q.state = State[T]{Data: data, UpdatedAt: q.opts.now()}
	return q.state
}

func (q *Query[T]) fetchAndStore(ctx context.Context) (T, bool, error) {
	var zero T

	if q.opts.flight == nil {
		data, err := q.fetch(ctx)
		if err != nil {
			return zero, false, err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return zero, false, fmt.Errorf("encoding %s result: %w", q.name, err)
		}
		q.store.SetWithTTL(q.key, raw, q.opts.ttl)
		return data, false, nil
	}

	d := q.opts.flight.d
	raw, shared, err := d.Do(ctx, q.key, func(ctx context.Context) (json.RawMessage, error) {
		data, err := q.fetch(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s result: %w", q.name, err)
		}
		q.store.SetWithTTL(q.key, raw, q.opts.ttl)
		return raw, nil
	})
	if err != nil {
		return zero, shared, err
	}

	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return zero, shared, fmt.Errorf("decoding %s result: %w", q.name, err)
	}
	return data, shared, nil
}
