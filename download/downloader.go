// Package download provides singleflight-based deduplication for concurrent
// upstream fetches. When multiple callers ask for the same uncached resource,
// only one upstream fetch is performed and every caller receives its result.
package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// Func fetches a value from upstream.
// The context passed to Func is detached from any single caller so that one
// caller timing out does not cancel the fetch for other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Downloader.
func New[T any](opts ...Option) *Downloader[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Downloader[T]{logger: o.logger}
}

// Do deduplicates concurrent fetches for the same key.
// The fn receives a context that keeps the caller's values but not its
// cancellation. Returns the value, whether it was shared with another caller,
// and any error.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters. A
// finished call is dropped from the group, so a failed fetch is retried by
// the next caller.
func (d *Downloader[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		d.logger.Debug("caller gave up waiting for fetch", "key", key, "error", ctx.Err())
		return zero, false, ctx.Err()
	}
}

// IsContextError reports whether err is a cancellation or deadline error.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// HandleError writes an HTTP error response for fetch errors that the caller
// has no more specific mapping for.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if IsContextError(err) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	logger.Error("upstream fetch failed", "error", err)
	http.Error(w, "upstream error", http.StatusBadGateway)
}
