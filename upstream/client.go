// Package upstream is the HTTP client for the hosted backend that cached
// queries fetch from.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/Hamidon94/ultra.dogwalking-sub001/telemetry"
)

// MaxResponseSize caps an upstream response body.
const MaxResponseSize = 10 * 1024 * 1024

// ErrInvalidResponse is returned when the upstream body is not JSON.
var ErrInvalidResponse = errors.New("invalid upstream response")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithResolver enables DNS caching through resolver on the default transport.
func WithResolver(r *dnscache.Resolver) Option {
	return func(cl *Client) {
		cl.resolver = r
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// Client fetches JSON documents from the backend.
type Client struct {
	base     *url.URL
	apiKey   string
	http     *http.Client
	resolver *dnscache.Resolver
	logger   *slog.Logger
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		base:   base,
		apiKey: cfg.APIKey,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: telemetry.NewInstrumentedTransport(NewTransport(c.resolver), "api"),
		}
	}
	c.logger = c.logger.With("component", "upstream")
	return c, nil
}

// FetchJSON GETs path (relative to the base URL) with rawQuery and returns
// the JSON body.
func (c *Client) FetchJSON(ctx context.Context, path, rawQuery string) (json.RawMessage, error) {
	u := c.base.JoinPath(path)
	u.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u.Path, err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidResponse, MaxResponseSize)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s did not return JSON", ErrInvalidResponse, u.Path)
	}

	c.logger.Debug("fetched upstream document", "path", u.Path, "bytes", len(body))
	return json.RawMessage(body), nil
}

// FetchUser returns the profile of one user.
func (c *Client) FetchUser(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, errors.New("empty user id")
	}
	return c.FetchJSON(ctx, "users/"+url.PathEscape(id), "")
}
