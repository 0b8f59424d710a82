// Package imagecache turns remote images into cached inline data URIs.
//
// A loaded image is decoded, redrawn onto an RGBA canvas and re-encoded as
// PNG so the cached value is self-contained. When re-encoding fails or the
// result is too large to inline, the caller gets the original URL back and
// nothing is cached.
package imagecache

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/Hamidon94/ultra.dogwalking-sub001/download"
	"github.com/Hamidon94/ultra.dogwalking-sub001/telemetry"
	"github.com/Hamidon94/ultra.dogwalking-sub001/upstream"
)

// KeyPrefix namespaces image entries.
const KeyPrefix = "image_"

const (
	// DefaultMaxBytes caps a downloaded image.
	DefaultMaxBytes = 10 * 1024 * 1024

	// DefaultMaxInlineBytes caps the data URI stored in the cache.
	DefaultMaxInlineBytes = 128 * 1024
)

var (
	// ErrEmptyURL is returned by Load for an empty URL.
	ErrEmptyURL = errors.New("empty image url")

	// ErrTooLarge is returned when the downloaded image exceeds the size cap.
	ErrTooLarge = errors.New("image too large")

	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid image url")

	// ErrForbiddenHost is returned for hosts the loader may not fetch from.
	ErrForbiddenHost = errors.New("image host not allowed")
)

// Store is the subset of a cache the loader needs. *cache.Cache[string]
// implements it.
type Store interface {
	Get(key string) (string, bool)
	Set(key string, data string)
}

// Result is what a page should render.
type Result struct {
	// Src is a data URI when Inline is true, otherwise the original URL.
	Src    string `json:"src"`
	Inline bool   `json:"inline"`
	Cached bool   `json:"cached"`
}

// EncodeFunc writes img in the inline format.
type EncodeFunc func(w io.Writer, img image.Image) error

// Option configures a Loader.
type Option func(*Loader)

// WithHTTPClient sets the client used to download images.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		l.client = c
	}
}

// WithMaxBytes caps the downloaded image size.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		l.maxBytes = n
	}
}

// WithMaxInlineBytes caps the size of a cached data URI.
func WithMaxInlineBytes(n int) Option {
	return func(l *Loader) {
		l.maxInline = n
	}
}

// WithAllowedHosts restricts downloads to the named hosts. Listed hosts may
// resolve to private addresses. With no list, any public host is allowed.
func WithAllowedHosts(hosts ...string) Option {
	return func(l *Loader) {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				l.allowed[h] = struct{}{}
			}
		}
	}
}

// WithEncoder replaces the PNG encoder.
func WithEncoder(enc EncodeFunc) Option {
	return func(l *Loader) {
		l.encode = enc
	}
}

// WithLogger sets the logger for the loader.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Loader loads images through a cache. Concurrent loads of one URL share a
// single download.
type Loader struct {
	store     Store
	client    *http.Client
	flight    *download.Downloader[Result]
	maxBytes  int64
	maxInline int
	allowed   map[string]struct{}
	encode    EncodeFunc
	logger    *slog.Logger
}

// NewLoader creates a loader backed by store.
func NewLoader(store Store, opts ...Option) *Loader {
	l := &Loader{
		store:     store,
		maxBytes:  DefaultMaxBytes,
		maxInline: DefaultMaxInlineBytes,
		allowed:   make(map[string]struct{}),
		encode:    encodePNG,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.client == nil {
		l.client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: telemetry.NewInstrumentedTransport(NewTransport(nil, len(l.allowed) > 0), "images"),
		}
	}
	l.logger = l.logger.With("component", "imagecache")
	l.flight = download.New[Result](download.WithLogger(l.logger))
	return l
}

// CacheKey returns the cache key for an image URL.
func CacheKey(url string) string {
	return KeyPrefix + url
}

// Load returns the cached data URI for url, or downloads and converts it.
// Download and decode failures are returned as errors; conversion failures
// fall back to the original URL.
func (l *Loader) Load(ctx context.Context, url string) (Result, error) {
	if url == "" {
		return Result{}, ErrEmptyURL
	}
	if err := l.checkURL(url); err != nil {
		telemetry.RecordImageLoad(ctx, "rejected")
		return Result{}, err
	}

	key := CacheKey(url)
	if src, ok := l.store.Get(key); ok {
		telemetry.RecordImageLoad(ctx, "hit")
		return Result{Src: src, Inline: true, Cached: true}, nil
	}

	res, _, err := l.flight.Do(ctx, key, func(ctx context.Context) (Result, error) {
		return l.load(ctx, key, url)
	})
	if err != nil {
		telemetry.RecordImageLoad(ctx, "error")
		return Result{}, err
	}
	return res, nil
}

// checkURL rejects non-http(s) URLs and hosts outside the allowlist. Without
// an allowlist, loopback, private and link-local literals are rejected here
// and hostnames are left to the transport's address filter.
func (l *Loader) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	host := strings.ToLower(u.Hostname())
	if len(l.allowed) > 0 {
		if _, ok := l.allowed[host]; !ok {
			return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
		}
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && !upstream.PublicAddress(addr) {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	return nil
}

// NewTransport returns the image download transport. Unless private
// networks are allowed, dials to non-public addresses are refused.
func NewTransport(resolver *dnscache.Resolver, allowPrivate bool) *http.Transport {
	if allowPrivate {
		return upstream.NewTransport(resolver)
	}
	return upstream.NewTransport(resolver, upstream.WithAddressFilter(upstream.PublicAddress))
}

func (l *Loader) load(ctx context.Context, key, url string) (Result, error) {
	img, err := l.fetch(ctx, url)
	if err != nil {
		return Result{}, err
	}

	src, err := l.inline(img)
	if err != nil {
		l.logger.Warn("serving image by url", "url", url, "error", err)
		telemetry.RecordImageLoad(ctx, "fallback")
		return Result{Src: url}, nil
	}

	l.store.Set(key, src)
	telemetry.RecordImageLoad(ctx, "inline")
	return Result{Src: src, Inline: true}, nil
}

func (l *Loader) fetch(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, l.maxBytes)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// inline redraws img on an RGBA canvas and returns it as a PNG data URI.
func (l *Loader) inline(img image.Image) (string, error) {
	bounds := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), img, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := l.encode(&buf, canvas); err != nil {
		return "", fmt.Errorf("encoding image: %w", err)
	}

	const prefix = "data:image/png;base64,"
	size := len(prefix) + base64.StdEncoding.EncodedLen(buf.Len())
	if l.maxInline > 0 && size > l.maxInline {
		return "", fmt.Errorf("inline image is %d bytes, limit %d", size, l.maxInline)
	}
	return prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func encodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	return enc.Encode(w, img)
}
