// Package server exposes the caches and their consumers over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Hamidon94/ultra.dogwalking-sub001/cache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/imagecache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/query"
	"github.com/Hamidon94/ultra.dogwalking-sub001/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AuthToken enables Bearer authentication when set.
	AuthToken string

	// QueryTTL overrides the api cache default TTL for query results.
	QueryTTL time.Duration

	// ImageOptions configure the image loader.
	ImageOptions []imagecache.Option

	// Logger for the server
	Logger *slog.Logger
}

// Upstream fetches documents from the hosted backend.
type Upstream interface {
	FetchJSON(ctx context.Context, path, rawQuery string) (json.RawMessage, error)
	FetchUser(ctx context.Context, id string) (json.RawMessage, error)
}

// Caches are the caches the server serves from. The caller owns them and
// closes them after Shutdown.
type Caches struct {
	API    *cache.Cache[json.RawMessage]
	Users  *cache.Cache[json.RawMessage]
	Images *cache.Cache[string]
}

// managed is the part of a cache the admin routes use.
type managed interface {
	Name() string
	Stats() cache.Stats
	Clear()
	Sweep(ctx context.Context) cache.SweepResult
	Flush(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	api      *cache.Cache[json.RawMessage]
	users    *cache.Cache[json.RawMessage]
	images   *imagecache.Loader
	managed  map[string]managed
	upstream Upstream
	flight   *query.Flight
}

// New creates a server. upstream may be nil, in which case the query routes
// answer 503.
func New(cfg Config, caches Caches, upstream Upstream) (*Server, error) {
	if caches.API == nil || caches.Users == nil || caches.Images == nil {
		return nil, errors.New("server requires the api, users and images caches")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		api:      caches.API,
		users:    caches.Users,
		upstream: upstream,
		flight:   query.NewFlight(),
		managed:  make(map[string]managed),
	}
	imageOpts := append([]imagecache.Option{imagecache.WithLogger(cfg.Logger)}, cfg.ImageOptions...)
	s.images = imagecache.NewLoader(caches.Images, imageOpts...)

	for _, c := range []managed{caches.API, caches.Users, caches.Images} {
		if _, dup := s.managed[c.Name()]; dup {
			return nil, fmt.Errorf("duplicate cache name %q", c.Name())
		}
		s.managed[c.Name()] = c
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("DELETE /caches/{name}", s.handleClear)
	mux.HandleFunc("POST /caches/{name}/sweep", s.handleSweep)

	mux.HandleFunc("GET /api/{path...}", s.handleQuery)
	mux.HandleFunc("DELETE /api/{path...}", s.handleInvalidate)
	mux.HandleFunc("GET /users/{id}", s.handleUser)
	mux.HandleFunc("GET /images", s.handleImage)
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Route = deriveRoute(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		level := slog.LevelInfo
		if wrapped.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "caches", s.cacheNames())
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, waits for in-flight ones and flushes
// pending cache writes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	for _, name := range s.cacheNames() {
		if ferr := s.managed[name].Flush(ctx); ferr != nil {
			err = errors.Join(err, fmt.Errorf("flushing %s: %w", name, ferr))
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

func (s *Server) cacheNames() []string {
	names := make([]string, 0, len(s.managed))
	for name := range s.managed {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies a request path for metrics.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/api/"):
		return "api"
	case strings.HasPrefix(path, "/users/"):
		return "users"
	case path == "/images":
		return "images"
	case strings.HasPrefix(path, "/caches/"):
		return "admin"
	default:
		return "unknown"
	}
}
