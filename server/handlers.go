package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/Hamidon94/ultra.dogwalking-sub001/cache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/download"
	"github.com/Hamidon94/ultra.dogwalking-sub001/imagecache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/query"
	"github.com/Hamidon94/ultra.dogwalking-sub001/telemetry"
	"github.com/Hamidon94/ultra.dogwalking-sub001/upstream"
)

// refreshParam forces a refetch and is not part of the query identity.
const refreshParam = "refresh"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]cache.Stats, 0, len(s.managed))
	for _, name := range s.cacheNames() {
		stats = append(stats, s.managed[name].Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{"caches": stats})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	c, ok := s.managed[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown cache")
		return
	}
	telemetry.SetEndpoint(r, "clear")
	c.Clear()
	s.logger.Info("cache cleared", "cache", c.Name())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	c, ok := s.managed[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown cache")
		return
	}
	telemetry.SetEndpoint(r, "sweep")
	writeJSON(w, http.StatusOK, c.Sweep(r.Context()))
}

// apiQuery builds the query for an /api request. The query string minus the
// refresh flag is both forwarded upstream and part of the cache key.
func (s *Server) apiQuery(r *http.Request) *query.Query[json.RawMessage] {
	path := r.PathValue("path")
	values := r.URL.Query()
	values.Del(refreshParam)
	rawQuery := values.Encode()

	var params any
	if len(values) > 0 {
		params = values
	}

	return query.New[json.RawMessage](s.api, path, params, func(ctx context.Context) (json.RawMessage, error) {
		return s.upstream.FetchJSON(ctx, path, rawQuery)
	}, query.WithFlight(s.flight), query.WithTTL(s.config.QueryTTL), query.WithLogger(s.logger))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream not configured")
		return
	}
	telemetry.SetEndpoint(r, "query")

	q := s.apiQuery(r)
	var st query.State[json.RawMessage]
	if r.URL.Query().Get(refreshParam) == "1" {
		st = q.Refetch(r.Context())
	} else {
		st = q.Load(r.Context())
	}
	s.writeState(w, r, st)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "invalidate")
	if !s.apiQuery(r).Invalidate() {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream not configured")
		return
	}
	telemetry.SetEndpoint(r, "user")

	id := r.PathValue("id")
	q := query.New[json.RawMessage](s.users, "user", map[string]string{"id": id}, func(ctx context.Context) (json.RawMessage, error) {
		return s.upstream.FetchUser(ctx, id)
	}, query.WithFlight(s.flight), query.WithLogger(s.logger))
	s.writeState(w, r, q.Load(r.Context()))
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "image")

	res, err := s.images.Load(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		switch {
		case errors.Is(err, imagecache.ErrEmptyURL):
			writeError(w, http.StatusBadRequest, "url parameter is required")
			return
		case errors.Is(err, imagecache.ErrInvalidURL):
			writeError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
			return
		case errors.Is(err, imagecache.ErrForbiddenHost):
			writeError(w, http.StatusForbidden, "image host not allowed")
			return
		}
		s.writeFetchError(w, err)
		return
	}
	setCacheHeader(w, r, res.Cached)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request, st query.State[json.RawMessage]) {
	if st.Err != nil {
		s.writeFetchError(w, st.Err)
		return
	}
	setCacheHeader(w, r, st.FromCache)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(st.Data)
}

// writeFetchError passes upstream client errors through and maps everything
// else to a gateway error.
func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	var se *upstream.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		writeError(w, se.StatusCode, http.StatusText(se.StatusCode))
		return
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	download.HandleError(w, s.logger, err)
}

func setCacheHeader(w http.ResponseWriter, r *http.Request, hit bool) {
	result := telemetry.CacheMiss
	if hit {
		result = telemetry.CacheHit
	}
	telemetry.SetCacheResult(r, result)
	w.Header().Set("X-Cache", string(result))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
