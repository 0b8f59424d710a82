package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hamidon94/ultra.dogwalking-sub001/cache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/imagecache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/upstream"
)

// fakeUpstream records calls and serves canned documents.
type fakeUpstream struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeUpstream) FetchJSON(_ context.Context, path, rawQuery string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path+"?"+rawQuery)
	if f.err != nil {
		return nil, f.err
	}
	doc, _ := json.Marshal(map[string]string{"path": path, "query": rawQuery})
	return doc, nil
}

func (f *fakeUpstream) FetchUser(ctx context.Context, id string) (json.RawMessage, error) {
	return f.FetchJSON(ctx, "users/"+id, "")
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCaches(t *testing.T) Caches {
	t.Helper()
	cfg := func(name string, ttl time.Duration) cache.Config {
		return cache.Config{Name: name, MaxSize: 100, DefaultTTL: ttl, CleanupInterval: time.Hour}
	}
	api, err := cache.New[json.RawMessage](context.Background(), cfg("api", 5*time.Minute))
	require.NoError(t, err)
	users, err := cache.New[json.RawMessage](context.Background(), cfg("users", 5*time.Minute))
	require.NoError(t, err)
	images, err := cache.New[string](context.Background(), cfg("images", 24*time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = api.Close()
		_ = users.Close()
		_ = images.Close()
	})
	return Caches{API: api, Users: users, Images: images}
}

func newTestServer(t *testing.T, cfg Config, up Upstream) (*Server, Caches) {
	t.Helper()
	cfg.Logger = discardLogger()
	caches := newTestCaches(t)
	s, err := New(cfg, caches, up)
	require.NoError(t, err)
	return s, caches
}

func do(t *testing.T, s *Server, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresCaches(t *testing.T) {
	_, err := New(Config{Logger: discardLogger()}, Caches{}, nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil)
	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil)
	rec := do(t, s, http.MethodGet, "/health", "X-Request-ID", "walk-123")
	require.Equal(t, "walk-123", rec.Header().Get("X-Request-ID"))
}

func TestQuery_MissThenHit(t *testing.T) {
	up := &fakeUpstream{}
	s, caches := newTestServer(t, Config{}, up)

	rec := do(t, s, http.MethodGet, "/api/walkers?limit=10&city=Oslo")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "miss", rec.Header().Get("X-Cache"))
	require.JSONEq(t, `{"path":"walkers","query":"city=Oslo&limit=10"}`, rec.Body.String())

	// Parameter order does not change the identity.
	rec = do(t, s, http.MethodGet, "/api/walkers?city=Oslo&limit=10")
	require.Equal(t, "hit", rec.Header().Get("X-Cache"))
	require.Equal(t, 1, up.callCount())
	require.Equal(t, 1, caches.API.Stats().TotalSize)
}

func TestQuery_Refresh(t *testing.T) {
	up := &fakeUpstream{}
	s, _ := newTestServer(t, Config{}, up)

	do(t, s, http.MethodGet, "/api/bookings")
	rec := do(t, s, http.MethodGet, "/api/bookings?refresh=1")
	require.Equal(t, "miss", rec.Header().Get("X-Cache"))
	require.Equal(t, 2, up.callCount())

	require.Equal(t, "hit", do(t, s, http.MethodGet, "/api/bookings").Header().Get("X-Cache"))
}

func TestQuery_Invalidate(t *testing.T) {
	up := &fakeUpstream{}
	s, _ := newTestServer(t, Config{}, up)

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/api/walkers").Code)

	do(t, s, http.MethodGet, "/api/walkers")
	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/walkers").Code)
	require.Equal(t, "miss", do(t, s, http.MethodGet, "/api/walkers").Header().Get("X-Cache"))
	require.Equal(t, 2, up.callCount())
}

func TestQuery_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found passes through", &upstream.StatusError{StatusCode: http.StatusNotFound}, http.StatusNotFound},
		{"server error is a bad gateway", &upstream.StatusError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
		{"deadline is a gateway timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"client timeout is a gateway timeout", &url.Error{Op: "Get", URL: "http://backend", Err: timeoutErr{}}, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{err: tt.err}
			s, caches := newTestServer(t, Config{}, up)

			rec := do(t, s, http.MethodGet, "/api/walkers")
			require.Equal(t, tt.status, rec.Code)
			require.Zero(t, caches.API.Stats().TotalSize, "errors are not cached")
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestQuery_NoUpstream(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/walkers").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/users/42").Code)
}

func TestUser(t *testing.T) {
	up := &fakeUpstream{}
	s, caches := newTestServer(t, Config{}, up)

	rec := do(t, s, http.MethodGet, "/users/42")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"path":"users/42","query":""}`, rec.Body.String())

	require.Equal(t, "hit", do(t, s, http.MethodGet, "/users/42").Header().Get("X-Cache"))
	require.Equal(t, 1, up.callCount())
	require.Equal(t, []string{`user:{"id":"42"}`}, caches.Users.Keys())
	require.Zero(t, caches.API.Stats().TotalSize)
}

func TestImage(t *testing.T) {
	var body bytes.Buffer
	require.NoError(t, png.Encode(&body, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body.Bytes())
	}))
	defer host.Close()

	s, _ := newTestServer(t, Config{ImageOptions: []imagecache.Option{imagecache.WithAllowedHosts("127.0.0.1")}}, nil)
	target := "/images?url=" + url.QueryEscape(host.URL+"/dog.png")

	rec := do(t, s, http.MethodGet, target)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "miss", rec.Header().Get("X-Cache"))

	var res struct {
		Src    string `json:"src"`
		Inline bool   `json:"inline"`
		Cached bool   `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Inline)
	require.Contains(t, res.Src, "data:image/png;base64,")

	rec = do(t, s, http.MethodGet, target)
	require.Equal(t, "hit", rec.Header().Get("X-Cache"))
}

func TestImage_Errors(t *testing.T) {
	s, _ := newTestServer(t, Config{ImageOptions: []imagecache.Option{imagecache.WithAllowedHosts("127.0.0.1")}}, nil)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/images").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/images?url="+url.QueryEscape("file:///etc/passwd")).Code)
	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/images?url="+url.QueryEscape("http://10.0.0.5/x.png")).Code)

	host := httptest.NewServer(http.NotFoundHandler())
	defer host.Close()
	rec := do(t, s, http.MethodGet, "/images?url="+url.QueryEscape(host.URL+"/gone.png"))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestImage_RefusesInternalAddresses(t *testing.T) {
	var hits atomic.Int32
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer host.Close()

	s, caches := newTestServer(t, Config{}, nil)
	for _, target := range []string{
		host.URL + "/dog.png",
		"http://169.254.169.254/latest/meta-data/",
		"http://localhost:8080/stats",
	} {
		rec := do(t, s, http.MethodGet, "/images?url="+url.QueryEscape(target))
		require.Equal(t, http.StatusForbidden, rec.Code, target)
	}
	require.Zero(t, hits.Load())
	require.Zero(t, caches.Images.Stats().TotalSize)
}

func TestStatsAndAdmin(t *testing.T) {
	up := &fakeUpstream{}
	s, caches := newTestServer(t, Config{}, up)
	do(t, s, http.MethodGet, "/api/walkers")

	rec := do(t, s, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Caches []cache.Stats `json:"caches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Caches, 3)
	require.Equal(t, "api", body.Caches[0].Name)
	require.Equal(t, 1, body.Caches[0].TotalSize)

	rec = do(t, s, http.MethodPost, "/caches/api/sweep")
	require.Equal(t, http.StatusOK, rec.Code)
	var sweep cache.SweepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sweep))
	require.Equal(t, 1, sweep.Remaining)

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/caches/api").Code)
	require.Zero(t, caches.API.Stats().TotalSize)

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/caches/bookings").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/caches/bookings/sweep").Code)
}

func TestAuthWiredIntoHandler(t *testing.T) {
	s, _ := newTestServer(t, Config{AuthToken: "walk-token"}, &fakeUpstream{})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/stats").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/stats", "Authorization", "Bearer walk-token").Code)
}

func TestShutdownFlushes(t *testing.T) {
	s, _ := newTestServer(t, Config{Address: "127.0.0.1:0"}, nil)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestDeriveRoute(t *testing.T) {
	tests := map[string]string{
		"/health":        "internal",
		"/metrics":       "internal",
		"/stats":         "internal",
		"/api/walkers":   "api",
		"/users/42":      "users",
		"/images":        "images",
		"/caches/api":    "admin",
		"/something/odd": "unknown",
	}
	for path, want := range tests {
		require.Equal(t, want, deriveRoute(path), path)
	}
}
