package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hamidon94/ultra.dogwalking-sub001/backend"
	"github.com/Hamidon94/ultra.dogwalking-sub001/cache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/config"
	"github.com/Hamidon94/ultra.dogwalking-sub001/snapshot"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCommands(t *testing.T) {
	tests := []struct {
		args    []string
		command string
	}{
		{[]string{}, "serve"},
		{[]string{"serve", "--address", ":9000"}, "serve"},
		{[]string{"inspect", "api", "--keys"}, "inspect"},
		{[]string{"purge"}, "purge"},
		{[]string{"purge", "api", "users"}, "purge"},
		{[]string{"version"}, "version"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var cli CLI
			parser, err := newParser(&cli)
			require.NoError(t, err)
			ctx, err := parser.Parse(tt.args)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(ctx.Command(), tt.command), ctx.Command())
			require.Equal(t, "info", cli.LogLevel)
			require.Equal(t, "text", cli.LogFormat)
		})
	}
}

func TestParseRejectsUnknownCache(t *testing.T) {
	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"inspect", "bookings"})
	require.Error(t, err)
}

func TestParseEnv(t *testing.T) {
	t.Setenv("PAWCACHE_LOG_FORMAT", "json")
	t.Setenv("PAWCACHE_CONFIG", "/etc/pawcache.yaml")

	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"version"})
	require.NoError(t, err)
	require.Equal(t, "json", cli.LogFormat)
	require.Equal(t, "/etc/pawcache.yaml", cli.Config)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "pretty"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, "debug", format)
			require.NoError(t, err)
			logger.Debug("walk booked", "walker", "sam")
			require.Contains(t, buf.String(), "walk booked")
		})
	}

	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "text")
	require.NoError(t, err)
	logger.Info("hidden")
	require.Empty(t, buf.String())

	_, err = newLogger(&buf, "loud", "text")
	require.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	require.Error(t, err)
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	tests := []config.StorageConfig{
		{Type: config.StorageMemory},
		{Type: config.StorageFile, Path: filepath.Join(dir, "files")},
		{Type: config.StorageBolt, Path: filepath.Join(dir, "bolt", "state.db")},
		{Type: config.StorageSQLite, Path: filepath.Join(dir, "sqlite", "state.db")},
	}
	for _, sc := range tests {
		t.Run(sc.Type, func(t *testing.T) {
			ctx := context.Background()
			b, err := openBackend(ctx, sc, discardLogger())
			require.NoError(t, err)
			defer func() { require.NoError(t, b.Close()) }()

			require.NoError(t, backend.WriteBytes(ctx, b, "pawcache/api", []byte("state")))
			got, err := backend.ReadBytes(ctx, b, "pawcache/api")
			require.NoError(t, err)
			require.Equal(t, []byte("state"), got)
		})
	}

	_, err := openBackend(context.Background(), config.StorageConfig{Type: "tape"}, discardLogger())
	require.Error(t, err)
}

func TestOpenCachesPersistAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	mem := backend.NewMemory()
	codec, err := snapshot.NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	caches, closeCaches, err := openCaches(ctx, cfg, mem, codec, discardLogger())
	require.NoError(t, err)
	caches.API.Set("walkers", json.RawMessage(`[{"id":"1"}]`))
	caches.Images.Set("image_https://cdn/rex.png", "data:image/png;base64,AAAA")
	require.NoError(t, closeCaches())

	again, closeAgain, err := openCaches(ctx, cfg, mem, codec, discardLogger())
	require.NoError(t, err)
	defer func() { _ = closeAgain() }()

	got, ok := again.API.Get("walkers")
	require.True(t, ok)
	require.JSONEq(t, `[{"id":"1"}]`, string(got))
	require.True(t, again.Images.Has("image_https://cdn/rex.png"))
	require.Zero(t, again.Users.Stats().TotalSize)
}

func TestOpenCachesInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Caches.Images.MaxSize = 0
	codec, err := snapshot.NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, _, err = openCaches(context.Background(), cfg, backend.NewMemory(), codec, discardLogger())
	require.ErrorIs(t, err, cache.ErrInvalidConfig)
}

func TestInspectAndPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	mem := backend.NewMemory()

	c, err := cache.New[string](ctx, config.Default().Caches.API.ToCache(config.CacheAPI),
		cache.WithBackend(mem), cache.WithNow(func() time.Time { return now }))
	require.NoError(t, err)
	c.Set("walkers", "[]")
	c.SetWithTTL("bookings", "[]", time.Second)
	_, _ = c.Get("walkers")
	require.NoError(t, c.Close())

	var out bytes.Buffer
	require.NoError(t, inspect(ctx, &out, mem, "api", "pawcache/api", true, now.Add(time.Minute)))

	var report inspectReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, 2, report.Entries)
	require.Equal(t, 1, report.Expired)
	require.Equal(t, []string{"bookings", "walkers"}, report.Keys)
	require.InDelta(t, 0.5, report.HitRate, 1e-9)
	require.Equal(t, snapshot.Version, report.Version)
	require.Equal(t, snapshot.EncodingIdentity.String(), report.Encoding, "small snapshots are not compressed")

	purged, err := purge(ctx, mem, config.Default().Caches.All(), nil, now)
	require.NoError(t, err)
	require.Equal(t, []string{"api", "images", "users"}, purged)

	out.Reset()
	require.NoError(t, inspect(ctx, &out, mem, "api", "pawcache/api", false, now))
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Zero(t, report.Entries)

	_, err = purge(ctx, mem, config.Default().Caches.All(), []string{"bookings"}, now)
	require.ErrorContains(t, err, "unknown cache")
}

func TestInspectMissingSnapshot(t *testing.T) {
	err := inspect(context.Background(), io.Discard, backend.NewMemory(), "users", "pawcache/users", false, time.Now())
	require.ErrorContains(t, err, "no snapshot stored")
}
