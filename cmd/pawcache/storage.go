package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Hamidon94/ultra.dogwalking-sub001/backend"
	"github.com/Hamidon94/ultra.dogwalking-sub001/cache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/config"
	"github.com/Hamidon94/ultra.dogwalking-sub001/server"
	"github.com/Hamidon94/ultra.dogwalking-sub001/snapshot"
	"github.com/Hamidon94/ultra.dogwalking-sub001/store/boltstore"
	"github.com/Hamidon94/ultra.dogwalking-sub001/store/sqlitestore"
)

// openBackend opens the configured durable store wrapped with metrics. The
// caller closes it.
func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*backend.InstrumentedBackend, error) {
	var (
		b   backend.Backend
		err error
	)
	switch cfg.Type {
	case config.StorageMemory:
		b = backend.NewMemory()
	case config.StorageFile:
		b, err = backend.NewFilesystem(cfg.Path)
	case config.StorageBolt:
		if err = os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err == nil {
			b, err = boltstore.Open(cfg.Path, boltstore.WithLogger(logger))
		}
	case config.StorageSQLite:
		if err = os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err == nil {
			b, err = sqlitestore.Open(ctx, cfg.Path)
		}
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Type, err)
	}

	logger.Info("storage opened", "type", cfg.Type, "path", cfg.Path)
	return backend.NewInstrumentedBackend(b, cfg.Type), nil
}

// openCaches constructs the three caches over b. The returned func closes
// them, writing their final snapshots.
func openCaches(ctx context.Context, cfg *config.Config, b backend.Backend, codec *snapshot.Codec, logger *slog.Logger) (server.Caches, func() error, error) {
	opts := []cache.Option{
		cache.WithBackend(b),
		cache.WithCodec(codec),
		cache.WithLogger(logger),
	}

	var closers []func() error
	closeAll := func() error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i]())
		}
		return err
	}
	fail := func(name string, err error) (server.Caches, func() error, error) {
		return server.Caches{}, nil, errors.Join(fmt.Errorf("creating %s cache: %w", name, err), closeAll())
	}

	api, err := cache.New[json.RawMessage](ctx, cfg.Caches.API.ToCache(config.CacheAPI), opts...)
	if err != nil {
		return fail(config.CacheAPI, err)
	}
	closers = append(closers, api.Close)

	users, err := cache.New[json.RawMessage](ctx, cfg.Caches.Users.ToCache(config.CacheUsers), opts...)
	if err != nil {
		return fail(config.CacheUsers, err)
	}
	closers = append(closers, users.Close)

	images, err := cache.New[string](ctx, cfg.Caches.Images.ToCache(config.CacheImages), opts...)
	if err != nil {
		return fail(config.CacheImages, err)
	}
	closers = append(closers, images.Close)

	return server.Caches{API: api, Users: users, Images: images}, closeAll, nil
}
