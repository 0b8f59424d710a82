package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/dnscache"

	"github.com/Hamidon94/ultra.dogwalking-sub001/config"
	"github.com/Hamidon94/ultra.dogwalking-sub001/credentials"
	"github.com/Hamidon94/ultra.dogwalking-sub001/credentials/opprovider"
	"github.com/Hamidon94/ultra.dogwalking-sub001/imagecache"
	"github.com/Hamidon94/ultra.dogwalking-sub001/server"
	"github.com/Hamidon94/ultra.dogwalking-sub001/snapshot"
	"github.com/Hamidon94/ultra.dogwalking-sub001/telemetry"
	"github.com/Hamidon94/ultra.dogwalking-sub001/upstream"
)

// ServeCmd runs the HTTP server until SIGINT or SIGTERM.
type ServeCmd struct {
	Address string `help:"Override server.addr from the config file." env:"PAWCACHE_ADDRESS"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger, err := g.logger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadServeConfig(ctx, g, logger)
	if err != nil {
		return err
	}
	if c.Address != "" {
		cfg.Server.Addr = c.Address
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
		EnablePrometheus: cfg.Telemetry.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	store, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	codec, err := snapshot.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()

	caches, closeCaches, err := openCaches(ctx, cfg, store, codec, logger)
	if err != nil {
		return err
	}

	resolver := &dnscache.Resolver{}
	go upstream.RefreshDNS(ctx, resolver, cfg.Upstream.DNSRefresh)

	var up server.Upstream
	if cfg.Upstream.BaseURL != "" {
		client, err := upstream.NewClient(upstream.Config{
			BaseURL: cfg.Upstream.BaseURL,
			APIKey:  cfg.Upstream.APIKey,
			Timeout: cfg.Upstream.Timeout,
		}, upstream.WithResolver(resolver), upstream.WithLogger(logger))
		if err != nil {
			return errors.Join(err, closeCaches())
		}
		up = client
	} else {
		logger.Warn("upstream.base_url not set, query routes are disabled")
	}

	srv, err := server.New(server.Config{
		Address:      cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		AuthToken:    cfg.Server.AuthToken,
		ImageOptions: []imagecache.Option{
			imagecache.WithMaxBytes(cfg.Images.MaxBytes),
			imagecache.WithMaxInlineBytes(cfg.Images.MaxInlineBytes),
			imagecache.WithAllowedHosts(cfg.Images.AllowedHosts...),
			imagecache.WithHTTPClient(&http.Client{
				Timeout:   cfg.Upstream.Timeout,
				Transport: telemetry.NewInstrumentedTransport(imagecache.NewTransport(resolver, len(cfg.Images.AllowedHosts) > 0), "images"),
			}),
		},
		Logger: logger,
	}, caches, up)
	if err != nil {
		return errors.Join(err, closeCaches())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, srv.Shutdown(shutdownCtx), closeCaches())
}

// loadServeConfig loads the config file and applies the credentials file
// when one is configured.
func loadServeConfig(ctx context.Context, g *Globals, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if cfg.CredentialsFile == "" {
		return cfg, nil
	}

	r := credentials.NewResolver(
		credentials.WithLogger(logger),
		opprovider.WithOnePassword(g.OPBinary),
	)
	creds, err := r.ResolveFile(ctx, cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	cfg.ApplyCredentials(creds)
	return cfg, nil
}
