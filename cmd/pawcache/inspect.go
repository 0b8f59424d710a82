package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/Hamidon94/ultra.dogwalking-sub001/backend"
	"github.com/Hamidon94/ultra.dogwalking-sub001/config"
	"github.com/Hamidon94/ultra.dogwalking-sub001/expiry"
	"github.com/Hamidon94/ultra.dogwalking-sub001/snapshot"
)

// InspectCmd prints a persisted snapshot without starting the server.
type InspectCmd struct {
	Cache string `arg:"" enum:"api,images,users" help:"Cache to inspect (${enum})."`
	Keys  bool   `help:"Include the stored keys."`
}

func (c *InspectCmd) Run(g *Globals) error {
	logger, err := g.logger(os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	key := cfg.Caches.All()[c.Cache].StorageKey
	return inspect(ctx, os.Stdout, b, c.Cache, key, c.Keys, time.Now())
}

type inspectReport struct {
	Cache      string    `json:"cache"`
	StorageKey string    `json:"storage_key"`
	Version    int       `json:"version"`
	SavedAt    time.Time `json:"saved_at"`
	Bytes      int       `json:"bytes"`
	Encoding   string    `json:"encoding"`
	Entries    int       `json:"entries"`
	Expired    int       `json:"expired"`
	HitRate    float64   `json:"hit_rate"`
	Keys       []string  `json:"keys,omitempty"`
}

func inspect(ctx context.Context, w io.Writer, b backend.Backend, name, key string, withKeys bool, now time.Time) error {
	data, err := backend.ReadBytes(ctx, b, key)
	if errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("no snapshot stored for %s under %q", name, key)
	}
	if err != nil {
		return fmt.Errorf("reading %s snapshot: %w", name, err)
	}

	codec, err := snapshot.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()

	hdr, _, err := codec.DecodeHeader(data)
	if err != nil {
		return fmt.Errorf("decoding %s snapshot header: %w", name, err)
	}
	snap, err := codec.Decode(data)
	if err != nil {
		return fmt.Errorf("decoding %s snapshot: %w", name, err)
	}

	report := inspectReport{
		Cache:      name,
		StorageKey: key,
		Version:    snap.Version,
		SavedAt:    snapshot.FromMillis(snap.SavedAt).UTC(),
		Bytes:      len(data),
		Encoding:   hdr.Encoding.String(),
		Entries:    len(snap.Entries),
	}
	nowMs := snapshot.Millis(now)
	accesses := 0
	for k, e := range snap.Entries {
		if nowMs >= e.ExpiresAt {
			report.Expired++
		}
		accesses += e.AccessCount
		if withKeys {
			report.Keys = append(report.Keys, k)
		}
	}
	report.HitRate = expiry.HitRate(accesses, len(snap.Entries))
	slices.Sort(report.Keys)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// PurgeCmd empties persisted snapshots. Run it while the server is stopped;
// a running server overwrites the snapshot on its next write.
type PurgeCmd struct {
	Caches []string `arg:"" optional:"" help:"Caches to purge. Defaults to all."`
}

func (c *PurgeCmd) Run(g *Globals) error {
	logger, err := g.logger(os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	purged, err := purge(ctx, b, cfg.Caches.All(), c.Caches, time.Now())
	for _, name := range purged {
		logger.Info("cache purged", "cache", name)
	}
	return err
}

func purge(ctx context.Context, b backend.Backend, caches map[string]config.CacheConfig, names []string, now time.Time) ([]string, error) {
	if len(names) == 0 {
		for name := range caches {
			names = append(names, name)
		}
		slices.Sort(names)
	}

	codec, err := snapshot.NewCodec()
	if err != nil {
		return nil, err
	}
	defer codec.Close()

	empty, err := codec.Encode(snapshot.New(now))
	if err != nil {
		return nil, err
	}

	var purged []string
	for _, name := range names {
		cc, ok := caches[name]
		if !ok {
			return purged, fmt.Errorf("unknown cache %q", name)
		}
		if !cc.Persistence {
			continue
		}
		if err := backend.WriteBytes(ctx, b, cc.StorageKey, empty); err != nil {
			return purged, fmt.Errorf("purging %s: %w", name, err)
		}
		purged = append(purged, name)
	}
	return purged, nil
}
