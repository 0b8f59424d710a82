package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hamidon94/ultra.dogwalking-sub001/backend"
	"github.com/Hamidon94/ultra.dogwalking-sub001/snapshot"
	"github.com/Hamidon94/ultra.dogwalking-sub001/telemetry"
)

// persistTimeout bounds a single snapshot write triggered by a mutation.
const persistTimeout = 5 * time.Second

// persister mirrors a cache to one backend key. Snapshots are numbered and a
// write never replaces a snapshot with a higher number.
type persister struct {
	name      string
	key       string
	backend   backend.Backend
	codec     *snapshot.Codec
	ownsCodec bool
	delay     time.Duration
	logger    *slog.Logger

	// Guarded by Cache.mu.
	gen   uint64
	dirty bool
	timer *time.Timer

	writeMu sync.Mutex
	written uint64

	errors atomic.Int64
}

// pendingWrite is an encoded snapshot waiting to be written. A write with a
// drop cause removes the stored snapshot instead, so state that could not be
// encoded is never restored from an older copy.
type pendingWrite struct {
	gen  uint64
	data []byte
	drop error
}

func newPersister(cfg Config, b backend.Backend, codec *snapshot.Codec, logger *slog.Logger) (*persister, error) {
	p := &persister{
		name:    cfg.Name,
		key:     cfg.StorageKey,
		backend: b,
		codec:   codec,
		delay:   cfg.PersistDelay,
		logger:  logger,
	}
	if p.codec == nil {
		c, err := snapshot.NewCodec()
		if err != nil {
			return nil, fmt.Errorf("creating snapshot codec: %w", err)
		}
		p.codec = c
		p.ownsCodec = true
	}
	return p, nil
}

func (p *persister) write(ctx context.Context, w *pendingWrite) error {
	if w == nil {
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if w.gen <= p.written {
		p.logger.Debug("skipping stale snapshot", "generation", w.gen, "written", p.written)
		return nil
	}

	if w.drop != nil {
		if err := p.backend.Delete(ctx, p.key); err != nil && !errors.Is(err, backend.ErrNotFound) {
			p.errors.Add(1)
			telemetry.RecordPersist(ctx, p.name, "error", 0)
			p.logger.Warn("failed to drop stale snapshot", "key", p.key, "error", err)
			return fmt.Errorf("dropping snapshot %s: %w", p.key, errors.Join(w.drop, err))
		}
		p.written = w.gen
		telemetry.RecordPersist(ctx, p.name, "dropped", 0)
		p.logger.Warn("dropped stored snapshot", "key", p.key, "error", w.drop)
		return fmt.Errorf("snapshot %s dropped: %w", p.key, w.drop)
	}

	if err := backend.WriteBytes(ctx, p.backend, p.key, w.data); err != nil {
		p.errors.Add(1)
		telemetry.RecordPersist(ctx, p.name, "error", 0)
		p.logger.Warn("failed to persist snapshot", "key", p.key, "error", err)
		return fmt.Errorf("writing snapshot %s: %w", p.key, err)
	}
	p.written = w.gen
	telemetry.RecordPersist(ctx, p.name, "success", len(w.data))
	return nil
}

func (p *persister) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *persister) close() {
	if p.ownsCodec {
		p.codec.Close()
	}
}

// changedLocked records a mutation. In eager mode it returns the snapshot to
// write once the lock is released; with a persist delay it arms the flush
// timer and returns nil.
func (c *Cache[V]) changedLocked() *pendingWrite {
	p := c.persist
	if p == nil || c.closed {
		return nil
	}
	p.dirty = true
	if p.delay > 0 {
		if p.timer == nil {
			p.timer = time.AfterFunc(p.delay, c.flushDelayed)
		}
		return nil
	}
	return c.encodeLocked()
}

// encodeLocked snapshots the current entries under the next generation.
func (c *Cache[V]) encodeLocked() *pendingWrite {
	p := c.persist
	p.gen++
	p.dirty = false

	snap := snapshot.New(c.now())
	for k, e := range c.entries {
		data, err := json.Marshal(e.Data)
		if err != nil {
			c.logger.Warn("skipping unencodable entry", "key", k, "error", err)
			continue
		}
		snap.Entries[k] = snapshot.Entry{
			Data:           data,
			CreatedAt:      snapshot.Millis(e.CreatedAt),
			ExpiresAt:      snapshot.Millis(e.ExpiresAt),
			AccessCount:    e.AccessCount,
			LastAccessedAt: snapshot.Millis(e.LastAccessedAt),
		}
	}

	data, err := p.codec.Encode(snap)
	if err != nil {
		p.errors.Add(1)
		telemetry.RecordPersist(context.Background(), p.name, "encode_error", 0)
		c.logger.Warn("failed to encode snapshot", "entries", len(snap.Entries), "error", err)
		return &pendingWrite{gen: p.gen, drop: err}
	}
	return &pendingWrite{gen: p.gen, data: data}
}

// write performs a best-effort snapshot write. Failures are logged and counted.
func (c *Cache[V]) write(w *pendingWrite) {
	if w == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_ = c.persist.write(ctx, w)
}

func (c *Cache[V]) flushDelayed() {
	c.mu.Lock()
	c.persist.timer = nil
	if c.closed || !c.persist.dirty {
		c.mu.Unlock()
		return
	}
	w := c.encodeLocked()
	c.mu.Unlock()

	c.write(w)
}

// hydrate loads the persisted snapshot, dropping entries that have already
// expired. Unreadable or corrupt state is replaced with an empty snapshot.
func (c *Cache[V]) hydrate(ctx context.Context) {
	p := c.persist

	data, err := backend.ReadBytes(ctx, p.backend, p.key)
	if errors.Is(err, backend.ErrNotFound) {
		c.logger.Debug("no persisted snapshot", "key", p.key)
		return
	}
	if err != nil {
		c.logger.Warn("failed to read persisted snapshot, starting empty", "key", p.key, "error", err)
		c.resetStorage()
		return
	}

	snap, err := p.codec.Decode(data)
	if err != nil {
		c.logger.Warn("discarding corrupt snapshot", "key", p.key, "error", err)
		c.resetStorage()
		return
	}

	now := c.now()
	var loaded, expired int
	for k, se := range snap.Entries {
		if k == "" {
			continue
		}
		e := &Entry[V]{
			CreatedAt:      snapshot.FromMillis(se.CreatedAt),
			ExpiresAt:      snapshot.FromMillis(se.ExpiresAt),
			AccessCount:    se.AccessCount,
			LastAccessedAt: snapshot.FromMillis(se.LastAccessedAt),
		}
		if e.expired(now) {
			expired++
			continue
		}
		if err := json.Unmarshal(se.Data, &e.Data); err != nil {
			c.logger.Warn("skipping undecodable entry", "key", k, "error", err)
			continue
		}
		c.entries[k] = e
		loaded++
	}

	telemetry.RecordHydration(ctx, p.name, loaded, expired)
	c.logger.Info("restored cache from snapshot", "key", p.key, "loaded", loaded, "expired", expired)
}

func (c *Cache[V]) resetStorage() {
	c.mu.Lock()
	w := c.encodeLocked()
	c.mu.Unlock()
	c.write(w)
}
