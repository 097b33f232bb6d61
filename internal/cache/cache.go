// Package cache layers TTL response caching for read-only backend calls over
// the local store and an optional shared Redis tier.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/clinic-offline-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

// Entry is a tier hit. TTL is the time the entry has left; zero means the
// tier does not track it.
type Entry struct {
	Data json.RawMessage
	TTL  time.Duration
	Tags []string
}

// Backend is one cache tier.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration, tags ...string) error
	Invalidate(ctx context.Context, tag string) (int, error)
}

// FetchFunc loads a fresh value on a miss.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// ReadThrough consults tiers in order and falls back to a fetch on a full
// miss. A failing tier is logged and treated as a miss.
type ReadThrough struct {
	tiers   []Backend
	ttl     time.Duration
	logger  *logging.Logger
	metrics *metrics.SyncMetrics
	flight  singleflight.Group
}

func NewReadThrough(ttl time.Duration, logger *logging.Logger, tiers ...Backend) *ReadThrough {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	var live []Backend
	for _, t := range tiers {
		if t != nil {
			live = append(live, t)
		}
	}
	return &ReadThrough{tiers: live, ttl: ttl, logger: logger}
}

func (c *ReadThrough) WithMetrics(m *metrics.SyncMetrics) *ReadThrough {
	c.metrics = m
	return c
}

// Get returns the first fresh hit and copies it into the tiers in front of
// the one that had it.
func (c *ReadThrough) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	for i, tier := range c.tiers {
		entry, ok, err := tier.Get(ctx, key)
		if err != nil {
			c.logger.Warn("cache tier read failed", "tier", tier.Name(), "key", key, "error", err)
			ok = false
		}
		c.metrics.ObserveCacheLookup(tier.Name(), ok)
		if !ok {
			continue
		}
		c.backfill(ctx, c.tiers[:i], key, entry)
		return entry.Data, true
	}
	return nil, false
}

// Fetch is Get plus a call to fetch on a miss. Concurrent misses for the same
// key share one fetch. The fetched value is written to every tier.
func (c *ReadThrough) Fetch(ctx context.Context, key string, fetch FetchFunc, tags ...string) (json.RawMessage, error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(ctx, c.tiers, key, data, tags...)
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: fetch %s: %w", key, err)
	}
	return v.(json.RawMessage), nil
}

// Put writes data to every tier.
func (c *ReadThrough) Put(ctx context.Context, key string, data json.RawMessage, tags ...string) {
	c.store(ctx, c.tiers, key, data, tags...)
}

// Invalidate drops tag from every tier and returns the total entries removed.
func (c *ReadThrough) Invalidate(ctx context.Context, tag string) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, tier := range c.tiers {
		n, err := tier.Invalidate(ctx, tag)
		if err != nil {
			errs = append(errs, fmt.Errorf("cache: invalidate %s in %s: %w", tag, tier.Name(), err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// backfill copies a hit forward with its tags and remaining lifetime, so the
// copy dies with the original and is evicted by the same invalidation.
func (c *ReadThrough) backfill(ctx context.Context, tiers []Backend, key string, entry Entry) {
	if len(tiers) == 0 {
		return
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.write(ctx, tiers, key, entry.Data, ttl, entry.Tags...)
}

func (c *ReadThrough) store(ctx context.Context, tiers []Backend, key string, data json.RawMessage, tags ...string) {
	c.write(ctx, tiers, key, data, c.ttl, tags...)
}

func (c *ReadThrough) write(ctx context.Context, tiers []Backend, key string, data json.RawMessage, ttl time.Duration, tags ...string) {
	for _, tier := range tiers {
		if err := tier.Set(ctx, key, data, ttl, tags...); err != nil {
			c.logger.Warn("cache tier write failed", "tier", tier.Name(), "key", key, "error", err)
		}
	}
}
