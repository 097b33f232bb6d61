package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

type localStore interface {
	GetCacheEntry(ctx context.Context, key string) (offline.CacheEntry, bool, error)
	CacheAPIData(ctx context.Context, key string, data any, ttl time.Duration, tags ...string) error
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// Local is the on-device tier backed by the offline store's api_cache table.
type Local struct {
	store localStore
	now   func() time.Time
}

func NewLocal(store localStore) *Local {
	if store == nil {
		panic("cache: local store required")
	}
	return &Local{store: store, now: time.Now}
}

func (l *Local) Name() string { return "local" }

// Get reports an entry whose expiry has been reached between the store read
// and now as a miss.
func (l *Local) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := l.store.GetCacheEntry(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	ttl := time.UnixMilli(e.Expires).Sub(l.now())
	if ttl <= 0 {
		return Entry{}, false, nil
	}
	return Entry{Data: e.Data, TTL: ttl, Tags: e.Tags}, true, nil
}

func (l *Local) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration, tags ...string) error {
	return l.store.CacheAPIData(ctx, key, data, ttl, tags...)
}

func (l *Local) Invalidate(ctx context.Context, tag string) (int, error) {
	return l.store.InvalidateTag(ctx, tag)
}
