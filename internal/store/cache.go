package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

// CacheAPIData stores data under key for ttl, replacing any previous entry and
// its tags. A non-positive ttl falls back to DefaultCacheTTL.
func (s *Store) CacheAPIData(ctx context.Context, key string, data any, ttl time.Duration, tags ...string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return &offline.StorageError{Op: "cache put: encode", Err: err}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := s.now()
	expires := offline.Millis(now.Add(ttl))

	return s.withTx(ctx, "cache put", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_cache (key, data, timestamp, expires) VALUES (?, ?, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET data = excluded.data, timestamp = excluded.timestamp, expires = excluded.expires`,
			key, string(raw), offline.Millis(now), expires,
		); err != nil {
			return fmt.Errorf("upsert cache entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM api_cache_tags WHERE key = ?`, key); err != nil {
			return fmt.Errorf("clear cache tags: %w", err)
		}
		for _, tag := range tags {
			if tag == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO api_cache_tags (key, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`, key, tag,
			); err != nil {
				return fmt.Errorf("insert cache tag: %w", err)
			}
		}
		return nil
	})
}

// GetCachedData returns the cached payload for key. An expired entry is
// deleted on read and reported as a miss.
func (s *Store) GetCachedData(ctx context.Context, key string) (json.RawMessage, bool, error) {
	entry, ok, err := s.GetCacheEntry(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Data, true, nil
}

// GetCacheEntry is GetCachedData with timestamps and tags.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (offline.CacheEntry, bool, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return offline.CacheEntry{}, false, err
	}

	var (
		entry offline.CacheEntry
		data  string
	)
	err = db.QueryRowContext(ctx, `SELECT key, data, timestamp, expires FROM api_cache WHERE key = ?`, key).
		Scan(&entry.Key, &data, &entry.Timestamp, &entry.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return offline.CacheEntry{}, false, nil
	}
	if err != nil {
		return offline.CacheEntry{}, false, &offline.StorageError{Op: "cache get", Err: err}
	}
	entry.Data = json.RawMessage(data)

	if entry.Expired(s.nowMillis()) {
		if err := s.RemoveCachedData(ctx, key); err != nil {
			s.logger.Warn("failed to evict expired cache entry", "key", key, "error", err)
		}
		return offline.CacheEntry{}, false, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT tag FROM api_cache_tags WHERE key = ? ORDER BY tag`, key)
	if err != nil {
		return offline.CacheEntry{}, false, &offline.StorageError{Op: "cache get tags", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return offline.CacheEntry{}, false, &offline.StorageError{Op: "cache get tags", Err: err}
		}
		entry.Tags = append(entry.Tags, tag)
	}
	if err := rows.Err(); err != nil {
		return offline.CacheEntry{}, false, &offline.StorageError{Op: "cache get tags", Err: err}
	}
	return entry, true, nil
}

// RemoveCachedData deletes one entry. Removing a missing key is not an error.
func (s *Store) RemoveCachedData(ctx context.Context, key string) error {
	return s.withTx(ctx, "cache remove", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM api_cache_tags WHERE key = ?`, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM api_cache WHERE key = ?`, key)
		return err
	})
}

// CleanExpiredData deletes every entry past its TTL and returns how many went.
func (s *Store) CleanExpiredData(ctx context.Context) (int, error) {
	now := s.nowMillis()
	var removed int64
	err := s.withTx(ctx, "cache clean", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM api_cache_tags WHERE key IN (SELECT key FROM api_cache WHERE expires < ?)`, now,
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM api_cache WHERE expires < ?`, now)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// InvalidateTag deletes every entry carrying tag.
func (s *Store) InvalidateTag(ctx context.Context, tag string) (int, error) {
	var removed int64
	err := s.withTx(ctx, "cache invalidate", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM api_cache WHERE key IN (SELECT key FROM api_cache_tags WHERE tag = ?)`, tag,
		)
		if err != nil {
			return err
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM api_cache_tags WHERE key NOT IN (SELECT key FROM api_cache)`)
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}
