package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared tier used when several clinic devices sit behind the
// same network. Each tag is a set of the keys carrying it.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if client == nil {
		panic("cache: redis client required")
	}
	if prefix == "" {
		prefix = "clinic:cache:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) key(key string) string { return r.prefix + "entry:" + key }

func (r *Redis) tagKey(tag string) string { return r.prefix + "tag:" + tag }

// keyTagsKey holds the tags of one entry so a hit can be copied forward
// with them.
func (r *Redis) keyTagsKey(key string) string { return r.prefix + "keytags:" + key }

func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
		tags *redis.StringSliceCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, r.key(key))
		pttl = pipe.PTTL(ctx, r.key(key))
		tags = pipe.SMembers(ctx, r.keyTagsKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}

	entry := Entry{Data: json.RawMessage(data)}
	// PTTL is -1 for a key without expiry and -2 once it is gone.
	switch ttl := pttl.Val(); {
	case ttl > 0:
		entry.TTL = ttl
	case ttl == -2:
		return Entry{}, false, nil
	}
	entry.Tags = tags.Val()
	sort.Strings(entry.Tags)
	return entry, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration, tags ...string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(key), []byte(data), ttl)
		pipe.Del(ctx, r.keyTagsKey(key))
		for _, tag := range tags {
			if tag == "" {
				continue
			}
			pipe.SAdd(ctx, r.keyTagsKey(key), tag)
			pipe.SAdd(ctx, r.tagKey(tag), key)
			// Every write refreshes the tag set's TTL.
			if ttl > 0 {
				pipe.Expire(ctx, r.tagKey(tag), ttl)
			}
		}
		if ttl > 0 {
			pipe.Expire(ctx, r.keyTagsKey(key), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, tag string) (int, error) {
	members, err := r.client.SMembers(ctx, r.tagKey(tag)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: redis tag members: %w", err)
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, r.key(m))
	}
	var removed int64
	if len(keys) > 0 {
		removed, err = r.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, fmt.Errorf("cache: redis delete: %w", err)
		}
		tagKeys := make([]string, 0, len(members))
		for _, m := range members {
			tagKeys = append(tagKeys, r.keyTagsKey(m))
		}
		if err := r.client.Del(ctx, tagKeys...).Err(); err != nil {
			return int(removed), fmt.Errorf("cache: redis delete entry tags: %w", err)
		}
	}
	if err := r.client.Del(ctx, r.tagKey(tag)).Err(); err != nil {
		return int(removed), fmt.Errorf("cache: redis delete tag: %w", err)
	}
	return int(removed), nil
}
