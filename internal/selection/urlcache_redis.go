package selection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"streamsource/internal/domain"
)

const redisURLCachePrefix = "selection:url:"

// RedisURLCache stores resolved playback URLs in Redis with JSON
// serialization. Redis applies its own TTL, so restarts never serve a URL
// past its expiry.
type RedisURLCache struct {
	client *redis.Client
}

func NewRedisURLCache(client *redis.Client) *RedisURLCache {
	return &RedisURLCache{client: client}
}

func (r *RedisURLCache) Get(ctx context.Context, key string) (domain.ResolvedPlaybackURL, bool, error) {
	data, err := r.client.Get(ctx, redisURLCachePrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.ResolvedPlaybackURL{}, false, nil
		}
		return domain.ResolvedPlaybackURL{}, false, err
	}
	var entry domain.ResolvedPlaybackURL
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.ResolvedPlaybackURL{}, false, err
	}
	return entry, true, nil
}

func (r *RedisURLCache) Set(ctx context.Context, key string, entry domain.ResolvedPlaybackURL, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisURLCachePrefix+key, data, ttl).Err()
}

func (r *RedisURLCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisURLCachePrefix+key).Err()
}

func (r *RedisURLCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
