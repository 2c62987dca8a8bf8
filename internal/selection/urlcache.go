package selection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamsource/internal/domain"
	"streamsource/internal/metrics"
)

const (
	defaultURLTTL        = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// URLCache maps a candidate-source identity to its resolved, time-limited
// playback URL. Keys always include season/episode: a source hash shared by
// a season pack resolves to a different file per episode.
//
// Expired entries are treated as absent on read; eviction happens on the
// periodic sweep, not on every lookup.
type URLCache struct {
	mu      sync.Mutex
	entries map[string]domain.ResolvedPlaybackURL
	ttl     time.Duration
	now     func() time.Time
	shared  *RedisURLCache
	logger  *slog.Logger
}

type URLCacheOption func(*URLCache)

// WithURLCacheClock injects a clock for expiry tests.
func WithURLCacheClock(now func() time.Time) URLCacheOption {
	return func(c *URLCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSharedURLCache adds a Redis write-through backend so resolved URLs
// survive restarts and can be shared across replicas.
func WithSharedURLCache(shared *RedisURLCache) URLCacheOption {
	return func(c *URLCache) {
		c.shared = shared
	}
}

func WithURLCacheTTL(ttl time.Duration) URLCacheOption {
	return func(c *URLCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithURLCacheLogger(logger *slog.Logger) URLCacheOption {
	return func(c *URLCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewURLCache(opts ...URLCacheOption) *URLCache {
	cache := &URLCache{
		entries: make(map[string]domain.ResolvedPlaybackURL),
		ttl:     defaultURLTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

func urlCacheKey(sourceID string, season, episode int) string {
	return fmt.Sprintf("%s|%d|%d", sourceID, season, episode)
}

// Get returns the cached URL for (sourceID, season, episode) when it is
// younger than the TTL.
func (c *URLCache) Get(sourceID string, season, episode int) (domain.ResolvedPlaybackURL, bool) {
	key := urlCacheKey(sourceID, season, episode)
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if ok && now.Sub(entry.ResolvedAt) < c.ttl {
		metrics.URLCacheHitsTotal.Inc()
		return entry, true
	}

	if c.shared != nil {
		if entry, found, err := c.shared.Get(context.Background(), key); err == nil && found {
			if now.Sub(entry.ResolvedAt) < c.ttl {
				metrics.URLCacheHitsTotal.Inc()
				// Keep a local copy so subsequent reads skip the round trip.
				c.mu.Lock()
				c.entries[key] = entry
				c.mu.Unlock()
				return entry, true
			}
		}
	}

	metrics.URLCacheMissesTotal.Inc()
	return domain.ResolvedPlaybackURL{}, false
}

// Put stores url under the full key, stamped with the current time,
// overwriting any prior entry.
func (c *URLCache) Put(sourceID string, season, episode int, url string) domain.ResolvedPlaybackURL {
	key := urlCacheKey(sourceID, season, episode)
	entry := domain.ResolvedPlaybackURL{
		SourceID:   sourceID,
		Season:     season,
		Episode:    episode,
		URL:        url,
		ResolvedAt: c.now(),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	if c.shared != nil {
		if err := c.shared.Set(context.Background(), key, entry, c.ttl); err != nil {
			c.logger.Debug("shared url cache set failed", slog.String("error", err.Error()))
		}
	}
	return entry
}

// SweepExpired drops every entry at or past the TTL and reports how many
// were removed.
func (c *URLCache) SweepExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.ResolvedAt) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// RunSweeper evicts expired entries on a fixed interval until ctx is done.
func (c *URLCache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.SweepExpired(); removed > 0 {
				c.logger.Debug("url cache sweep", slog.Int("removed", removed))
			}
		}
	}
}

func (c *URLCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
