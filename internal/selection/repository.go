package selection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MunifTanjim/go-ptt"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/sync/singleflight"

	"streamsource/internal/classify"
	"streamsource/internal/domain"
	"streamsource/internal/metrics"
)

const defaultCandidateTTL = 30 * time.Minute

// CandidateFetcher is the upstream call that lists playable sources for a
// media key.
type CandidateFetcher interface {
	FetchCandidates(ctx context.Context, key domain.MediaKey) ([]domain.CandidateSource, error)
}

type candidateEntry struct {
	sources   []domain.CandidateSource
	fetchedAt time.Time
}

// Repository caches candidate lists per (mediaType, mediaId, season,
// episode). A fresh entry is served without touching the network; concurrent
// callers for the same cold key share one upstream request.
type Repository struct {
	fetcher      CandidateFetcher
	ttl          time.Duration
	now          func() time.Time
	fallbackLang domain.Language
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string]candidateEntry
	group   singleflight.Group
}

type RepositoryOption func(*Repository)

func WithRepositoryClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

func WithRepositoryTTL(ttl time.Duration) RepositoryOption {
	return func(r *Repository) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLanguageFallback sets the language assigned when a display name
// matches no known keyword.
func WithLanguageFallback(lang domain.Language) RepositoryOption {
	return func(r *Repository) {
		r.fallbackLang = lang
	}
}

func WithRepositoryLogger(logger *slog.Logger) RepositoryOption {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRepository(fetcher CandidateFetcher, opts ...RepositoryOption) *Repository {
	repo := &Repository{
		fetcher:      fetcher,
		ttl:          defaultCandidateTTL,
		now:          time.Now,
		fallbackLang: domain.LanguageENG,
		logger:       slog.Default(),
		entries:      make(map[string]candidateEntry),
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Get returns the candidate list for key, from cache when fresh. A failed
// fetch is surfaced to the caller and never cached; there is no automatic
// retry.
func (r *Repository) Get(ctx context.Context, key domain.MediaKey) ([]domain.CandidateSource, error) {
	cacheKey := key.String()

	r.mu.Lock()
	entry, ok := r.entries[cacheKey]
	fresh := ok && r.now().Sub(entry.fetchedAt) < r.ttl
	r.mu.Unlock()

	if fresh {
		metrics.CandidateCacheHitsTotal.Inc()
		return append([]domain.CandidateSource(nil), entry.sources...), nil
	}
	metrics.CandidateCacheMissesTotal.Inc()

	result, err, _ := r.group.Do(cacheKey, func() (any, error) {
		sources, err := r.fetcher.FetchCandidates(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("fetch candidates %s: %w", cacheKey, err)
		}
		enriched := make([]domain.CandidateSource, 0, len(sources))
		for _, src := range sources {
			enriched = append(enriched, r.enrich(src))
		}

		r.mu.Lock()
		r.entries[cacheKey] = candidateEntry{sources: enriched, fetchedAt: r.now()}
		r.mu.Unlock()
		return enriched, nil
	})
	if err != nil {
		return nil, err
	}
	sources := result.([]domain.CandidateSource)
	return append([]domain.CandidateSource(nil), sources...), nil
}

// Invalidate drops the cached list for key, forcing the next Get to hit the
// network. Used by the manual-retry path.
func (r *Repository) Invalidate(key domain.MediaKey) {
	r.mu.Lock()
	delete(r.entries, key.String())
	r.mu.Unlock()
}

// SweepExpired removes candidate lists older than the TTL.
func (r *Repository) SweepExpired() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, entry := range r.entries {
		if now.Sub(entry.fetchedAt) >= r.ttl {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// RunSweeper evicts expired candidate lists on a fixed interval.
func (r *Repository) RunSweeper(ctx context.Context, interval time.Duration) {
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
			if removed := r.SweepExpired(); removed > 0 {
				r.logger.Debug("candidate cache sweep", slog.Int("removed", removed))
			}
		}
	}
}

// enrich fills the derived fields of a raw upstream source: the closed
// quality/language enums, parsed release metadata, and a canonical source
// identity when the upstream record only carries a magnet locator.
func (r *Repository) enrich(src domain.CandidateSource) domain.CandidateSource {
	src.Quality = classify.Quality(src.DisplayName)
	src.QualityLabel = src.Quality.String()
	src.Language = classify.Language(src.DisplayName, src.DisplayTitle, r.fallbackLang)
	src.MultiLanguage = classify.MultiLanguage(src.DisplayName)

	if parsed := ptt.Parse(src.DisplayName); parsed != nil {
		src.Meta = domain.ReleaseMeta{
			Title:     parsed.Title,
			Codec:     parsed.Codec,
			Group:     parsed.Group,
			Container: parsed.Container,
			Languages: parsed.Languages,
		}
		if len(parsed.Seasons) > 0 {
			src.Meta.Season = parsed.Seasons[0]
		}
		if len(parsed.Episodes) > 0 {
			src.Meta.Episode = parsed.Episodes[0]
		}
	}

	if strings.HasPrefix(src.Locator, "magnet:") {
		if magnet, err := metainfo.ParseMagnetUri(src.Locator); err == nil {
			hash := magnet.InfoHash.HexString()
			if src.SourceID == "" {
				src.SourceID = hash
			}
		} else {
			r.logger.Debug("unparseable magnet locator",
				slog.String("sourceId", src.SourceID),
				slog.String("error", err.Error()),
			)
		}
	}
	return src
}
