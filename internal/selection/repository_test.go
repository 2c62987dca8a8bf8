package selection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamsource/internal/domain"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int32
	sources []domain.CandidateSource
	err     error
	block   chan struct{}
}

func (f *fakeFetcher) FetchCandidates(_ context.Context, _ domain.MediaKey) ([]domain.CandidateSource, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.CandidateSource(nil), f.sources...), nil
}

func (f *fakeFetcher) callCount() int32 { return atomic.LoadInt32(&f.calls) }

func movieKey(id string) domain.MediaKey {
	return domain.MediaKey{MediaType: domain.MediaTypeMovie, MediaID: id}
}

func TestRepositoryCachesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{sources: []domain.CandidateSource{{SourceID: "s1", DisplayName: "Movie 1080p CAT"}}}
	repo := NewRepository(fetcher, WithRepositoryClock(clock.Now))

	first, err := repo.Get(context.Background(), movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(29 * time.Minute)
	second, err := repo.Get(context.Background(), movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}

	if fetcher.callCount() != 1 {
		t.Fatalf("fetcher called %d times, want 1", fetcher.callCount())
	}
	if len(first) != 1 || len(second) != 1 || first[0].SourceID != second[0].SourceID {
		t.Fatalf("cached read diverged: %v vs %v", first, second)
	}
}

func TestRepositoryRefetchesAfterTTL(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{sources: []domain.CandidateSource{{SourceID: "s1", DisplayName: "x"}}}
	repo := NewRepository(fetcher, WithRepositoryClock(clock.Now))

	if _, err := repo.Get(context.Background(), movieKey("m1")); err != nil {
		t.Fatal(err)
	}
	clock.Advance(30 * time.Minute)
	if _, err := repo.Get(context.Background(), movieKey("m1")); err != nil {
		t.Fatal(err)
	}

	if fetcher.callCount() != 2 {
		t.Fatalf("fetcher called %d times, want 2", fetcher.callCount())
	}
}

func TestRepositoryDoesNotCacheFailures(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	repo := NewRepository(fetcher)

	if _, err := repo.Get(context.Background(), movieKey("m1")); err == nil {
		t.Fatal("expected fetch error")
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("fetcher called %d times, want 1 (no auto retry)", fetcher.callCount())
	}

	// The failure must not poison the cache: a later call tries again.
	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.sources = []domain.CandidateSource{{SourceID: "s1", DisplayName: "x"}}
	fetcher.mu.Unlock()

	sources, err := repo.Get(context.Background(), movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("got %d sources, want 1", len(sources))
	}
}

func TestRepositoryEmptyListIsCached(t *testing.T) {
	// A successful empty response is a valid answer and is cached like any
	// other, so repeated views of a dead title stay quiet.
	fetcher := &fakeFetcher{}
	repo := NewRepository(fetcher)

	for i := 0; i < 3; i++ {
		sources, err := repo.Get(context.Background(), movieKey("m1"))
		if err != nil {
			t.Fatal(err)
		}
		if len(sources) != 0 {
			t.Fatalf("got %d sources, want 0", len(sources))
		}
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("fetcher called %d times, want 1", fetcher.callCount())
	}
}

func TestRepositorySingleFlight(t *testing.T) {
	fetcher := &fakeFetcher{
		sources: []domain.CandidateSource{{SourceID: "s1", DisplayName: "x"}},
		block:   make(chan struct{}),
	}
	repo := NewRepository(fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Get(context.Background(), movieKey("m1")); err != nil {
				t.Error(err)
			}
		}()
	}

	// Wait until at least one fetch is in flight, then release it.
	for fetcher.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(fetcher.block)
	wg.Wait()

	if fetcher.callCount() != 1 {
		t.Fatalf("fetcher called %d times, want 1", fetcher.callCount())
	}
}

func TestRepositoryKeysIncludeSeasonEpisode(t *testing.T) {
	fetcher := &fakeFetcher{sources: []domain.CandidateSource{{SourceID: "s1", DisplayName: "x"}}}
	repo := NewRepository(fetcher)

	e1 := domain.MediaKey{MediaType: domain.MediaTypeSeries, MediaID: "show", Season: 1, Episode: 1}
	e2 := domain.MediaKey{MediaType: domain.MediaTypeSeries, MediaID: "show", Season: 1, Episode: 2}

	if _, err := repo.Get(context.Background(), e1); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(context.Background(), e2); err != nil {
		t.Fatal(err)
	}
	if fetcher.callCount() != 2 {
		t.Fatalf("fetcher called %d times, want 2 (distinct episodes)", fetcher.callCount())
	}
}

func TestRepositoryInvalidate(t *testing.T) {
	fetcher := &fakeFetcher{sources: []domain.CandidateSource{{SourceID: "s1", DisplayName: "x"}}}
	repo := NewRepository(fetcher)

	if _, err := repo.Get(context.Background(), movieKey("m1")); err != nil {
		t.Fatal(err)
	}
	repo.Invalidate(movieKey("m1"))
	if _, err := repo.Get(context.Background(), movieKey("m1")); err != nil {
		t.Fatal(err)
	}
	if fetcher.callCount() != 2 {
		t.Fatalf("fetcher called %d times, want 2 after invalidate", fetcher.callCount())
	}
}

func TestRepositoryEnrichesCandidates(t *testing.T) {
	fetcher := &fakeFetcher{sources: []domain.CandidateSource{
		{
			DisplayName: "Some.Movie.2023.2160p.WEB-DL.x265-GRP [Castellano]",
			Locator:     "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056",
		},
	}}
	repo := NewRepository(fetcher)

	sources, err := repo.Get(context.Background(), movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	src := sources[0]
	if src.Quality != domain.Quality4K {
		t.Errorf("quality = %v, want 4K", src.Quality)
	}
	if src.Language != domain.LanguageESP {
		t.Errorf("language = %q, want esp", src.Language)
	}
	if src.SourceID != "c9e15763f722f23e98a29decdfae341b98d53056" {
		t.Errorf("sourceId = %q, want infohash", src.SourceID)
	}
	if src.Meta.Title == "" {
		t.Error("release meta was not parsed")
	}
}

func TestRepositorySweepExpired(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{sources: []domain.CandidateSource{{SourceID: "s1", DisplayName: "x"}}}
	repo := NewRepository(fetcher, WithRepositoryClock(clock.Now))

	if _, err := repo.Get(context.Background(), movieKey("old")); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Minute)
	if _, err := repo.Get(context.Background(), movieKey("fresh")); err != nil {
		t.Fatal(err)
	}
	clock.Advance(15 * time.Minute)

	if removed := repo.SweepExpired(); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
}
