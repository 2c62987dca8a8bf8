package selection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamsource/internal/domain"
)

type fakeResolver struct {
	mu    sync.Mutex
	urls  map[string]string
	errs  map[string]error
	block map[string]chan struct{}
	calls []string
}

func (f *fakeResolver) ResolveURL(ctx context.Context, src domain.CandidateSource, _, _ int) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, src.SourceID)
	ch := f.block[src.SourceID]
	url, hasURL := f.urls[src.SourceID]
	err := f.errs[src.SourceID]
	f.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !hasURL {
		return "", domain.ErrResolveRejected
	}
	return url, nil
}

func (f *fakeResolver) callsFor(sourceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == sourceID {
			n++
		}
	}
	return n
}

func (f *fakeResolver) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePrefs struct {
	pref domain.PlaybackPreference
}

func (f *fakePrefs) Current(context.Context) domain.PlaybackPreference { return f.pref }

func newTestPipeline(t *testing.T, sources []domain.CandidateSource, resolver *fakeResolver, opts ...PipelineOption) (*Pipeline, *URLCache) {
	t.Helper()
	repo := NewRepository(&fakeFetcher{sources: sources})
	urls := NewURLCache()
	prefs := &fakePrefs{pref: domain.DefaultPlaybackPreference()}
	base := []PipelineOption{WithBackgroundDelay(0), WithBackgroundTimeout(100 * time.Millisecond)}
	p := NewPipeline(repo, urls, resolver, prefs, append(base, opts...)...)
	t.Cleanup(p.Close)
	return p, urls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPipelineResolveSuccess(t *testing.T) {
	resolver := &fakeResolver{urls: map[string]string{"a": "https://cdn/a"}}
	p, urls := newTestPipeline(t, []domain.CandidateSource{
		candidate("a", domain.Quality1080p, domain.LanguageENG, false),
	}, resolver)

	view, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if view.State != "ready" {
		t.Fatalf("state = %q, want ready", view.State)
	}
	if view.ActiveURL != "https://cdn/a" {
		t.Fatalf("activeUrl = %q", view.ActiveURL)
	}
	if view.ActiveSource == nil || view.ActiveSource.SourceID != "a" {
		t.Fatalf("activeSource = %+v", view.ActiveSource)
	}
	if _, ok := urls.Get("a", 0, 0); !ok {
		t.Fatal("resolved url was not cached")
	}
}

func TestPipelineResolveEmptyCandidates(t *testing.T) {
	// Zero sources short-circuit before any resolve traffic.
	resolver := &fakeResolver{}
	p, _ := newTestPipeline(t, nil, resolver)

	view, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
	if !errors.Is(err, domain.ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
	if view.State != "idle" {
		t.Fatalf("state = %q, want idle", view.State)
	}
	if resolver.totalCalls() != 0 {
		t.Fatalf("resolver called %d times, want 0", resolver.totalCalls())
	}
}

func TestPipelineResolveTimeoutNoPrior(t *testing.T) {
	// A timed-out primary with no known-good pair parks the slot in Idle and
	// surfaces the timeout; other candidates stay untried.
	resolver := &fakeResolver{
		errs: map[string]error{"a": domain.ErrResolveTimeout},
		urls: map[string]string{"b": "https://cdn/b"},
	}
	p, _ := newTestPipeline(t, []domain.CandidateSource{
		candidate("a", domain.Quality1080p, domain.LanguageENG, false),
		candidate("b", domain.Quality720p, domain.LanguageENG, false),
	}, resolver)

	view, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
	if !errors.Is(err, domain.ErrResolveTimeout) {
		t.Fatalf("err = %v, want ErrResolveTimeout", err)
	}
	if errors.Is(err, domain.ErrCandidatesExhausted) {
		t.Fatal("exhaustion must not be declared while candidates remain")
	}
	if view.State != "idle" {
		t.Fatalf("state = %q, want idle", view.State)
	}
	if view.ActiveURL != "" {
		t.Fatalf("activeUrl = %q, want empty", view.ActiveURL)
	}
	if len(view.DisabledTiers) != 1 || view.DisabledTiers[0] != "1080p" {
		t.Fatalf("disabledTiers = %v, want [1080p]", view.DisabledTiers)
	}

	// Retry picks the next eligible candidate since a's tier is disabled.
	view, err = p.Resolve(context.Background(), "s1", movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if view.ActiveSource.SourceID != "b" {
		t.Fatalf("retry resolved %q, want b", view.ActiveSource.SourceID)
	}
}

func TestPipelineRecoveryPreservesPriorStream(t *testing.T) {
	// A failed re-resolve must not disturb the active pair, and the failed
	// candidate's tier is disabled for the session.
	resolver := &fakeResolver{
		urls: map[string]string{"a": "https://cdn/a"},
		errs: map[string]error{"b": domain.ErrResolveRejected},
	}
	p, _ := newTestPipeline(t, []domain.CandidateSource{
		candidate("a", domain.Quality1080p, domain.LanguageENG, false),
		candidate("b", domain.Quality4K, domain.LanguageCAT, false),
	}, resolver)

	if _, err := p.SwitchTo(context.Background(), "s1", "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("switch on unknown slot: err = %v, want ErrNotFound", err)
	}

	prefs := &fakePrefs{pref: domain.PlaybackPreference{AudioLanguage: domain.LanguageENG, Quality: "1080p"}}
	p.prefs = prefs

	view, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
	if err != nil || view.ActiveSource.SourceID != "a" {
		t.Fatalf("setup resolve: view=%+v err=%v", view, err)
	}

	view, err = p.SwitchTo(context.Background(), "s1", "b")
	if err != nil {
		t.Fatalf("recovery path must not surface the error: %v", err)
	}
	if view.State != "ready" {
		t.Fatalf("state = %q, want ready", view.State)
	}
	if view.ActiveURL != "https://cdn/a" || view.ActiveSource.SourceID != "a" {
		t.Fatalf("prior pair disturbed: url=%q source=%+v", view.ActiveURL, view.ActiveSource)
	}
	if len(view.DisabledTiers) != 1 || view.DisabledTiers[0] != "4k" {
		t.Fatalf("disabledTiers = %v, want [4k]", view.DisabledTiers)
	}
}

func TestPipelineCacheFirstSkipsNetwork(t *testing.T) {
	resolver := &fakeResolver{}
	p, urls := newTestPipeline(t, []domain.CandidateSource{
		candidate("a", domain.Quality1080p, domain.LanguageENG, false),
	}, resolver)

	urls.Put("a", 0, 0, "https://cdn/a-cached")

	view, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if view.ActiveURL != "https://cdn/a-cached" {
		t.Fatalf("activeUrl = %q", view.ActiveURL)
	}
	if resolver.totalCalls() != 0 {
		t.Fatalf("resolver called %d times, want 0 (instant path)", resolver.totalCalls())
	}
}

func TestPipelineBackgroundWarms(t *testing.T) {
	// After a primary success the runner-ups are resolved speculatively,
	// preferring distinct quality tiers, so a later switch is instant.
	resolver := &fakeResolver{urls: map[string]string{
		"c-4k": "https://cdn/c", "a-1080": "https://cdn/a",
		"d-1080": "https://cdn/d", "b-720": "https://cdn/b",
	}}
	p, urls := newTestPipeline(t, []domain.CandidateSource{
		candidate("a-1080", domain.Quality1080p, domain.LanguageENG, false),
		candidate("b-720", domain.Quality720p, domain.LanguageENG, false),
		candidate("c-4k", domain.Quality4K, domain.LanguageENG, false),
		candidate("d-1080", domain.Quality1080p, domain.LanguageENG, false),
	}, resolver)

	view, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if view.ActiveSource.SourceID != "c-4k" {
		t.Fatalf("primary = %q, want c-4k", view.ActiveSource.SourceID)
	}

	warmed := func(id string) bool {
		_, ok := urls.Get(id, 0, 0)
		return ok
	}
	waitFor(t, 2*time.Second, func() bool {
		return warmed("a-1080") && warmed("b-720") && warmed("d-1080")
	})
	if resolver.callsFor("c-4k") != 1 {
		t.Fatalf("primary resolved %d times, want 1", resolver.callsFor("c-4k"))
	}
}

func TestPipelineBackgroundWarmFailuresAreSilent(t *testing.T) {
	resolver := &fakeResolver{
		urls: map[string]string{"a": "https://cdn/a"},
		errs: map[string]error{"b": domain.ErrResolveRejected},
	}
	p, _ := newTestPipeline(t, []domain.CandidateSource{
		candidate("a", domain.Quality1080p, domain.LanguageENG, false),
		candidate("b", domain.Quality720p, domain.LanguageENG, false),
	}, resolver)

	view, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return resolver.callsFor("b") == 1 })

	// The failed warm never touches slot state.
	view, err = p.View("s1")
	if err != nil {
		t.Fatal(err)
	}
	if view.State != "ready" || view.ActiveSource.SourceID != "a" {
		t.Fatalf("warm failure disturbed slot: %+v", view)
	}
	if len(view.DisabledTiers) != 0 {
		t.Fatalf("warm failure disabled tiers: %v", view.DisabledTiers)
	}
}

func TestPipelineNewResolveSupersedesInflight(t *testing.T) {
	// Last write wins: a slow in-flight primary is cancelled by a newer
	// attempt and its eventual completion never overwrites the fresh result.
	resolver := &fakeResolver{
		urls:  map[string]string{"a": "https://cdn/a", "b": "https://cdn/b"},
		block: map[string]chan struct{}{"a": make(chan struct{})},
	}
	p, _ := newTestPipeline(t, []domain.CandidateSource{
		candidate("a", domain.Quality1080p, domain.LanguageENG, false),
		candidate("b", domain.Quality720p, domain.LanguageENG, false),
	}, resolver)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
		errCh <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return resolver.callsFor("a") == 1 })

	view, err := p.SwitchTo(context.Background(), "s1", "b")
	if err != nil {
		t.Fatal(err)
	}
	if view.ActiveURL != "https://cdn/b" {
		t.Fatalf("activeUrl = %q, want b's url", view.ActiveURL)
	}

	// The superseded attempt reports cancellation, not failure.
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("superseded resolve err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded resolve did not return")
	}

	view, err = p.View("s1")
	if err != nil {
		t.Fatal(err)
	}
	if view.ActiveURL != "https://cdn/b" {
		t.Fatalf("stale result applied: activeUrl = %q", view.ActiveURL)
	}
	// Cancellation is not a failure: a's tier stays enabled.
	if len(view.DisabledTiers) != 0 {
		t.Fatalf("cancellation disabled tiers: %v", view.DisabledTiers)
	}
}

func TestPipelineReportSilence(t *testing.T) {
	resolver := &fakeResolver{urls: map[string]string{"a": "https://cdn/a"}}
	p, urls := newTestPipeline(t, []domain.CandidateSource{
		candidate("a", domain.Quality1080p, domain.LanguageENG, false),
		candidate("b", domain.Quality720p, domain.LanguageENG, false),
	}, resolver)

	if _, err := p.Resolve(context.Background(), "s1", movieKey("m1")); err != nil {
		t.Fatal(err)
	}
	// A warmed runner-up makes the silence switch instant.
	urls.Put("b", 0, 0, "https://cdn/b-warm")

	view, err := p.ReportSilence(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if view.ActiveSource.SourceID != "b" || view.ActiveURL != "https://cdn/b-warm" {
		t.Fatalf("silence switch landed on %+v", view)
	}
	found := false
	for _, id := range view.TriedSources {
		if id == "a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("silent source not marked tried: %v", view.TriedSources)
	}

	// No candidates left after the replacement goes silent too.
	view, err = p.ReportSilence(context.Background(), "s1")
	if !errors.Is(err, domain.ErrCandidatesExhausted) {
		t.Fatalf("err = %v, want ErrCandidatesExhausted", err)
	}
	if view.State != "failed" {
		t.Fatalf("state = %q, want failed", view.State)
	}
}

func TestPipelineCloseSlot(t *testing.T) {
	resolver := &fakeResolver{
		urls:  map[string]string{"a": "https://cdn/a"},
		block: map[string]chan struct{}{"a": make(chan struct{})},
	}
	p, _ := newTestPipeline(t, []domain.CandidateSource{
		candidate("a", domain.Quality1080p, domain.LanguageENG, false),
	}, resolver)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Resolve(context.Background(), "s1", movieKey("m1"))
		errCh <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return resolver.callsFor("a") == 1 })

	if err := p.CloseSlot("s1"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("aborted resolve err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not abort the in-flight resolve")
	}

	if _, err := p.View("s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("view after close: err = %v, want ErrNotFound", err)
	}
	if err := p.CloseSlot("s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("double close: err = %v, want ErrNotFound", err)
	}
}

func TestPipelineClosedRejectsNewSlots(t *testing.T) {
	resolver := &fakeResolver{}
	p, _ := newTestPipeline(t, nil, resolver)
	p.Close()

	if _, err := p.Resolve(context.Background(), "s1", movieKey("m1")); !errors.Is(err, domain.ErrSlotClosed) {
		t.Fatalf("err = %v, want ErrSlotClosed", err)
	}
}
