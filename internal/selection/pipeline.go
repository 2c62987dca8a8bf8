package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"streamsource/internal/domain"
	"streamsource/internal/metrics"
)

const (
	defaultPrimaryTimeout    = 30 * time.Second
	maxPrimaryTimeout        = 45 * time.Second
	defaultBackgroundTimeout = 12 * time.Second
	defaultBackgroundDelay   = 250 * time.Millisecond
	defaultMaxBackground     = 3
)

// Resolver turns a candidate source into a playable URL. Implementations map
// deadline expiry to domain.ErrResolveTimeout and upstream error statuses to
// domain.ErrResolveRejected; context.Canceled passes through untouched.
type Resolver interface {
	ResolveURL(ctx context.Context, src domain.CandidateSource, season, episode int) (string, error)
}

// PreferenceSource is the read side of the user playback preference.
type PreferenceSource interface {
	Current(ctx context.Context) domain.PlaybackPreference
}

// Broadcaster receives slot view snapshots on every state transition. The
// WebSocket hub implements it; a nil broadcaster disables pushes.
type Broadcaster interface {
	BroadcastSlot(view domain.SlotView)
}

// playbackSlot is the per-slot FSM. generation is the stale-response guard:
// every new primary attempt bumps it, and a completing resolve applies its
// result only when its generation is still current.
type playbackSlot struct {
	mu         sync.Mutex
	id         string
	state      domain.SlotState
	key        domain.MediaKey
	generation uint64
	cancel     context.CancelFunc

	// Last-known-good pair, preserved across failed re-resolves.
	activeURL    string
	activeSource *domain.CandidateSource

	disabledTiers map[domain.QualityTier]bool
	tried         map[string]bool
	lastErr       error
}

// Pipeline owns the playback slots and drives candidate selection: rank,
// cache-first resolve, failure recovery, and speculative background warming.
type Pipeline struct {
	repo     *Repository
	urls     *URLCache
	resolver Resolver
	prefs    PreferenceSource

	primaryTimeout    time.Duration
	backgroundTimeout time.Duration
	backgroundDelay   time.Duration
	maxBackground     int

	sem       *semaphore.Weighted
	logger    *slog.Logger
	broadcast Broadcaster

	mu     sync.Mutex
	slots  map[string]*playbackSlot
	closed bool
}

type PipelineOption func(*Pipeline)

// WithPrimaryTimeout bounds user-initiated resolves. Values above the 45s
// ceiling are clamped.
func WithPrimaryTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			if d > maxPrimaryTimeout {
				d = maxPrimaryTimeout
			}
			p.primaryTimeout = d
		}
	}
}

func WithBackgroundTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.backgroundTimeout = d
		}
	}
}

func WithBackgroundDelay(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d >= 0 {
			p.backgroundDelay = d
		}
	}
}

// WithMaxBackgroundResolves caps concurrent speculative warms.
func WithMaxBackgroundResolves(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBackground = n
		}
	}
}

func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithBroadcaster(b Broadcaster) PipelineOption {
	return func(p *Pipeline) {
		p.broadcast = b
	}
}

func NewPipeline(repo *Repository, urls *URLCache, resolver Resolver, prefs PreferenceSource, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		repo:              repo,
		urls:              urls,
		resolver:          resolver,
		prefs:             prefs,
		primaryTimeout:    defaultPrimaryTimeout,
		backgroundTimeout: defaultBackgroundTimeout,
		backgroundDelay:   defaultBackgroundDelay,
		maxBackground:     defaultMaxBackground,
		logger:            slog.Default(),
		slots:             make(map[string]*playbackSlot),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.maxBackground))
	return p
}

func (p *Pipeline) slot(id string) (*playbackSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.ErrSlotClosed
	}
	s, ok := p.slots[id]
	if !ok {
		s = &playbackSlot{
			id:            id,
			state:         domain.SlotIdle,
			disabledTiers: make(map[domain.QualityTier]bool),
			tried:         make(map[string]bool),
		}
		p.slots[id] = s
		metrics.ActiveSlots.Set(float64(len(p.slots)))
	}
	return s, nil
}

func (p *Pipeline) lookup(id string) (*playbackSlot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[id]
	return s, ok
}

// transitionTo must be called with s.mu held.
func (p *Pipeline) transitionTo(s *playbackSlot, to domain.SlotState) {
	from := s.state
	s.state = to
	metrics.SlotStateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	p.logger.Info("slot state transition",
		slog.String("slot", s.id),
		slog.String("media", s.key.String()),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if p.broadcast != nil {
		p.broadcast.BroadcastSlot(viewLocked(s))
	}
}

// Resolve runs the full pipeline for a slot: fetch candidates, rank, pick the
// best eligible one, resolve its URL cache-first, and on success warm
// runner-up URLs in the background. A new call for the same slot supersedes
// any in-flight resolve.
func (p *Pipeline) Resolve(ctx context.Context, slotID string, key domain.MediaKey) (domain.SlotView, error) {
	s, err := p.slot(slotID)
	if err != nil {
		return domain.SlotView{}, err
	}

	candidates, err := p.repo.Get(ctx, key)
	if err != nil {
		s.mu.Lock()
		s.key = key
		s.lastErr = err
		view := viewLocked(s)
		s.mu.Unlock()
		return view, err
	}
	if len(candidates) == 0 {
		s.mu.Lock()
		s.key = key
		s.lastErr = domain.ErrNoCandidates
		if s.state != domain.SlotIdle {
			p.transitionTo(s, domain.SlotIdle)
		}
		view := viewLocked(s)
		s.mu.Unlock()
		return view, domain.ErrNoCandidates
	}

	ranked := Rank(candidates, p.prefs.Current(ctx))
	primary, ok := p.firstEligible(s, ranked)
	if !ok {
		s.mu.Lock()
		s.key = key
		s.lastErr = domain.ErrCandidatesExhausted
		p.transitionTo(s, domain.SlotFailed)
		view := viewLocked(s)
		s.mu.Unlock()
		return view, domain.ErrCandidatesExhausted
	}

	view, err := p.attempt(ctx, s, key, primary, ranked)
	return view, err
}

// SwitchTo re-resolves a slot onto a specific candidate, for manual quality
// or language switches. The caller keeps playback position across the swap.
func (p *Pipeline) SwitchTo(ctx context.Context, slotID, sourceID string) (domain.SlotView, error) {
	s, ok := p.lookup(slotID)
	if !ok {
		return domain.SlotView{}, domain.ErrNotFound
	}

	s.mu.Lock()
	key := s.key
	s.mu.Unlock()

	candidates, err := p.repo.Get(ctx, key)
	if err != nil {
		view, _ := p.View(slotID)
		return view, err
	}
	var target *domain.CandidateSource
	for i := range candidates {
		if candidates[i].SourceID == sourceID {
			target = &candidates[i]
			break
		}
	}
	if target == nil {
		return domain.SlotView{}, fmt.Errorf("switch to %s: %w", sourceID, domain.ErrNotFound)
	}

	ranked := Rank(candidates, p.prefs.Current(ctx))
	return p.attempt(ctx, s, key, *target, ranked)
}

// ReportSilence handles a health-monitor verdict: the active source is
// rejected for this session and the next untried candidate is resolved with
// fresh-start semantics. Cached runner-ups sort first, so a warmed URL makes
// the switch near-instant.
func (p *Pipeline) ReportSilence(ctx context.Context, slotID string) (domain.SlotView, error) {
	s, ok := p.lookup(slotID)
	if !ok {
		return domain.SlotView{}, domain.ErrNotFound
	}

	s.mu.Lock()
	key := s.key
	if s.activeSource != nil {
		s.tried[s.activeSource.SourceID] = true
		p.logger.Warn("source marked silent",
			slog.String("slot", s.id),
			slog.String("sourceId", s.activeSource.SourceID),
		)
	}
	s.lastErr = domain.ErrSourceSilent
	s.activeURL = ""
	s.activeSource = nil
	p.transitionTo(s, domain.SlotRecovering)
	s.mu.Unlock()

	metrics.SilenceSwitchesTotal.Inc()

	candidates, err := p.repo.Get(ctx, key)
	if err != nil {
		view, _ := p.View(slotID)
		return view, err
	}
	ranked := Rank(candidates, p.prefs.Current(ctx))
	next, ok := p.firstEligible(s, ranked)
	if !ok {
		s.mu.Lock()
		s.lastErr = domain.ErrCandidatesExhausted
		p.transitionTo(s, domain.SlotFailed)
		view := viewLocked(s)
		s.mu.Unlock()
		return view, domain.ErrCandidatesExhausted
	}
	return p.attempt(ctx, s, key, next, ranked)
}

// firstEligible returns the best-ranked candidate not already rejected and
// not in a disabled quality tier.
func (p *Pipeline) firstEligible(s *playbackSlot, ranked []domain.CandidateSource) (domain.CandidateSource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range ranked {
		if s.tried[c.SourceID] || s.disabledTiers[c.Quality] {
			continue
		}
		return c, true
	}
	return domain.CandidateSource{}, false
}

// attempt is the primary resolve path: supersede any in-flight attempt,
// serve from the URL cache when fresh, otherwise hit the network under the
// primary timeout. Failure falls back to the last-known-good pair when one
// exists.
func (p *Pipeline) attempt(ctx context.Context, s *playbackSlot, key domain.MediaKey, primary domain.CandidateSource, ranked []domain.CandidateSource) (domain.SlotView, error) {
	s.mu.Lock()
	s.key = key
	s.generation++
	gen := s.generation
	if s.cancel != nil {
		s.cancel()
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	p.transitionTo(s, domain.SlotResolving)
	s.mu.Unlock()

	// Instant path: a fresh cached URL needs no network call.
	if entry, ok := p.urls.Get(primary.SourceID, key.Season, key.Episode); ok {
		cancel()
		return p.applySuccess(s, gen, primary, entry.URL)
	}

	resolveCtx, cancelTimeout := context.WithTimeout(attemptCtx, p.primaryTimeout)
	defer cancelTimeout()

	started := time.Now()
	url, err := p.resolver.ResolveURL(resolveCtx, primary, key.Season, key.Episode)
	metrics.ResolveDuration.WithLabelValues("primary").Observe(time.Since(started).Seconds())

	if err != nil {
		// A superseding attempt or teardown cancelled us: not a failure, no
		// recovery, the newer attempt owns the slot now.
		if errors.Is(err, context.Canceled) && attemptCtx.Err() != nil {
			metrics.ResolveRequestsTotal.WithLabelValues("primary", "cancelled").Inc()
			view, _ := p.View(s.id)
			return view, err
		}
		metrics.ResolveRequestsTotal.WithLabelValues("primary", "failure").Inc()
		return p.applyFailure(s, gen, primary, err)
	}

	metrics.ResolveRequestsTotal.WithLabelValues("primary", "success").Inc()
	p.urls.Put(primary.SourceID, key.Season, key.Episode, url)

	view, applyErr := p.applySuccess(s, gen, primary, url)
	if applyErr == nil {
		p.scheduleWarms(s.id, key, primary, ranked)
	}
	return view, applyErr
}

// applySuccess installs a resolved pair, unless a newer attempt superseded
// this one in the meantime.
func (p *Pipeline) applySuccess(s *playbackSlot, gen uint64, src domain.CandidateSource, url string) (domain.SlotView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		p.logger.Debug("discarding stale resolve result",
			slog.String("slot", s.id),
			slog.String("sourceId", src.SourceID),
		)
		return viewLocked(s), context.Canceled
	}
	srcCopy := src
	s.activeSource = &srcCopy
	s.activeURL = url
	s.lastErr = nil
	p.transitionTo(s, domain.SlotReady)
	return viewLocked(s), nil
}

// applyFailure disables the failed candidate's tier for the session, then
// either restores the last-known-good pair or, with nothing to fall back to,
// parks the slot in Idle and surfaces the error.
func (p *Pipeline) applyFailure(s *playbackSlot, gen uint64, src domain.CandidateSource, cause error) (domain.SlotView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return viewLocked(s), context.Canceled
	}

	s.tried[src.SourceID] = true
	s.disabledTiers[src.Quality] = true
	s.lastErr = cause
	p.logger.Warn("primary resolve failed",
		slog.String("slot", s.id),
		slog.String("sourceId", src.SourceID),
		slog.String("tier", src.Quality.String()),
		slog.String("error", cause.Error()),
	)

	if s.activeSource != nil && s.activeURL != "" {
		// Graceful degradation: the prior stream keeps playing untouched.
		p.transitionTo(s, domain.SlotRecovering)
		p.transitionTo(s, domain.SlotReady)
		return viewLocked(s), nil
	}

	p.transitionTo(s, domain.SlotIdle)
	return viewLocked(s), cause
}

// scheduleWarms resolves up to maxBackground runner-up candidates after a
// short delay, preferring distinct quality tiers, so a later switch hits the
// URL cache. Failures are logged and swallowed; a torn-down slot stops the
// batch but never an individual in-flight warm.
func (p *Pipeline) scheduleWarms(slotID string, key domain.MediaKey, primary domain.CandidateSource, ranked []domain.CandidateSource) {
	warms := pickWarmCandidates(primary, ranked, p.maxBackground)
	if len(warms) == 0 {
		return
	}

	go func() {
		time.Sleep(p.backgroundDelay)
		if _, ok := p.lookup(slotID); !ok {
			return
		}
		for _, c := range warms {
			if _, ok := p.urls.Get(c.SourceID, key.Season, key.Episode); ok {
				continue
			}
			c := c
			ctx, cancel := context.WithTimeout(context.Background(), p.backgroundTimeout)
			if err := p.sem.Acquire(ctx, 1); err != nil {
				cancel()
				continue
			}
			go func() {
				defer p.sem.Release(1)
				defer cancel()

				started := time.Now()
				url, err := p.resolver.ResolveURL(ctx, c, key.Season, key.Episode)
				metrics.ResolveDuration.WithLabelValues("background").Observe(time.Since(started).Seconds())
				if err != nil {
					metrics.ResolveRequestsTotal.WithLabelValues("background", "failure").Inc()
					p.logger.Debug("background warm failed",
						slog.String("slot", slotID),
						slog.String("sourceId", c.SourceID),
						slog.String("error", err.Error()),
					)
					return
				}
				metrics.ResolveRequestsTotal.WithLabelValues("background", "success").Inc()
				p.urls.Put(c.SourceID, key.Season, key.Episode, url)
			}()
		}
	}()
}

// pickWarmCandidates selects up to max runner-ups from the ranked list,
// taking one per quality tier first and filling remaining capacity in rank
// order.
func pickWarmCandidates(primary domain.CandidateSource, ranked []domain.CandidateSource, max int) []domain.CandidateSource {
	seenTiers := map[domain.QualityTier]bool{primary.Quality: true}
	var picked []domain.CandidateSource
	for _, c := range ranked {
		if len(picked) >= max {
			return picked
		}
		if c.SourceID == primary.SourceID || seenTiers[c.Quality] {
			continue
		}
		seenTiers[c.Quality] = true
		picked = append(picked, c)
	}
	for _, c := range ranked {
		if len(picked) >= max {
			break
		}
		if c.SourceID == primary.SourceID {
			continue
		}
		duplicate := false
		for _, p := range picked {
			if p.SourceID == c.SourceID {
				duplicate = true
				break
			}
		}
		if !duplicate {
			picked = append(picked, c)
		}
	}
	return picked
}

// View returns the current snapshot for a slot.
func (p *Pipeline) View(slotID string) (domain.SlotView, error) {
	s, ok := p.lookup(slotID)
	if !ok {
		return domain.SlotView{}, domain.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return viewLocked(s), nil
}

// Slots lists every tracked slot, for diagnostics.
func (p *Pipeline) Slots() []domain.SlotView {
	p.mu.Lock()
	slots := make([]*playbackSlot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	views := make([]domain.SlotView, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		views = append(views, viewLocked(s))
		s.mu.Unlock()
	}
	return views
}

// CloseSlot tears a slot down, aborting its in-flight primary resolve.
// Background warms already started are left to finish into the shared cache.
func (p *Pipeline) CloseSlot(slotID string) error {
	p.mu.Lock()
	s, ok := p.slots[slotID]
	if ok {
		delete(p.slots, slotID)
		metrics.ActiveSlots.Set(float64(len(p.slots)))
	}
	p.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	s.mu.Lock()
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	p.logger.Info("slot closed", slog.String("slot", slotID))
	return nil
}

// Close tears down every slot and rejects further use.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	slots := p.slots
	p.slots = make(map[string]*playbackSlot)
	metrics.ActiveSlots.Set(0)
	p.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		s.generation++
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
	}
}

// viewLocked snapshots a slot; the caller holds s.mu.
func viewLocked(s *playbackSlot) domain.SlotView {
	view := domain.SlotView{
		Slot:  s.id,
		State: s.state.String(),
		Key:   s.key,
	}
	view.ActiveURL = s.activeURL
	if s.activeSource != nil {
		srcCopy := *s.activeSource
		view.ActiveSource = &srcCopy
	}
	for tier := range s.disabledTiers {
		view.DisabledTiers = append(view.DisabledTiers, tier.String())
	}
	sort.Strings(view.DisabledTiers)
	for id := range s.tried {
		view.TriedSources = append(view.TriedSources, id)
	}
	sort.Strings(view.TriedSources)
	if s.lastErr != nil {
		view.Error = s.lastErr.Error()
	}
	return view
}
