// Package apihttp exposes the selection engine to the player UI: REST
// endpoints, a WebSocket state stream, health, and metrics.
package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"streamsource/internal/domain"
	"streamsource/internal/health"
)

// SelectionPipeline is the slot-facing surface of the resolution pipeline.
type SelectionPipeline interface {
	Resolve(ctx context.Context, slot string, key domain.MediaKey) (domain.SlotView, error)
	SwitchTo(ctx context.Context, slot, sourceID string) (domain.SlotView, error)
	View(slot string) (domain.SlotView, error)
	Slots() []domain.SlotView
	CloseSlot(slot string) error
}

// CandidateProvider lists the (cached) candidate sources for a media key.
// Invalidate drops the cached list so a manual retry re-fetches from scratch.
type CandidateProvider interface {
	Get(ctx context.Context, key domain.MediaKey) ([]domain.CandidateSource, error)
	Invalidate(key domain.MediaKey)
}

// HealthObserver consumes amplitude sample batches and opens monitoring
// windows when playback starts on a new source.
type HealthObserver interface {
	Observe(ctx context.Context, slot string, samples []health.Sample) (domain.SlotView, bool, error)
	StartWindow(slot string)
	Stop(slot string)
}

// PreferenceController reads and updates the user playback preference.
type PreferenceController interface {
	Current(ctx context.Context) domain.PlaybackPreference
	Update(ctx context.Context, pref domain.PlaybackPreference) (domain.PlaybackPreference, error)
}

// HistoryStore persists playback positions across source switches.
type HistoryStore interface {
	Upsert(ctx context.Context, pos domain.PlaybackPosition) error
	Get(ctx context.Context, key domain.MediaKey) (domain.PlaybackPosition, error)
	ListRecent(ctx context.Context, limit int) ([]domain.PlaybackPosition, error)
	Delete(ctx context.Context, key domain.MediaKey) error
}

type Server struct {
	pipeline    SelectionPipeline
	candidates  CandidateProvider
	healthMon   HealthObserver
	preferences PreferenceController
	history     HistoryStore
	logger      *slog.Logger
	handler     http.Handler
	wsHub       *wsHub
}

type ServerOption func(*Server)

func WithPipeline(p SelectionPipeline) ServerOption {
	return func(s *Server) {
		s.pipeline = p
	}
}

func WithCandidates(c CandidateProvider) ServerOption {
	return func(s *Server) {
		s.candidates = c
	}
}

func WithHealthMonitor(m HealthObserver) ServerOption {
	return func(s *Server) {
		s.healthMon = m
	}
}

func WithPreferences(p PreferenceController) ServerOption {
	return func(s *Server) {
		s.preferences = p
	}
}

func WithHistory(h HistoryStore) ServerOption {
	return func(s *Server) {
		s.history = h
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/selection/candidates/", s.handleCandidates)
	mux.HandleFunc("/selection/slots", s.handleSlots)
	mux.HandleFunc("/selection/slots/", s.handleSlotByID)
	mux.HandleFunc("/selection/preferences", s.handlePreferences)
	mux.HandleFunc("/selection/history", s.handleHistory)
	mux.HandleFunc("/selection/history/", s.handleHistoryByKey)
	mux.HandleFunc("/selection/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "streamsource",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(traced))))
	return s
}

// SetPipeline installs the pipeline after construction. The pipeline takes
// the server as its broadcaster, so the two are built in sequence.
func (s *Server) SetPipeline(p SelectionPipeline) {
	s.pipeline = p
}

// SetHealthMonitor installs the monitor after construction; it wraps the
// pipeline, which in turn is built after the server.
func (s *Server) SetHealthMonitor(m HealthObserver) {
	s.healthMon = m
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
