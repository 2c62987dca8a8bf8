// Package health watches the opening seconds of playback for sources that
// produce no audible signal and asks the pipeline to switch away from them.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"streamsource/internal/domain"
)

const (
	// SampleCadence is the expected spacing of amplitude samples from the
	// player.
	SampleCadence = 200 * time.Millisecond

	defaultThreshold      = 0.01
	defaultWindowSeconds  = 10.0
	defaultSilenceSeconds = 7.0
)

// Sample is one amplitude reading at a playing-time position (seconds).
type Sample struct {
	Position  float64 `json:"position"`
	Amplitude float64 `json:"amplitude"`
}

// Switcher is the pipeline operation invoked when a source is declared
// silent.
type Switcher interface {
	ReportSilence(ctx context.Context, slotID string) (domain.SlotView, error)
}

// session tracks one monitoring window. Positions are playing time, so a
// paused player cannot trigger a false silence verdict.
type session struct {
	silenceStart float64
	inSilence    bool
	done         bool
}

// Monitor keeps a per-slot monitoring session. Only the first
// windowSeconds of playing time are watched; continuous silence of
// silenceSeconds inside that window declares the source silent and triggers
// a switch. A switched-to source gets its own fresh window.
type Monitor struct {
	switcher       Switcher
	threshold      float64
	windowSeconds  float64
	silenceSeconds float64
	logger         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type MonitorOption func(*Monitor)

func WithThreshold(v float64) MonitorOption {
	return func(m *Monitor) {
		if v > 0 {
			m.threshold = v
		}
	}
}

func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewMonitor(switcher Switcher, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		switcher:       switcher,
		threshold:      defaultThreshold,
		windowSeconds:  defaultWindowSeconds,
		silenceSeconds: defaultSilenceSeconds,
		logger:         slog.Default(),
		sessions:       make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartWindow opens a fresh monitoring window for a slot, discarding any
// prior session state. Called when playback starts on a new source.
func (m *Monitor) StartWindow(slotID string) {
	m.mu.Lock()
	m.sessions[slotID] = &session{}
	m.mu.Unlock()
}

// Stop discards the session for a slot.
func (m *Monitor) Stop(slotID string) {
	m.mu.Lock()
	delete(m.sessions, slotID)
	m.mu.Unlock()
}

// Monitoring reports whether a slot still has an open window.
func (m *Monitor) Monitoring(slotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[slotID]
	return ok && !s.done
}

// Observe feeds a batch of amplitude samples for a slot. When continuous
// silence crosses the limit inside the open window, the switcher is invoked
// and the new source gets a fresh window; the switched view is returned with
// triggered=true. Exhaustion ends monitoring for the slot permanently.
func (m *Monitor) Observe(ctx context.Context, slotID string, samples []Sample) (domain.SlotView, bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[slotID]
	if !ok || s.done {
		m.mu.Unlock()
		return domain.SlotView{}, false, nil
	}

	trigger := false
	for _, sample := range samples {
		if sample.Position >= m.windowSeconds {
			// The opening window elapsed without a verdict; the source is
			// healthy and monitoring ends here.
			s.done = true
			break
		}
		if sample.Amplitude < m.threshold {
			if !s.inSilence {
				s.inSilence = true
				s.silenceStart = sample.Position
			}
			if sample.Position-s.silenceStart >= m.silenceSeconds {
				trigger = true
				s.done = true
				break
			}
		} else {
			s.inSilence = false
		}
	}
	m.mu.Unlock()

	if !trigger {
		return domain.SlotView{}, false, nil
	}

	m.logger.Warn("silent source detected", slog.String("slot", slotID))
	view, err := m.switcher.ReportSilence(ctx, slotID)
	if err != nil {
		m.Stop(slotID)
		return view, true, err
	}
	m.StartWindow(slotID)
	return view, true, nil
}
