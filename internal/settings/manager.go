// Package settings manages the user playback preference: an in-memory copy
// read synchronously at scoring time, backed by an optional persistent store.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"streamsource/internal/domain"
)

// Store is the persistence behind the manager. A nil store keeps the
// preference in memory only.
type Store interface {
	Get(ctx context.Context) (domain.PlaybackPreference, error)
	Set(ctx context.Context, pref domain.PlaybackPreference) error
}

type Manager struct {
	store  Store
	logger *slog.Logger

	mu   sync.RWMutex
	pref domain.PlaybackPreference
}

func NewManager(store Store, initial domain.PlaybackPreference, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
		pref:   normalize(initial),
	}
}

// Load pulls the persisted preference into memory. A missing document keeps
// the initial value; a store error is surfaced but leaves the manager usable.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	pref, err := m.store.Get(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load playback preference: %w", err)
	}
	m.mu.Lock()
	m.pref = normalize(pref)
	m.mu.Unlock()
	return nil
}

// Current returns the active preference. The read is local and never blocks
// on the store.
func (m *Manager) Current(_ context.Context) domain.PlaybackPreference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pref
}

// Update normalizes and installs a new preference, writing through to the
// store when one is configured.
func (m *Manager) Update(ctx context.Context, pref domain.PlaybackPreference) (domain.PlaybackPreference, error) {
	pref = normalize(pref)
	if m.store != nil {
		if err := m.store.Set(ctx, pref); err != nil {
			return domain.PlaybackPreference{}, fmt.Errorf("persist playback preference: %w", err)
		}
	}
	m.mu.Lock()
	m.pref = pref
	m.mu.Unlock()
	m.logger.Info("playback preference updated",
		slog.String("audioLanguage", string(pref.AudioLanguage)),
		slog.String("quality", pref.Quality),
	)
	return pref, nil
}

func normalize(pref domain.PlaybackPreference) domain.PlaybackPreference {
	pref.AudioLanguage = NormalizeLanguage(string(pref.AudioLanguage))
	pref.Quality = strings.ToLower(strings.TrimSpace(pref.Quality))
	switch pref.Quality {
	case "4k", "2160p", "uhd":
		pref.Quality = "4k"
	case "1080p", "720p":
	default:
		pref.Quality = domain.QualityAuto
	}
	return pref
}

// latinAmericanRegions are the region subtags mapped to the LAT audio tag.
var latinAmericanRegions = map[string]bool{
	"419": true, "MX": true, "AR": true, "CO": true,
	"CL": true, "PE": true, "VE": true, "UY": true,
}

// NormalizeLanguage maps free-form input onto the closed language set. The
// internal tags pass through; anything else goes through BCP 47 parsing, and
// what still does not match lands on ENG.
func NormalizeLanguage(raw string) domain.Language {
	switch domain.Language(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.LanguageCAT:
		return domain.LanguageCAT
	case domain.LanguageESP:
		return domain.LanguageESP
	case domain.LanguageENG:
		return domain.LanguageENG
	case domain.LanguageLAT:
		return domain.LanguageLAT
	case domain.LanguageVO:
		return domain.LanguageVO
	}

	tag, err := language.Parse(strings.TrimSpace(raw))
	if err != nil {
		return domain.LanguageENG
	}
	base, _ := tag.Base()
	switch base.String() {
	case "ca":
		return domain.LanguageCAT
	case "es":
		if region, conf := tag.Region(); conf != language.No && latinAmericanRegions[region.String()] {
			return domain.LanguageLAT
		}
		return domain.LanguageESP
	case "en":
		return domain.LanguageENG
	}
	return domain.LanguageENG
}
