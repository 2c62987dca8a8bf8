package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoCandidates is returned when the upstream catalog has zero playable
	// sources for a media key. Never retried automatically.
	ErrNoCandidates = errors.New("no candidate sources found")
	// ErrResolveTimeout marks a primary resolve that exceeded its deadline.
	ErrResolveTimeout = errors.New("resolve timed out")
	// ErrResolveRejected marks an explicit upstream error status.
	ErrResolveRejected = errors.New("resolve rejected by upstream")
	// ErrSourceSilent marks a source rejected by the playback health monitor.
	ErrSourceSilent = errors.New("source produced no audible signal")
	// ErrCandidatesExhausted is terminal for a playback session: every known
	// candidate failed or was marked silent.
	ErrCandidatesExhausted = errors.New("all candidate sources exhausted")
	// ErrSlotClosed is returned for operations on a torn-down playback slot.
	ErrSlotClosed = errors.New("playback slot closed")
	// ErrNotFound is the generic missing-record error for repositories.
	ErrNotFound = errors.New("not found")
)

type MediaType string

const (
	MediaTypeMovie  MediaType = "movie"
	MediaTypeSeries MediaType = "series"
)

func NormalizeMediaType(raw string) MediaType {
	switch MediaType(strings.ToLower(strings.TrimSpace(raw))) {
	case MediaTypeSeries:
		return MediaTypeSeries
	default:
		return MediaTypeMovie
	}
}

// MediaKey identifies one playable media unit. Season and Episode are zero
// for movies. Playback-URL cache keys must include Season/Episode: the same
// source hash can map to different files across episodes of a season pack.
type MediaKey struct {
	MediaType MediaType `json:"mediaType"`
	MediaID   string    `json:"mediaId"`
	Season    int       `json:"season,omitempty"`
	Episode   int       `json:"episode,omitempty"`
}

func (k MediaKey) String() string {
	return fmt.Sprintf("%s:%s:%d:%d", k.MediaType, k.MediaID, k.Season, k.Episode)
}

// QualityTier is the closed quality ladder, ordered by desirability.
// The integer value doubles as the sort index: 0 is best.
type QualityTier int

const (
	Quality4K QualityTier = iota
	Quality1080p
	Quality720p
)

var qualityTierNames = [...]string{"4k", "1080p", "720p"}

func (t QualityTier) String() string {
	if int(t) < len(qualityTierNames) {
		return qualityTierNames[t]
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ParseQualityTier maps a user-facing tier name to the enum. Anything that
// matches no known tier lands on the lowest one, never on an error.
func ParseQualityTier(raw string) QualityTier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "4k", "2160p", "uhd":
		return Quality4K
	case "1080p":
		return Quality1080p
	default:
		return Quality720p
	}
}

// QualityAuto is the "no explicit tier preference" marker.
const QualityAuto = "auto"

type Language string

const (
	LanguageCAT     Language = "cat"
	LanguageESP     Language = "esp"
	LanguageENG     Language = "eng"
	LanguageLAT     Language = "lat"
	LanguageVO      Language = "vo"
	LanguageUnknown Language = ""
)

// ReleaseMeta carries metadata parsed out of a source's display name. Purely
// informational for consumers; ranking only looks at the closed enums.
type ReleaseMeta struct {
	Title     string   `json:"title,omitempty"`
	Codec     string   `json:"codec,omitempty"`
	Group     string   `json:"group,omitempty"`
	Container string   `json:"container,omitempty"`
	Season    int      `json:"season,omitempty"`
	Episode   int      `json:"episode,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

// CandidateSource is one playable option for a media unit, prior to being
// resolved into an actual URL. Immutable once created by the repository.
type CandidateSource struct {
	SourceID     string `json:"sourceId"`
	DisplayName  string `json:"displayName"`
	DisplayTitle string `json:"displayTitle,omitempty"`
	// KnownCached is the upstream hint that the provider already has this
	// source staged for fast delivery. Distinct from local caching.
	KnownCached bool   `json:"isKnownCached"`
	FileIndex   int    `json:"fileIndex,omitempty"`
	Locator     string `json:"sourceLocator,omitempty"`

	Quality QualityTier `json:"-"`
	// QualityLabel mirrors Quality for JSON consumers.
	QualityLabel string   `json:"quality,omitempty"`
	Language     Language `json:"language,omitempty"`
	// MultiLanguage marks releases advertising several audio tracks; they
	// score as an ENG-grade fallback rather than a mismatch.
	MultiLanguage bool        `json:"multiLanguage,omitempty"`
	Meta          ReleaseMeta `json:"meta,omitempty"`
}

// ResolvedPlaybackURL is a time-limited URL the player can stream directly.
// Meaningful only under the MediaKey it was resolved for.
type ResolvedPlaybackURL struct {
	SourceID   string    `json:"sourceId"`
	Season     int       `json:"season,omitempty"`
	Episode    int       `json:"episode,omitempty"`
	URL        string    `json:"url"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// PlaybackPreference is the persisted user choice read at scoring time.
type PlaybackPreference struct {
	AudioLanguage Language `json:"preferredAudioLanguage"`
	// Quality is QualityAuto or an explicit tier name.
	Quality string `json:"preferredQuality"`
}

func DefaultPlaybackPreference() PlaybackPreference {
	return PlaybackPreference{
		AudioLanguage: LanguageENG,
		Quality:       QualityAuto,
	}
}

// SlotState is the FSM state of a playback slot's resolution pipeline.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotResolving
	SlotReady
	SlotRecovering
	SlotFailed
)

var slotStateNames = [...]string{"idle", "resolving", "ready", "recovering", "failed"}

func (s SlotState) String() string {
	if int(s) < len(slotStateNames) {
		return slotStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// SlotView is the consumer-facing snapshot of a playback slot: the active
// stream, the tiers disabled for this session, and the last surfaced error.
type SlotView struct {
	Slot          string           `json:"slot"`
	State         string           `json:"state"`
	Key           MediaKey         `json:"key"`
	ActiveURL     string           `json:"activeUrl,omitempty"`
	ActiveSource  *CandidateSource `json:"activeSource,omitempty"`
	DisabledTiers []string         `json:"disabledTiers,omitempty"`
	TriedSources  []string         `json:"triedSources,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// PlaybackPosition is a saved resume point, used to keep the playback
// position across manual source switches.
type PlaybackPosition struct {
	MediaType MediaType `json:"mediaType"`
	MediaID   string    `json:"mediaId"`
	Season    int       `json:"season,omitempty"`
	Episode   int       `json:"episode,omitempty"`
	Position  float64   `json:"position"`
	Duration  float64   `json:"duration,omitempty"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p PlaybackPosition) Key() MediaKey {
	return MediaKey{MediaType: p.MediaType, MediaID: p.MediaID, Season: p.Season, Episode: p.Episode}
}
