// Package classify infers the closed quality/language enums from the free
// text of a source's display name. Callers must branch on the enums only,
// never on raw strings.
package classify

import (
	"regexp"
	"strings"

	"streamsource/internal/domain"
)

var (
	quality4KPattern   = regexp.MustCompile(`(?i)\b(2160p?|4k|uhd)\b`)
	quality1080Pattern = regexp.MustCompile(`(?i)\b1080p?\b`)

	multiLanguagePattern = regexp.MustCompile(`(?i)\b(multi(?:audio|lang(?:uage)?)?|dual(?:[ ._-]?audio)?)\b`)
)

// languageKeywords maps lowercase tokens found in release names to the
// closed language set. Flags emitted by some indexers are included because
// they survive into displayTitle text.
var languageKeywords = []struct {
	token string
	lang  domain.Language
}{
	{"català", domain.LanguageCAT},
	{"catala", domain.LanguageCAT},
	{"catalan", domain.LanguageCAT},
	{"[cat]", domain.LanguageCAT},
	{" cat ", domain.LanguageCAT},
	{".cat.", domain.LanguageCAT},
	{"3cat", domain.LanguageCAT},
	{"castellano", domain.LanguageESP},
	{"castellà", domain.LanguageESP},
	{"español", domain.LanguageESP},
	{"espanol", domain.LanguageESP},
	{"spanish", domain.LanguageESP},
	{"[esp]", domain.LanguageESP},
	{" esp ", domain.LanguageESP},
	{".esp.", domain.LanguageESP},
	{"latino", domain.LanguageLAT},
	{"[lat]", domain.LanguageLAT},
	{" lat ", domain.LanguageLAT},
	{"vose", domain.LanguageVO},
	{"vosub", domain.LanguageVO},
	{"[vo]", domain.LanguageVO},
	{" vo ", domain.LanguageVO},
	{"original audio", domain.LanguageVO},
	{"english", domain.LanguageENG},
	{"[eng]", domain.LanguageENG},
	{" eng ", domain.LanguageENG},
	{".eng.", domain.LanguageENG},
}

// Quality maps a display name to the 3-tier ladder. Names matching no known
// pattern land on the lowest tier, never on an error.
func Quality(displayName string) domain.QualityTier {
	if quality4KPattern.MatchString(displayName) {
		return domain.Quality4K
	}
	if quality1080Pattern.MatchString(displayName) {
		return domain.Quality1080p
	}
	return domain.Quality720p
}

// Language infers the audio language from displayName and displayTitle text.
// Unresolvable text falls back to the configured default (ENG or VO
// depending on deployment).
func Language(displayName, displayTitle string, fallback domain.Language) domain.Language {
	for _, haystack := range []string{displayName, displayTitle} {
		lowered := " " + strings.ToLower(strings.TrimSpace(haystack)) + " "
		if lowered == "  " {
			continue
		}
		for _, kw := range languageKeywords {
			if strings.Contains(lowered, kw.token) {
				return kw.lang
			}
		}
	}
	if fallback == domain.LanguageUnknown {
		return domain.LanguageENG
	}
	return fallback
}

// MultiLanguage reports whether the name advertises several audio tracks
// (dual/multi releases). These rank as an ENG-grade fallback.
func MultiLanguage(displayName string) bool {
	return multiLanguagePattern.MatchString(displayName)
}
