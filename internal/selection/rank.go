package selection

import (
	"sort"

	"streamsource/internal/domain"
)

// rankKey is the composite sort key: language match dominates, quality tier
// breaks ties. Lower sorts first.
type rankKey struct {
	language int
	quality  int
}

func (a rankKey) less(b rankKey) bool {
	if a.language != b.language {
		return a.language < b.language
	}
	return a.quality < b.quality
}

// Rank orders candidates by user preference and upstream availability.
//
// Candidates flagged as staged by the provider sort ahead of the rest, but
// only when at least one candidate actually carries the flag: a list with
// zero flagged entries usually means the availability signal is disabled
// upstream, and partitioning on it would be meaningless.
//
// The sort is stable: identical keys preserve input order, and two calls
// with identical input produce identical output.
func Rank(candidates []domain.CandidateSource, pref domain.PlaybackPreference) []domain.CandidateSource {
	if len(candidates) == 0 {
		return nil
	}

	ranked := append([]domain.CandidateSource(nil), candidates...)

	anyCached := false
	for _, c := range ranked {
		if c.KnownCached {
			anyCached = true
			break
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		left, right := ranked[i], ranked[j]
		if anyCached && left.KnownCached != right.KnownCached {
			return left.KnownCached
		}
		return candidateRankKey(left, pref).less(candidateRankKey(right, pref))
	})
	return ranked
}

func candidateRankKey(c domain.CandidateSource, pref domain.PlaybackPreference) rankKey {
	return rankKey{
		language: languageScore(c, pref.AudioLanguage),
		quality:  qualityScore(c, pref.Quality),
	}
}

// languageScore: 0 exact preference match, 1 for the ENG/multi-audio
// fallback, 2 otherwise.
func languageScore(c domain.CandidateSource, preferred domain.Language) int {
	if preferred != domain.LanguageUnknown && c.Language == preferred {
		return 0
	}
	if c.Language == domain.LanguageENG || c.MultiLanguage {
		return 1
	}
	return 2
}

// qualityScore is the tier index (0 = best), shifted so an explicitly
// preferred non-auto tier sorts ahead of everything else.
func qualityScore(c domain.CandidateSource, preferred string) int {
	if preferred != "" && preferred != domain.QualityAuto {
		if c.Quality == domain.ParseQualityTier(preferred) {
			return -1
		}
	}
	return int(c.Quality)
}
