package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"streamsource/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeSelectionError maps the selection error taxonomy onto HTTP statuses.
func writeSelectionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNoCandidates):
		writeError(w, http.StatusNotFound, "no_candidates", "no candidate sources found")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrResolveTimeout):
		writeError(w, http.StatusGatewayTimeout, "resolve_timeout", err.Error())
	case errors.Is(err, domain.ErrResolveRejected):
		writeError(w, http.StatusBadGateway, "resolve_rejected", err.Error())
	case errors.Is(err, domain.ErrCandidatesExhausted):
		writeError(w, http.StatusConflict, "candidates_exhausted", "all candidate sources exhausted")
	case errors.Is(err, domain.ErrSlotClosed):
		writeError(w, http.StatusConflict, "slot_closed", "playback slot closed")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusConflict, "superseded", "resolve superseded by a newer request")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// parseMediaKey extracts a media key from a "{mediaType}/{mediaId}" path
// remainder plus optional season/episode query parameters.
func parseMediaKey(r *http.Request, remainder string) (domain.MediaKey, error) {
	parts := strings.SplitN(strings.Trim(remainder, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.MediaKey{}, errors.New("expected {mediaType}/{mediaId}")
	}
	key := domain.MediaKey{
		MediaType: domain.NormalizeMediaType(parts[0]),
		MediaID:   parts[1],
	}

	season, err := parseIntQuery(r, "season")
	if err != nil {
		return domain.MediaKey{}, err
	}
	episode, err := parseIntQuery(r, "episode")
	if err != nil {
		return domain.MediaKey{}, err
	}
	key.Season = season
	key.Episode = episode
	return key, nil
}

func parseIntQuery(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("invalid " + name)
	}
	return value, nil
}
