package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"streamsource/internal/domain"
	"streamsource/internal/health"
	"streamsource/internal/selection"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

type candidatesPayload struct {
	Sources []domain.CandidateSource `json:"sources"`
}

// handleCandidates returns the ranked candidate list for a media key, served
// from the repository cache when fresh.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	key, err := parseMediaKey(r, strings.TrimPrefix(r.URL.Path, "/selection/candidates/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.URL.Query().Get("refresh") == "true" {
		s.candidates.Invalidate(key)
	}

	sources, err := s.candidates.Get(r.Context(), key)
	if err != nil {
		writeSelectionError(w, err)
		return
	}
	ranked := selection.Rank(sources, s.preferences.Current(r.Context()))
	writeJSON(w, http.StatusOK, candidatesPayload{Sources: ranked})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": s.pipeline.Slots()})
}

func (s *Server) handleSlotByID(w http.ResponseWriter, r *http.Request) {
	remainder := strings.Trim(strings.TrimPrefix(r.URL.Path, "/selection/slots/"), "/")
	parts := strings.SplitN(remainder, "/", 2)
	slot := parts[0]
	if slot == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing slot id")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			view, err := s.pipeline.View(slot)
			if err != nil {
				writeSelectionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.pipeline.CloseSlot(slot); err != nil {
				writeSelectionError(w, err)
				return
			}
			if s.healthMon != nil {
				s.healthMon.Stop(slot)
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
		}
	case "resolve":
		s.handleSlotResolve(w, r, slot)
	case "switch":
		s.handleSlotSwitch(w, r, slot)
	case "samples":
		s.handleSlotSamples(w, r, slot)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown slot action")
	}
}

type resolveBody struct {
	MediaType string `json:"mediaType"`
	MediaID   string `json:"mediaId"`
	Season    int    `json:"season"`
	Episode   int    `json:"episode"`
	// Refresh drops the cached candidate list first; set by the manual
	// retry action so it starts from scratch.
	Refresh bool `json:"refresh"`
}

func (s *Server) handleSlotResolve(w http.ResponseWriter, r *http.Request, slot string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.MediaID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "mediaId is required")
		return
	}
	key := domain.MediaKey{
		MediaType: domain.NormalizeMediaType(body.MediaType),
		MediaID:   strings.TrimSpace(body.MediaID),
		Season:    body.Season,
		Episode:   body.Episode,
	}
	if body.Refresh && s.candidates != nil {
		s.candidates.Invalidate(key)
	}

	view, err := s.pipeline.Resolve(r.Context(), slot, key)
	if err != nil {
		writeSelectionError(w, err)
		return
	}
	if s.healthMon != nil {
		s.healthMon.StartWindow(slot)
	}
	writeJSON(w, http.StatusOK, view)
}

type switchBody struct {
	SourceID string `json:"sourceId"`
}

type switchResponse struct {
	domain.SlotView
	// Position is the saved resume point for the media key, so the player
	// can keep its place across the swap.
	Position *domain.PlaybackPosition `json:"position,omitempty"`
}

func (s *Server) handleSlotSwitch(w http.ResponseWriter, r *http.Request, slot string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var body switchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.SourceID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sourceId is required")
		return
	}

	view, err := s.pipeline.SwitchTo(r.Context(), slot, strings.TrimSpace(body.SourceID))
	if err != nil {
		writeSelectionError(w, err)
		return
	}
	if s.healthMon != nil {
		s.healthMon.StartWindow(slot)
	}

	resp := switchResponse{SlotView: view}
	if s.history != nil {
		if pos, err := s.history.Get(r.Context(), view.Key); err == nil {
			resp.Position = &pos
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type samplesBody struct {
	Samples []health.Sample `json:"samples"`
}

type samplesResponse struct {
	Switched bool             `json:"switched"`
	View     *domain.SlotView `json:"view,omitempty"`
}

// handleSlotSamples feeds an amplitude batch to the health monitor. A
// declared-silent source comes back as switched=true with the new slot view.
func (s *Server) handleSlotSamples(w http.ResponseWriter, r *http.Request, slot string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	if s.healthMon == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "health monitor not configured")
		return
	}
	var body samplesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	view, switched, err := s.healthMon.Observe(r.Context(), slot, body.Samples)
	if err != nil {
		writeSelectionError(w, err)
		return
	}
	resp := samplesResponse{Switched: switched}
	if switched {
		resp.View = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.preferences.Current(r.Context()))
	case http.MethodPut:
		var pref domain.PlaybackPreference
		if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		updated, err := s.preferences.Update(r.Context(), pref)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or PUT")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "history store not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit, err := parseIntQuery(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		positions, err := s.history.ListRecent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
	case http.MethodPut:
		var pos domain.PlaybackPosition
		if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if strings.TrimSpace(pos.MediaID) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "mediaId is required")
			return
		}
		pos.MediaType = domain.NormalizeMediaType(string(pos.MediaType))
		if err := s.history.Upsert(r.Context(), pos); err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or PUT")
	}
}

func (s *Server) handleHistoryByKey(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "history store not configured")
		return
	}
	key, err := parseMediaKey(r, strings.TrimPrefix(r.URL.Path, "/selection/history/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		pos, err := s.history.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no saved position")
				return
			}
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, pos)
	case http.MethodDelete:
		if err := s.history.Delete(r.Context(), key); err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}
