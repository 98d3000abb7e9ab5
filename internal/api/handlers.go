package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/deadletter"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// handleListCheckpoints lists checkpoints, optionally filtered by ?state=.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	var stateFilter *models.SyncState
	if raw := r.URL.Query().Get("state"); raw != "" {
		state := models.SyncState(raw)
		if !state.Valid() {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "unknown checkpoint state: "+raw)
			return
		}
		stateFilter = &state
	}

	checkpoints, err := s.checkpoints.List(stateFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
		"count":       len(checkpoints),
	})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	syncID := mux.Vars(r)["sync_id"]

	cp, err := s.checkpoints.Load(syncID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if cp == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "checkpoint not found: "+syncID)
		return
	}

	respondJSON(w, http.StatusOK, cp)
}

// handleGetResumeInfo answers what a resumed run would skip and retry.
func (s *Server) handleGetResumeInfo(w http.ResponseWriter, r *http.Request) {
	syncID := mux.Vars(r)["sync_id"]

	cp, err := s.checkpoints.Load(syncID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if cp == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "checkpoint not found: "+syncID)
		return
	}
	if !cp.State.IsResumable() {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "checkpoint is "+string(cp.State)+" and cannot be resumed")
		return
	}

	respondJSON(w, http.StatusOK, s.checkpoints.GetResumeInfo(cp))
}

func (s *Server) handleDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deadLetters.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetterExhausted(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	items, err := s.deadLetters.GetExhausted(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleDeadLetterByMessage(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["message_id"]

	items, err := s.deadLetters.GetByMessageID(r.Context(), messageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message_id": messageID,
		"items":      items,
		"count":      len(items),
	})
}

// handleResolveDeadLetter marks one item resolved with an operator reason.
func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "id must be an integer")
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "resolved by operator"
	}

	if err := s.deadLetters.MarkResolved(r.Context(), id, reason); err != nil {
		switch {
		case errors.Is(err, deadletter.ErrNotFound):
			respondError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		case errors.Is(err, deadletter.ErrAlreadyResolved):
			respondError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
}

// handleResetDeadLetter gives an exhausted item a fresh retry budget.
func (s *Server) handleResetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "id must be an integer")
		return
	}

	reset, err := s.deadLetters.ResetForRetry(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if !reset {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "no exhausted unresolved item with that id")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "reset": true})
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.breakers.GetAllStats())
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	s.breakers.ResetAll()
	respondJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	records, err := s.states.ListSources(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sources": records,
		"count":   len(records),
	})
}
