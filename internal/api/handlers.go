package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/transferarr/transferarr/internal/state"
)

type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errStr, message string) {
	respondJSON(w, status, ErrorResponse{Error: errStr, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Time: time.Now()})
}

// handleListTorrents exposes every tracked record, the read surface
// spec.md §5 calls out explicitly ("the process also hosts an HTTP
// server that reads record state concurrently").
func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.store.All())
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	rec, ok := s.store.Get(hash)
	if !ok {
		respondError(w, http.StatusNotFound, "not found", "no tracked torrent with that hash")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleClearError lets an operator clear a terminal ERROR record
// back to UNCLAIMED so the next tick re-discovers it, rather than
// requiring a restart (spec.md §7 classifies ERROR as fatal-requires-
// operator-action; this is that action). PriorState is set to
// MANAGER_QUEUED, so once an endpoint reports the hash again the
// driver re-classifies the record from its home endpoint's state.
func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	ok := s.store.Mutate(hash, func(rec *state.TorrentRecord) bool {
		if rec.State != state.Error {
			return false
		}
		rec.State = state.Unclaimed
		rec.PriorState = state.ManagerQueued
		rec.Error = nil
		rec.CopyRetryCount = 0
		return true
	})
	if !ok {
		respondError(w, http.StatusConflict, "cannot clear", "record not found or not in ERROR state")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handlePurgeTorrent drops a record from the store without touching
// either endpoint; an operator escape hatch for records that should
// stop being tracked (e.g. a manager-side deletion the next tick
// hasn't observed yet).
func (s *Server) handlePurgeTorrent(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if _, ok := s.store.Get(hash); !ok {
		respondError(w, http.StatusNotFound, "not found", "no tracked torrent with that hash")
		return
	}
	s.store.Delete(hash)
	respondJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "events disabled", "")
		return
	}
	s.hub.ServeWS(w, r)
}
