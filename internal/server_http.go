package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type historyResponse struct {
	Messages []Envelope `json:"messages"`
}

// HandleHistory serves a paginated history page for a room. The optional
// "before" cursor is the last-seen entry id; the page holds entries older
// than it, oldest-first.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	roomKey := r.URL.Query().Get("room")
	if roomKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("room parameter required"))
		return
	}
	if !s.queryLimiter.Allow(clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var beforeID int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, errors.New("invalid before cursor"))
			return
		}
		beforeID = parsed
	}
	messages, err := s.store.History(r.Context(), roomKey, beforeID, s.historyPage)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	envelopes := make([]Envelope, 0, len(messages))
	for _, message := range messages {
		envelopes = append(envelopes, historyEnvelope(message))
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: envelopes})
}

// HandleNewChat hands out a fresh room id. Requests that already carry one
// are answered in place; the rest are redirected so the id lands in the URL.
func (s *Server) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("id")
	if chatID == "" {
		http.Redirect(w, r, "/chat?id="+uuid.NewString(), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chatId": chatID})
}

// HandleRoomExists checks for room existence without creating it.
func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	roomKey := r.URL.Query().Get("room")
	if roomKey == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	if s.hub.Exists(roomKey) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

// HandleArtifact serves a completed upload by its stored name.
func (s *Server) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	name := sanitizePathComponent(chi.URLParam(r, "file"))
	if name == "unnamed" {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.uploadDir, name))
}

// HandleMetrics reports the server's counters as JSON.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	payload := s.metrics.Snapshot()
	payload["rooms"] = s.hub.RoomCount()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
