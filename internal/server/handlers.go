package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/syncbridge/sessionsync/internal/poller"
	"github.com/syncbridge/sessionsync/internal/upstream"
)

type statsResponse struct {
	Connections int           `json:"connections"`
	Sequence    uint64        `json:"sequence"`
	Poll        poller.Status `json:"poll"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Connections: s.hub.Count(),
		Sequence:    s.broadcaster.Sequence(),
		Poll:        s.poller.Status(),
	})
}

// handleListSessions forwards the list read to the upstream service. The
// local snapshot store is a diffing aid, not an authority, so reads go to
// the source of truth.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.client.FetchAllSessions(r.Context())
	if err != nil {
		s.upstreamError(w, err)
		return
	}

	payloads := make([]json.RawMessage, 0, len(snapshots))
	for _, snap := range snapshots {
		payloads = append(payloads, snap.Payload)
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	payload, err := s.client.FetchSession(r.Context(), id)
	if err != nil {
		s.upstreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	if err := s.client.DeleteSession(r.Context(), id); err != nil {
		s.upstreamError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		http.Error(w, "audit log disabled", http.StatusNotFound)
		return
	}

	var sinceSeq uint64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since_seq", http.StatusBadRequest)
			return
		}
		sinceSeq = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	messages, err := s.auditLog.Since(r.Context(), sinceSeq, limit)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// upstreamError maps an upstream failure onto the forwarding response.
func (s *Server) upstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, upstream.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Status >= 400 && ue.Status < 500 && !ue.Retryable {
		http.Error(w, http.StatusText(ue.Status), ue.Status)
		return
	}

	s.logger.Warn("upstream forwarding failed", zap.Error(err))
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
