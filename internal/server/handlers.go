package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/qshield/internal/ingress"
	"github.com/thebtf/qshield/internal/server/ws"
	"github.com/thebtf/qshield/pkg/models"
)

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	Ready          bool    `json:"ready"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Sessions       int     `json:"sessions"`
	WSConnections  int     `json:"ws_connections"`
	SSEConnections int     `json:"sse_connections"`
	Streams        int     `json:"streams"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Version:        s.version,
		Ready:          s.ready.Load(),
		UptimeSeconds:  time.Since(s.startTime).Seconds(),
		Sessions:       s.sessions.GetActiveSessionCount(),
		WSConnections:  s.wsHandler.Count(),
		SSEConnections: s.sseBroadcaster.ClientCount(),
		Streams:        s.broadcaster.StreamCount(),
	})
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.GetAllSessions(),
	})
}

func (s *Service) handleListRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"records": s.actors.ListRecords(r.URL.Query().Get("session")),
	})
}

func (s *Service) handleSearchRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"records": s.actors.SearchRecords(q),
	})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	role, err := models.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, invalidInput(err))
		return
	}
	s.sseBroadcaster.HandleSSE(w, r, chi.URLParam(r, "id"), role)
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.actors.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleTransmissions(w http.ResponseWriter, r *http.Request) {
	trs, err := s.actors.Transmissions(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transmissions": trs})
}

func (s *Service) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.actors.SecurityStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleSecurityPolicy(w http.ResponseWriter, r *http.Request) {
	d, err := s.actors.DecryptPolicy(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	d, err := s.actors.AnalyticsDashboard(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Service) handleKeyHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.actors.SecurityEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Service) handleLeave(w http.ResponseWriter, r *http.Request) {
	conn := actorFrom(r.Context())
	if err := s.actors.Disconnect(r.Context(), conn.SessionID, conn.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Service) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var req ws.GeneratePayload
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.actors.GenerateKey(r.Context(), chi.URLParam(r, "id"), req.KeyLength)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req ws.EncryptPayload
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	tr, err := s.actors.EncryptRecord(r.Context(), chi.URLParam(r, "id"), req.PatientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Service) handleEncryptBatch(w http.ResponseWriter, r *http.Request) {
	var req ws.BatchPayload
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.actors.EncryptBatch(r.Context(), chi.URLParam(r, "id"), req.PatientIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req ingress.DecryptRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.actors.DecryptAttempt(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleAttack(w http.ResponseWriter, r *http.Request) {
	var req ws.AttackPayload
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.actors.ToggleAttack(r.Context(), chi.URLParam(r, "id"), req.Active, req.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req ws.MessagePayload
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := models.ParseRole(req.Recipient)
	if err != nil {
		writeError(w, invalidInput(err))
		return
	}
	conn := actorFrom(r.Context())
	msg, err := s.actors.SendMessage(r.Context(), conn.SessionID, conn.Role, to, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Service) handleMessages(w http.ResponseWriter, r *http.Request) {
	conn := actorFrom(r.Context())
	msgs, err := s.actors.Messages(conn.SessionID, conn.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
