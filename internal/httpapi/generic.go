package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/voicelink/internal/transport"
)

type genericAudioRequest struct {
	AudioBase64 string `json:"audio"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type genericMarkRequest struct {
	Name string `json:"name"`
}

type genericOutboundResponse struct {
	Chunks []transport.OutboundChunk `json:"chunks"`
}

// chunkedConnFor returns the live chunked connection for the session,
// starting the session loop on first use.
func (s *Server) chunkedConnFor(sessionID string) (*transport.ChunkedConn, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	s.chunkedMu.Lock()
	defer s.chunkedMu.Unlock()
	if conn, ok := s.chunked[sessionID]; ok {
		return conn, nil
	}
	conn := transport.NewChunkedConn()
	s.chunked[sessionID] = conn
	go func() {
		if err := s.orchestrator.RunSession(context.Background(), sessionID, conn); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("generic session ended with error")
		}
		s.dropChunked(sessionID)
	}()
	return conn, nil
}

func (s *Server) lookupChunked(sessionID string) (*transport.ChunkedConn, bool) {
	s.chunkedMu.Lock()
	defer s.chunkedMu.Unlock()
	conn, ok := s.chunked[sessionID]
	return conn, ok
}

func (s *Server) dropChunked(sessionID string) {
	s.chunkedMu.Lock()
	conn, ok := s.chunked[sessionID]
	delete(s.chunked, sessionID)
	s.chunkedMu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (s *Server) handleGenericAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req genericAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AudioBase64) == "" {
		respondError(w, http.StatusBadRequest, "missing_audio", "audio payload is required")
		return
	}
	conn, err := s.chunkedConnFor(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err := conn.PushAudio(req.AudioBase64, req.TimestampMs); err != nil {
		respondError(w, http.StatusGone, "session_closed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleGenericOutbound(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.lookupChunked(chi.URLParam(r, "id"))
	if !ok {
		respondJSON(w, http.StatusOK, genericOutboundResponse{Chunks: []transport.OutboundChunk{}})
		return
	}
	chunks := conn.DrainOutbound()
	if chunks == nil {
		chunks = []transport.OutboundChunk{}
	}
	respondJSON(w, http.StatusOK, genericOutboundResponse{Chunks: chunks})
}

func (s *Server) handleGenericMarkAck(w http.ResponseWriter, r *http.Request) {
	var req genericMarkRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "mark name is required")
		return
	}
	conn, ok := s.lookupChunked(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no live stream for session")
		return
	}
	if err := conn.PushMarkAck(req.Name); err != nil {
		respondError(w, http.StatusGone, "session_closed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleGenericStop(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.lookupChunked(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no live stream for session")
		return
	}
	conn.PushStop()
	respondJSON(w, http.StatusOK, map[string]any{"stopped": true})
}
