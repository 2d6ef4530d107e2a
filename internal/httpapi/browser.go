package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/antoniostano/voicelink/internal/session"
	"github.com/antoniostano/voicelink/internal/transport"
)

type offerRequest struct {
	SessionID string                       `json:"session_id"`
	Offer     transport.SessionDescription `json:"offer"`
}

type offerResponse struct {
	SessionID string                       `json:"session_id"`
	Answer    transport.SessionDescription `json:"answer"`
}

// handleBrowserOffer negotiates a WebRTC peer connection and starts the
// session loop on it. The loop outlives the request, so it runs on the
// server's lifetime, not the request context.
func (s *Server) handleBrowserOffer(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "browser transport not configured")
		return
	}
	var req offerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sess := s.sessions.Create("default", s.cfg.AIVoice, session.TransportBrowser)
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
		sessionID = sess.ID
	} else if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	answer, conn, err := s.browser.HandleOffer(r.Context(), req.Offer)
	if err != nil {
		// A failed negotiation is a published error state, not a silent 400;
		// observers polling the session must see the channel never came up.
		if _, terr := s.sessions.Transition(sessionID, session.StateError); terr != nil {
			s.logger.Warn().Err(terr).Str("session_id", sessionID).Msg("error transition failed")
		}
		s.metrics.SessionEvents.WithLabelValues("negotiation_failed").Inc()
		respondError(w, http.StatusBadRequest, "negotiation_failed", err.Error())
		return
	}

	go func() {
		if err := s.orchestrator.RunSession(context.Background(), sessionID, conn); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("browser session ended with error")
		}
	}()

	respondJSON(w, http.StatusOK, offerResponse{SessionID: sessionID, Answer: answer})
}
