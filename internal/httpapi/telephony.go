package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	"github.com/antoniostano/voicelink/internal/session"
	"github.com/antoniostano/voicelink/internal/transport"
)

// handleTelephonyAnswer is the carrier's inbound-call webhook. It creates a
// session and answers with instructions to open a media stream back to us,
// tagged with the session id.
func (s *Server) handleTelephonyAnswer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	if !s.validTwilioSignature(r) {
		respondError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature check failed")
		return
	}

	sess := s.sessions.Create("default", s.cfg.AIVoice, session.TransportTelephony)
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("call_sid", r.PostFormValue("CallSid")).
		Str("from", r.PostFormValue("From")).
		Msg("inbound call answered")

	streamURL := fmt.Sprintf("wss://%s/v1/telephony/media?session_id=%s", s.publicHost(r), sess.ID)
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{&twiml.VoiceStream{Url: streamURL}},
	}
	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

// validTwilioSignature checks the webhook signature when an auth token is
// configured. Without a token the check is skipped for local development.
func (s *Server) validTwilioSignature(r *http.Request) bool {
	if s.cfg.TwilioAuthToken == "" {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	requestURL := fmt.Sprintf("https://%s%s", s.publicHost(r), r.URL.Path)
	return s.validator.Validate(requestURL, params, r.Header.Get("X-Twilio-Signature"))
}

func (s *Server) publicHost(r *http.Request) string {
	if s.cfg.PublicHost != "" {
		return s.cfg.PublicHost
	}
	if host := r.Header.Get("X-Forwarded-Host"); host != "" {
		return host
	}
	return r.Host
}

// handleTelephonyMedia upgrades the carrier media stream and runs the session
// loop over it. The handler returns when the call ends.
func (s *Server) handleTelephonyMedia(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := transport.NewTelephonyConn(ws)
	defer conn.Close()

	if err := s.orchestrator.RunSession(r.Context(), sessionID, conn); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("telephony session ended with error")
	}
}
