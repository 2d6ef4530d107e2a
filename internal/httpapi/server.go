// Package httpapi exposes the service surface: session management, the three
// transport entry points, health probes, and the metrics endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/antoniostano/voicelink/internal/config"
	"github.com/antoniostano/voicelink/internal/observability"
	"github.com/antoniostano/voicelink/internal/session"
	"github.com/antoniostano/voicelink/internal/transport"
)

// Orchestrator runs the conversation loop over an established transport.
type Orchestrator interface {
	RunSession(ctx context.Context, sessionID string, conn transport.Connection) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	browser      *transport.BrowserHandler
	metrics      *observability.Metrics
	latency      *observability.LatencyWindow
	logger       zerolog.Logger
	upgrader     websocket.Upgrader
	validator    twilioclient.RequestValidator

	chunkedMu sync.Mutex
	chunked   map[string]*transport.ChunkedConn
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	orchestrator Orchestrator,
	browser *transport.BrowserHandler,
	metrics *observability.Metrics,
	latency *observability.LatencyWindow,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		browser:      browser,
		metrics:      metrics,
		latency:      latency,
		logger:       logger,
		validator:    twilioclient.NewRequestValidator(cfg.TwilioAuthToken),
		chunked:      make(map[string]*transport.ChunkedConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Carrier media streams and other non-browser clients
					// omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/debug/latency", s.handleLatency)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	r.Post("/v1/telephony/answer", s.handleTelephonyAnswer)
	r.Get("/v1/telephony/media", s.handleTelephonyMedia)

	r.Post("/v1/browser/offer", s.handleBrowserOffer)

	r.Post("/v1/generic/{id}/audio", s.handleGenericAudio)
	r.Get("/v1/generic/{id}/outbound", s.handleGenericOutbound)
	r.Post("/v1/generic/{id}/marks", s.handleGenericMarkAck)
	r.Post("/v1/generic/{id}/stop", s.handleGenericStop)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.latency == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		req.AgentID = "default"
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.AIVoice
	}
	switch req.Transport {
	case session.TransportTelephony, session.TransportBrowser, session.TransportGeneric:
	case "":
		req.Transport = session.TransportTelephony
	default:
		respondError(w, http.StatusBadRequest, "invalid_transport", "unknown transport kind")
		return
	}

	sess := s.sessions.Create(req.AgentID, req.VoiceID, req.Transport)
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:      sess.ID,
		AgentID:        sess.AgentID,
		VoiceID:        sess.VoiceID,
		Transport:      sess.Transport,
		State:          sess.State,
		StartedAt:      sess.StartedAt,
		LastActivityAt: sess.LastActivityAt,
		IdleTTLMS:      s.cfg.SessionIdleTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.dropChunked(id)
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
