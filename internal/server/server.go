// Package server exposes Parley's HTTP surface: the health and metrics
// endpoints, the on-demand quick-translate API, and the per-meeting WebSocket
// that feeds the session orchestrator.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-live/parley/internal/health"
	"github.com/parley-live/parley/internal/meeting"
	"github.com/parley-live/parley/internal/observe"
)

// QuickTranslator serves the on-demand Korean-to-English endpoint.
type QuickTranslator interface {
	TranslateQuick(ctx context.Context, text string) (string, error)
}

// Config carries the server-level settings.
type Config struct {
	// CORSOrigins lists origins allowed on the API and accepted for WebSocket
	// upgrades. Empty means same-origin only.
	CORSOrigins []string

	// Meeting is the per-session orchestrator configuration applied to every
	// accepted meeting connection.
	Meeting meeting.Config
}

// Deps carries the server's collaborators.
type Deps struct {
	// MeetingDeps is handed to every session orchestrator.
	MeetingDeps meeting.Deps

	// Quick serves POST /api/v1/translate/ko-en.
	Quick QuickTranslator

	// Health serves the liveness and readiness routes.
	Health *health.Handler

	// Metrics instruments the HTTP surface. May be nil.
	Metrics *observe.Metrics

	// Logger is the server logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// Server routes HTTP traffic to the Parley subsystems.
type Server struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	healthz  *health.Handler
	sessions atomic.Int64
}

// New creates a Server. The readiness payload reports the server's live
// meeting count.
func New(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	healthz := deps.Health
	if healthz == nil {
		healthz = health.New()
	}
	s := &Server{cfg: cfg, deps: deps, log: log, healthz: healthz}
	healthz.SetSessionGauge(s.ActiveSessions)
	return s
}

// ActiveSessions returns the number of meeting connections currently owned by
// an orchestrator.
func (s *Server) ActiveSessions() int64 {
	return s.sessions.Load()
}

// Handler builds the full route table. The WebSocket route bypasses the
// request middleware: the status-recording wrapper would hide the
// http.Hijacker the upgrade needs.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	s.healthz.Register(api)
	api.Handle("GET /metrics", promhttp.Handler())
	api.HandleFunc("POST /api/v1/translate/ko-en", s.handleQuickTranslate)

	root := http.NewServeMux()
	root.HandleFunc("GET /ws/v1/meetings/{sessionId}", s.handleMeeting)
	root.Handle("/", s.withCORS(observe.Middleware(s.deps.Metrics)(api)))
	return root
}

// handleQuickTranslate translates a Korean phrase to English on demand.
func (s *Server) handleQuickTranslate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if s.deps.Quick == nil {
		writeError(w, http.StatusServiceUnavailable, "translation is not configured")
		return
	}

	translated, err := s.deps.Quick.TranslateQuick(r.Context(), text)
	if err != nil {
		s.log.Warn("quick translate failed", "err", err)
		writeError(w, http.StatusBadGateway, "translation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"translatedText": translated})
}

// handleMeeting upgrades the connection and hands it to a session
// orchestrator, which owns it until the session ends.
func (s *Server) handleMeeting(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	conn, err := s.acceptWebSocket(w, r)
	if err != nil {
		s.log.Warn("websocket accept failed", "session_id", sessionID, "err", err)
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	orc := meeting.New(sessionID, conn, s.deps.MeetingDeps, s.cfg.Meeting)
	if err := orc.Run(r.Context()); err != nil {
		s.log.Warn("session ended with error", "session_id", sessionID, "err", err)
	}
}

// withCORS answers preflight requests and stamps allowed origins onto API
// responses.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.cfg.CORSOrigins, "*") ||
		slices.Contains(s.cfg.CORSOrigins, origin)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
