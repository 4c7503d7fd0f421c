package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/achilleshq/sentinel/internal/bridge"
	"github.com/achilleshq/sentinel/internal/logging"
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Addr to listen on, e.g. 127.0.0.1:8790.
	Addr string
}

// DefaultServerConfig returns the default listen address.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: "127.0.0.1:8790"}
}

// Server exposes the agent to popup-style callers over HTTP, plus the bridge
// websocket endpoint for out-of-process page views.
type Server struct {
	cfg    ServerConfig
	agent  *Agent
	router chi.Router
	logger logging.Logger
}

// NewServer builds the HTTP surface over an agent.
func NewServer(cfg ServerConfig, a *Agent, logger logging.Logger) (*Server, error) {
	if a == nil {
		return nil, fmt.Errorf("agent: nil agent")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerConfig().Addr
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("agent-http")
	}
	s := &Server{
		cfg:    cfg,
		agent:  a,
		router: chi.NewRouter(),
		logger: logger.With(logging.Field{Key: "component", Value: "agent-http"}),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Get("/health", s.handleHealth)
	r.Get("/projects", s.handleListProjects)

	r.Get("/prefs", s.handleGetPrefs)
	r.Put("/prefs", s.handleSetPrefs)

	r.Get("/tabs/{tab}/detected", s.handleGetDetected)
	r.Get("/tabs/{tab}/badge", s.handleGetBadge)
	r.Post("/tabs/{tab}/clear", s.handleClearTab)
	r.Delete("/tabs/{tab}", s.handleCloseTab)

	ws := bridge.NewWSServer(s.agent.Router(), s.logger)
	r.Get("/ws", ws.Handler())
}

// Router returns the http.Handler for embedding and tests.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe blocks serving the surface until the listener fails or ctx
// is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	s.logger.Info("listening", logging.Field{Key: "addr", Value: s.cfg.Addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// dispatch runs a bridge message through the router and maps the response
// onto HTTP.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, m bridge.Message) {
	resp, err := s.agent.Router().Dispatch(r.Context(), m)
	if err != nil {
		s.logger.Warn("dispatch failed",
			logging.Field{Key: "type", Value: string(m.Type)},
			logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !resp.OK {
		writeError(w, http.StatusBadGateway, resp.Error)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, bridge.Message{Type: bridge.TypeHealthCheck})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, bridge.Message{Type: bridge.TypeGetProjects})
}

func (s *Server) handleGetPrefs(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, bridge.Message{Type: bridge.TypeGetUserPrefs})
}

func (s *Server) handleSetPrefs(w http.ResponseWriter, r *http.Request) {
	var p bridge.UserPrefsPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	m, err := bridge.NewMessage(bridge.TypeSetUserPrefs, "", p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.dispatch(w, r, m)
}

func (s *Server) handleGetDetected(w http.ResponseWriter, r *http.Request) {
	tab := chi.URLParam(r, "tab")
	s.dispatch(w, r, bridge.Message{Type: bridge.TypeGetDetected, TabID: tab})
}

func (s *Server) handleGetBadge(w http.ResponseWriter, r *http.Request) {
	tab := chi.URLParam(r, "tab")
	writeJSON(w, http.StatusOK, map[string]int{"count": s.agent.Tabs().Count(tab)})
}

func (s *Server) handleClearTab(w http.ResponseWriter, r *http.Request) {
	tab := chi.URLParam(r, "tab")
	s.agent.OnNavigationStart(tab)
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	tab := chi.URLParam(r, "tab")
	s.agent.OnTabClosed(tab)
	writeJSON(w, http.StatusNoContent, nil)
}
